package brain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func sseServer(t *testing.T, deltas []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestHTTPAdapterStreamsDeltas(t *testing.T) {
	srv := sseServer(t, []string{"Hello", " there", "."})
	defer srv.Close()

	adapter := NewHTTPAdapter(srv.URL, "")
	var got []string
	resp, err := adapter.StreamResponse(context.Background(), Request{Input: "hi"}, func(delta string) error {
		got = append(got, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text != "Hello there." {
		t.Fatalf("text = %q, want %q", resp.Text, "Hello there.")
	}
	if len(got) != 3 {
		t.Fatalf("deltas = %d, want 3", len(got))
	}
}

func TestHTTPAdapterDeltaErrorAborts(t *testing.T) {
	srv := sseServer(t, []string{"a", "b", "c"})
	defer srv.Close()

	abort := errors.New("stop")
	adapter := NewHTTPAdapter(srv.URL, "")
	_, err := adapter.StreamResponse(context.Background(), Request{Input: "hi"}, func(string) error {
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("error = %v, want abort sentinel", err)
	}
}

func TestHTTPAdapterRetriesBeforeFirstDelta(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(srv.URL, "")
	resp, err := adapter.StreamResponse(context.Background(), Request{Input: "hi"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("text = %q, want %q", resp.Text, "ok")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTPAdapterNonRetryableStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(srv.URL, "")
	_, err := adapter.StreamResponse(context.Background(), Request{Input: "hi"}, nil)
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("error = %v, want status 400 failure", err)
	}
}

func TestMockAdapterCyclesReplies(t *testing.T) {
	m := NewMockAdapter("one", "two")
	r1, _ := m.StreamResponse(context.Background(), Request{}, nil)
	r2, _ := m.StreamResponse(context.Background(), Request{}, nil)
	r3, _ := m.StreamResponse(context.Background(), Request{}, nil)
	if r1.Text != "one" || r2.Text != "two" || r3.Text != "one" {
		t.Fatalf("replies = %q %q %q", r1.Text, r2.Text, r3.Text)
	}
}
