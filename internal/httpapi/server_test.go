package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/vocalis/internal/config"
	"github.com/antoniostano/vocalis/internal/protocol"
	"github.com/antoniostano/vocalis/internal/session"
	"github.com/antoniostano/vocalis/internal/storage"
)

// fakeOrchestrator acknowledges connections and echoes a couple of message
// kinds so transport plumbing can be tested without the full pipeline.
type fakeOrchestrator struct{}

func (f *fakeOrchestrator) RunConnection(ctx context.Context, _ *session.Session, inbound <-chan any, outbound chan<- any) error {
	outbound <- protocol.State{Type: protocol.TypeState, Value: "listening"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch msg.(type) {
			case protocol.Interrupt:
				outbound <- protocol.State{Type: protocol.TypeState, Value: "interrupted"}
			case protocol.BinaryAudio:
				outbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "got audio"}
			}
		}
	}
}

func newTestServer(t *testing.T, store storage.Store) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{
		AllowAnyOrigin:           true,
		SessionInactivityTimeout: time.Minute,
	}
	sessions := session.NewManager(time.Minute, time.Second)
	srv := New(cfg, sessions, &fakeOrchestrator{}, store, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	res, err := http.Post(ts.URL+"/v1/session", "application/json", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", res.StatusCode)
	}
	var body createSessionResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return body.SessionID
}

func dialWS(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	return msg
}

func TestHealthAndReady(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, res.StatusCode)
		}
	}
}

func TestSessionLifecycleOverWS(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	id := createSession(t, ts)
	conn := dialWS(t, ts, id)

	if msg := readEnvelope(t, conn); msg["value"] != "listening" {
		t.Fatalf("first message = %v, want listening state", msg)
	}

	if err := conn.WriteJSON(map[string]any{"type": "interrupt"}); err != nil {
		t.Fatalf("write interrupt: %v", err)
	}
	if msg := readEnvelope(t, conn); msg["value"] != "interrupted" {
		t.Fatalf("after interrupt = %v", msg)
	}
}

func TestBinaryFramesReachOrchestrator(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	id := createSession(t, ts)
	conn := dialWS(t, ts, id)
	readEnvelope(t, conn) // listening

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640)); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if msg := readEnvelope(t, conn); msg["text"] != "got audio" {
		t.Fatalf("binary ack = %v", msg)
	}
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	id := createSession(t, ts)
	conn := dialWS(t, ts, id)
	readEnvelope(t, conn) // listening

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"reboot"}`)); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	if msg := readEnvelope(t, conn); msg["type"] != "error" {
		t.Fatalf("expected protocol error, got %v", msg)
	}

	// Connection still works afterwards.
	if err := conn.WriteJSON(map[string]any{"type": "interrupt"}); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	if msg := readEnvelope(t, conn); msg["value"] != "interrupted" {
		t.Fatalf("after error = %v", msg)
	}
}

func TestDisconnectSuspendsAndResume(t *testing.T) {
	ts, sessions := newTestServer(t, nil)
	id := createSession(t, ts)

	conn := dialWS(t, ts, id)
	readEnvelope(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := sessions.Get(id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if sess.Status == session.StatusSuspended {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session was not suspended after disconnect, status = %q", sess.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Reconnect within grace resumes the session.
	conn2 := dialWS(t, ts, id)
	readEnvelope(t, conn2)
	sess, _ := sessions.Get(id)
	if sess.Status != session.StatusActive {
		t.Fatalf("status after reconnect = %q, want active", sess.Status)
	}
}

func TestWSRejectsUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/session/ws?session_id=nope"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial should fail for unknown session")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 response")
	}
}

func TestConversationEndpoints(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ts, _ := newTestServer(t, store)

	seed := storage.Conversation{
		ID: "conv-1",
		Messages: []storage.Message{
			{Role: "user", Content: "hello there"},
			{Role: "assistant", Content: "hi!"},
		},
	}
	if err := store.Save(context.Background(), seed); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	res, err := http.Get(ts.URL + "/v1/conversations")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listing struct {
		Conversations []storage.Summary `json:"conversations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	res.Body.Close()
	if len(listing.Conversations) != 1 || listing.Conversations[0].ID != "conv-1" {
		t.Fatalf("listing = %+v", listing)
	}

	res, err = http.Post(ts.URL+"/v1/conversations/conv-1/rename", "application/json",
		strings.NewReader(`{"title":"First chat"}`))
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rename status = %d", res.StatusCode)
	}

	res, err = http.Get(ts.URL + "/v1/conversations/conv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var conv storage.Conversation
	if err := json.NewDecoder(res.Body).Decode(&conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	res.Body.Close()
	if conv.Title != "First chat" || len(conv.Messages) != 2 {
		t.Fatalf("conversation = %+v", conv)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/conversations/conv-1", nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", res.StatusCode)
	}

	res, _ = http.Get(ts.URL + "/v1/conversations/conv-1")
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", res.StatusCode)
	}
}
