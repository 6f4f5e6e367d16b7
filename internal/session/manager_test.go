package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute, 30*time.Second)
	s := m.Create()
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("status = %q, want %q", got.Status, StatusActive)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
}

func TestManagerSuspendResumeWithinGrace(t *testing.T) {
	m := NewManager(time.Minute, time.Second)
	s := m.Create()

	if err := m.Suspend(s.ID); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.Status != StatusSuspended {
		t.Fatalf("status = %q, want %q", got.Status, StatusSuspended)
	}

	resumed, err := m.Resume(s.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.Status != StatusActive {
		t.Fatalf("resumed status = %q, want %q", resumed.Status, StatusActive)
	}
}

func TestManagerResumeAfterGraceFails(t *testing.T) {
	m := NewManager(time.Minute, 20*time.Millisecond)
	s := m.Create()
	if err := m.Suspend(s.ID); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	if _, err := m.Resume(s.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Resume() error = %v, want ErrNotActive", err)
	}
}

func TestManagerJanitorExpiresSuspended(t *testing.T) {
	m := NewManager(time.Minute, 30*time.Millisecond)
	s := m.Create()
	if err := m.Suspend(s.ID); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}

	expired := make(chan string, 1)
	m.SetExpireHook(func(s *Session) { expired <- s.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != s.ID {
			t.Fatalf("expired id = %q, want %q", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("suspended session was not expired after grace")
	}
}

func TestManagerRecordInterruption(t *testing.T) {
	m := NewManager(time.Minute, time.Second)
	s := m.Create()
	if err := m.RecordInterruption(s.ID); err != nil {
		t.Fatalf("RecordInterruption() error = %v", err)
	}
	if err := m.RecordInterruption(s.ID); err != nil {
		t.Fatalf("RecordInterruption() error = %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.Interruptions != 2 {
		t.Fatalf("Interruptions = %d, want 2", got.Interruptions)
	}
}
