package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("conversation not found")

// Message is one conversational turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the persisted form of one session's history.
type Conversation struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []Message         `json:"messages"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Summary is the listing view: metadata without messages.
type Summary struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store persists conversations keyed by session ID. The orchestrator only
// calls Save and Load at session boundaries; nothing on the real-time path
// ever blocks on storage latency.
type Store interface {
	Save(ctx context.Context, conv Conversation) error
	Load(ctx context.Context, id string) (Conversation, error)
	List(ctx context.Context) ([]Summary, error)
	Rename(ctx context.Context, id, title string) error
	Delete(ctx context.Context, id string) error
	Close() error
}

const autoTitleMaxChars = 30

// AutoTitle derives a listing title from the first non-empty user message,
// falling back to a timestamp.
func AutoTitle(messages []Message, at time.Time) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if len(content) > autoTitleMaxChars {
			return content[:autoTitleMaxChars] + "..."
		}
		return content
	}
	return "Conversation " + at.Format("2006-01-02 15:04")
}
