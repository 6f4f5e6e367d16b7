package brain

import (
	"context"
	"strings"
	"sync"
)

// MockAdapter yields canned replies split into word deltas. Useful for tests
// and for running the server without a language model behind it.
type MockAdapter struct {
	mu      sync.Mutex
	replies []string
	next    int
}

func NewMockAdapter(replies ...string) *MockAdapter {
	if len(replies) == 0 {
		replies = []string{"I heard you. Tell me more."}
	}
	return &MockAdapter{replies: replies}
}

func (m *MockAdapter) StreamResponse(ctx context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	m.mu.Lock()
	reply := m.replies[m.next%len(m.replies)]
	m.next++
	m.mu.Unlock()

	var out strings.Builder
	for i, word := range strings.Fields(reply) {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		default:
		}
		delta := word
		if i > 0 {
			delta = " " + word
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: out.String()}, nil
}
