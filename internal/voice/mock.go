package voice

import (
	"context"
	"sync"
	"time"
)

// MockTranscriber returns canned transcripts in order and remembers the
// audio it was given.
type MockTranscriber struct {
	mu          sync.Mutex
	transcripts []string
	next        int
	Calls       int
	Delay       time.Duration
}

func NewMockTranscriber(transcripts ...string) *MockTranscriber {
	if len(transcripts) == 0 {
		transcripts = []string{"hello there"}
	}
	return &MockTranscriber{transcripts: transcripts}
}

func (m *MockTranscriber) Transcribe(ctx context.Context, _ []byte, _ int) (string, error) {
	m.mu.Lock()
	text := m.transcripts[m.next%len(m.transcripts)]
	m.next++
	m.Calls++
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return text, nil
}

// MockSynthesizer emits a fixed number of small PCM chunks per call, with an
// optional per-chunk delay to simulate synthesis time.
type MockSynthesizer struct {
	mu         sync.Mutex
	ChunkCount int
	ChunkSize  int
	SampleRate int
	Delay      time.Duration
	Calls      int
}

func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{ChunkCount: 2, ChunkSize: 640, SampleRate: 24000}
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, _ string, emit AudioEmitter) error {
	m.mu.Lock()
	m.Calls++
	count, size, rate, delay := m.ChunkCount, m.ChunkSize, m.SampleRate, m.Delay
	m.mu.Unlock()

	for i := 0; i < count; i++ {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(make([]byte, size), rate); err != nil {
			return err
		}
	}
	return nil
}

// MockDescriber returns a fixed description.
type MockDescriber struct {
	Description string
}

func (m *MockDescriber) Describe(_ context.Context, _ []byte, _ string) (string, error) {
	if m.Description == "" {
		return "a sunny landscape", nil
	}
	return m.Description, nil
}
