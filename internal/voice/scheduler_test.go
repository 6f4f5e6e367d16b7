package voice

import (
	"testing"
	"time"
)

// 100ms of PCM16 at 16 kHz.
func testChunkData() []byte {
	return make([]byte, 3200)
}

func TestSchedulerStartTimesDoNotOverlap(t *testing.T) {
	s := NewScheduler(20*time.Millisecond, 10*time.Millisecond, nil, nil)

	a := s.Enqueue(testChunkData(), 16000)
	b := s.Enqueue(testChunkData(), 16000)
	c := s.Enqueue(testChunkData(), 16000)

	if a.Duration != 100*time.Millisecond {
		t.Fatalf("chunk duration = %v, want 100ms", a.Duration)
	}
	for i, pair := range [][2]PlaybackChunk{{a, b}, {b, c}} {
		prev, next := pair[0], pair[1]
		if next.StartAt.Before(prev.StartAt.Add(prev.Duration)) {
			t.Fatalf("chunk %d starts before its predecessor finishes", i+1)
		}
	}
	if b.Seq != a.Seq+1 || c.Seq != b.Seq+1 {
		t.Fatalf("sequence numbers must be consecutive: %d %d %d", a.Seq, b.Seq, c.Seq)
	}
}

func TestSchedulerReleasesInOrder(t *testing.T) {
	released := make(chan PlaybackChunk, 8)
	drained := make(chan struct{}, 1)
	s := NewScheduler(5*time.Millisecond, time.Millisecond,
		func(c PlaybackChunk) { released <- c },
		func() { drained <- struct{}{} },
	)

	// 10ms chunks so the test stays fast.
	data := make([]byte, 320)
	s.Enqueue(data, 16000)
	s.Enqueue(data, 16000)
	s.Enqueue(data, 16000)

	var seqs []int
	for i := 0; i < 3; i++ {
		select {
		case c := <-released:
			seqs = append(seqs, c.Seq)
		case <-time.After(time.Second):
			t.Fatalf("chunk %d was never released", i)
		}
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("out-of-order release: %v", seqs)
		}
	}

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatalf("drained callback never fired")
	}
	if !s.Idle() {
		t.Fatalf("scheduler should be idle after drain")
	}
}

func TestSchedulerClearStopsPlayback(t *testing.T) {
	released := make(chan PlaybackChunk, 8)
	drained := make(chan struct{}, 1)
	s := NewScheduler(50*time.Millisecond, time.Millisecond,
		func(c PlaybackChunk) { released <- c },
		func() { drained <- struct{}{} },
	)

	s.Enqueue(testChunkData(), 16000)
	s.Enqueue(testChunkData(), 16000)
	s.Clear()

	if got := s.Pending(); got != 0 {
		t.Fatalf("pending = %d after clear, want 0", got)
	}
	select {
	case c := <-released:
		t.Fatalf("chunk %d released after clear", c.Seq)
	case <-drained:
		t.Fatalf("drained must not fire for a cleared queue")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSchedulerColdStartAfterClear(t *testing.T) {
	s := NewScheduler(20*time.Millisecond, 10*time.Millisecond, nil, nil)

	s.Enqueue(testChunkData(), 16000)
	s.Enqueue(testChunkData(), 16000)
	s.Clear()

	now := time.Now()
	chunk := s.Enqueue(testChunkData(), 16000)
	// After a clear the queue is cold again: the chunk starts after the
	// lead-in, not after the abandoned queue's play position.
	if chunk.StartAt.After(now.Add(40 * time.Millisecond)) {
		t.Fatalf("start %v too far after clear", chunk.StartAt.Sub(now))
	}
}
