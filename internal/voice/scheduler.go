package voice

import (
	"sync"
	"time"

	"github.com/antoniostano/vocalis/internal/audio"
)

// PlaybackChunk is one scheduled unit of synthesized speech.
type PlaybackChunk struct {
	Seq        int
	Data       []byte
	SampleRate int
	StartAt    time.Time
	Duration   time.Duration
}

// Scheduler paces synthesized audio out to the client. Chunks are released
// in order at computed start times so back-to-back sentences play gaplessly
// without overlapping. Clear drops everything not yet released, which is how
// an interrupt silences playback immediately.
type Scheduler struct {
	leadIn time.Duration
	gap    time.Duration

	// release delivers a chunk whose start time has arrived.
	release func(PlaybackChunk)
	// drained fires once playback of the final queued chunk has finished.
	drained func()

	mu         sync.Mutex
	queue      []PlaybackChunk
	timer      *time.Timer
	nextSeq    int
	nextPlayAt time.Time
	epoch      int
}

func NewScheduler(leadIn, gap time.Duration, release func(PlaybackChunk), drained func()) *Scheduler {
	return &Scheduler{
		leadIn:  leadIn,
		gap:     gap,
		release: release,
		drained: drained,
	}
}

// Enqueue schedules a chunk after everything already queued. The first chunk
// of a cold queue starts after a short lead-in; subsequent chunks start when
// the previous one finishes plus a small inter-chunk gap.
func (s *Scheduler) Enqueue(pcm16le []byte, sampleRate int) PlaybackChunk {
	now := time.Now()
	dur := audio.PCM16Duration(len(pcm16le)/2, sampleRate)

	s.mu.Lock()
	defer s.mu.Unlock()

	var startAt time.Time
	if s.nextPlayAt.Before(now) {
		startAt = now.Add(s.leadIn)
	} else {
		startAt = s.nextPlayAt.Add(s.gap)
	}
	chunk := PlaybackChunk{
		Seq:        s.nextSeq,
		Data:       pcm16le,
		SampleRate: sampleRate,
		StartAt:    startAt,
		Duration:   dur,
	}
	s.nextSeq++
	s.nextPlayAt = startAt.Add(dur)
	s.queue = append(s.queue, chunk)
	s.armLocked(now)
	return chunk
}

// Pending reports how many chunks await release.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Idle reports whether nothing is queued and the last released chunk has
// finished playing.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && !s.nextPlayAt.After(time.Now())
}

// Clear drops all queued chunks and forgets playback position. The drained
// callback does not fire for a cleared queue.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.nextPlayAt = time.Time{}
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// armLocked (re)schedules the release timer for the queue head, or for the
// drain point when the queue is empty but audio is still playing out.
func (s *Scheduler) armLocked(now time.Time) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	epoch := s.epoch
	if len(s.queue) > 0 {
		delay := s.queue[0].StartAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		s.timer = time.AfterFunc(delay, func() { s.fire(epoch) })
		return
	}
	if s.nextPlayAt.After(now) {
		s.timer = time.AfterFunc(s.nextPlayAt.Sub(now), func() { s.drain(epoch) })
	}
}

func (s *Scheduler) fire(epoch int) {
	s.mu.Lock()
	if epoch != s.epoch || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	chunk := s.queue[0]
	s.queue = s.queue[1:]
	s.armLocked(time.Now())
	release := s.release
	s.mu.Unlock()

	if release != nil {
		release(chunk)
	}
}

func (s *Scheduler) drain(epoch int) {
	s.mu.Lock()
	stale := epoch != s.epoch || len(s.queue) > 0 || s.nextPlayAt.After(time.Now())
	drained := s.drained
	s.mu.Unlock()

	if !stale && drained != nil {
		drained()
	}
}
