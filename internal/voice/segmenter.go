package voice

import (
	"time"

	"github.com/antoniostano/vocalis/internal/audio"
)

// CaptureMode tells the segmenter what the conversation is doing, which
// changes how incoming audio is interpreted.
type CaptureMode int

const (
	// ModeListening accumulates voiced audio into utterances.
	ModeListening CaptureMode = iota
	// ModeSpeaking only watches for barge-in voice; nothing is accumulated.
	ModeSpeaking
	// ModeProtected ignores the microphone entirely (greeting, vision turns).
	ModeProtected
)

// SegmenterConfig carries the tuned segmentation parameters.
type SegmenterConfig struct {
	VoiceThreshold     float64
	InterruptThreshold float64
	SilenceTimeout     time.Duration
	MinUtterance       time.Duration
	StartupWindow      time.Duration
	StartupFactor      float64
	SampleRate         int
}

// Utterance is one segmented stretch of user speech, trailing silence
// already trimmed.
type Utterance struct {
	PCM        []int16
	SampleRate int
	Duration   time.Duration
}

// SegmentResult reports what one audio frame did to the segmenter.
type SegmentResult struct {
	// Voice reports whether the frame cleared the active energy threshold.
	Voice bool
	// Utterance is non-nil when this frame completed a segment.
	Utterance *Utterance
	// Dropped is set when a segment closed but was too short to keep.
	Dropped bool
}

// Segmenter turns a stream of fixed-rate PCM frames into discrete
// utterances. All timing is derived from sample counts, never wall clock,
// so behavior is identical regardless of network jitter.
type Segmenter struct {
	cfg  SegmenterConfig
	mode CaptureMode

	// elapsed is the total audio duration processed since the session
	// started; it drives the startup sensitivity window.
	elapsed time.Duration

	active    bool
	buf       []int16
	voicedEnd int
	silence   time.Duration
}

func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.StartupFactor <= 0 || cfg.StartupFactor > 1 {
		cfg.StartupFactor = 1
	}
	return &Segmenter{cfg: cfg}
}

// SetMode switches capture behavior. Leaving ModeListening discards any
// partially accumulated segment: audio captured while the assistant speaks
// must never leak into the next utterance.
func (s *Segmenter) SetMode(mode CaptureMode) {
	if mode != ModeListening && s.mode == ModeListening {
		s.resetSegment()
	}
	s.mode = mode
}

func (s *Segmenter) Mode() CaptureMode { return s.mode }

// Push processes one frame of capture-rate PCM.
func (s *Segmenter) Push(frame []int16) SegmentResult {
	frameDur := audio.PCM16Duration(len(frame), s.cfg.SampleRate)
	voice := s.classify(frame)
	s.elapsed += frameDur

	if s.mode == ModeProtected {
		return SegmentResult{}
	}
	if s.mode == ModeSpeaking {
		return SegmentResult{Voice: voice}
	}

	if voice {
		if !s.active {
			s.active = true
			s.buf = s.buf[:0]
			s.voicedEnd = 0
		}
		s.buf = append(s.buf, frame...)
		s.voicedEnd = len(s.buf)
		s.silence = 0
		return SegmentResult{Voice: true}
	}

	if !s.active {
		return SegmentResult{}
	}

	s.buf = append(s.buf, frame...)
	s.silence += frameDur
	if s.silence < s.cfg.SilenceTimeout {
		return SegmentResult{}
	}
	return s.closeSegment()
}

// Flush force-closes the current segment, as when the client signals the
// end of its audio stream without waiting out the silence timeout.
func (s *Segmenter) Flush() SegmentResult {
	if !s.active {
		return SegmentResult{}
	}
	return s.closeSegment()
}

// Reset discards any partial segment without emitting it.
func (s *Segmenter) Reset() {
	s.resetSegment()
}

func (s *Segmenter) classify(frame []int16) bool {
	threshold := s.cfg.VoiceThreshold
	if s.mode == ModeSpeaking {
		threshold = s.cfg.InterruptThreshold
	}
	// Right after session start the user often begins talking before the
	// energy floor is established; lower the bar briefly so the first words
	// are not clipped.
	if s.cfg.StartupWindow > 0 && s.elapsed < s.cfg.StartupWindow {
		threshold *= s.cfg.StartupFactor
	}
	return audio.RMS(frame) >= threshold
}

func (s *Segmenter) closeSegment() SegmentResult {
	pcm := make([]int16, s.voicedEnd)
	copy(pcm, s.buf[:s.voicedEnd])
	s.resetSegment()

	dur := audio.PCM16Duration(len(pcm), s.cfg.SampleRate)
	if dur < s.cfg.MinUtterance {
		return SegmentResult{Dropped: true}
	}
	return SegmentResult{Utterance: &Utterance{
		PCM:        pcm,
		SampleRate: s.cfg.SampleRate,
		Duration:   dur,
	}}
}

func (s *Segmenter) resetSegment() {
	s.active = false
	s.buf = s.buf[:0]
	s.voicedEnd = 0
	s.silence = 0
}
