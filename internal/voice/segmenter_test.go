package voice

import (
	"testing"
	"time"
)

const testSampleRate = 16000

// 20ms frames at 16 kHz.
func testFrame(amplitude float64) []int16 {
	frame := make([]int16, testSampleRate/50)
	v := int16(amplitude * 32768)
	for i := range frame {
		frame[i] = v
	}
	return frame
}

func testSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		VoiceThreshold:     0.5,
		InterruptThreshold: 0.35,
		SilenceTimeout:     850 * time.Millisecond,
		MinUtterance:       500 * time.Millisecond,
		StartupFactor:      0.6,
		SampleRate:         testSampleRate,
	}
}

func pushFrames(s *Segmenter, frame []int16, count int) SegmentResult {
	var last SegmentResult
	for i := 0; i < count; i++ {
		last = s.Push(frame)
		if last.Utterance != nil || last.Dropped {
			return last
		}
	}
	return last
}

func TestSegmenterEmitsUtteranceAfterSilence(t *testing.T) {
	s := NewSegmenter(testSegmenterConfig())
	voiced := testFrame(0.8)
	silent := testFrame(0)

	// Two seconds of speech, then silence until the timeout closes it.
	if res := pushFrames(s, voiced, 100); res.Utterance != nil {
		t.Fatalf("utterance should not close during speech")
	}
	res := pushFrames(s, silent, 60)
	if res.Utterance == nil {
		t.Fatalf("expected utterance after silence timeout")
	}
	if got := res.Utterance.Duration; got != 2*time.Second {
		t.Fatalf("duration = %v, want 2s (trailing silence trimmed)", got)
	}
	if res.Utterance.SampleRate != testSampleRate {
		t.Fatalf("sample rate = %d, want %d", res.Utterance.SampleRate, testSampleRate)
	}
}

func TestSegmenterDropsShortUtterance(t *testing.T) {
	s := NewSegmenter(testSegmenterConfig())

	pushFrames(s, testFrame(0.8), 15) // 300ms, below the 500ms minimum
	res := pushFrames(s, testFrame(0), 60)
	if !res.Dropped {
		t.Fatalf("expected short utterance to be dropped")
	}
	if res.Utterance != nil {
		t.Fatalf("dropped segment should not carry an utterance")
	}
}

func TestSegmenterBridgesShortPauses(t *testing.T) {
	s := NewSegmenter(testSegmenterConfig())
	voiced := testFrame(0.8)
	silent := testFrame(0)

	pushFrames(s, voiced, 30)
	// 400ms pause, under the silence timeout: same utterance continues.
	if res := pushFrames(s, silent, 20); res.Utterance != nil || res.Dropped {
		t.Fatalf("short pause must not close the segment")
	}
	pushFrames(s, voiced, 30)
	res := pushFrames(s, silent, 60)
	if res.Utterance == nil {
		t.Fatalf("expected one bridged utterance")
	}
	// 600ms + 400ms pause + 600ms of audio, pause included.
	if got := res.Utterance.Duration; got != 1600*time.Millisecond {
		t.Fatalf("duration = %v, want 1.6s", got)
	}
}

func TestSegmenterThresholdByMode(t *testing.T) {
	s := NewSegmenter(testSegmenterConfig())
	between := testFrame(0.4) // between interrupt (0.35) and voice (0.5)

	if res := s.Push(between); res.Voice {
		t.Fatalf("0.4 RMS should not count as voice while listening")
	}

	s.SetMode(ModeSpeaking)
	if res := s.Push(between); !res.Voice {
		t.Fatalf("0.4 RMS should trip the interrupt threshold while speaking")
	}
}

func TestSegmenterProtectedModeIgnoresVoice(t *testing.T) {
	s := NewSegmenter(testSegmenterConfig())
	s.SetMode(ModeProtected)

	res := pushFrames(s, testFrame(0.9), 100)
	if res.Voice || res.Utterance != nil || res.Dropped {
		t.Fatalf("protected mode must ignore the microphone, got %+v", res)
	}
}

func TestSegmenterStartupWindowLowersThreshold(t *testing.T) {
	cfg := testSegmenterConfig()
	cfg.StartupWindow = time.Second
	s := NewSegmenter(cfg)
	soft := testFrame(0.35) // below 0.5, above 0.5*0.6

	if res := s.Push(soft); !res.Voice {
		t.Fatalf("soft speech should register inside the startup window")
	}
	// Burn through the rest of the window.
	silent := testFrame(0)
	for i := 0; i < 60; i++ {
		s.Push(silent)
	}
	if res := s.Push(soft); res.Voice {
		t.Fatalf("soft speech should not register after the startup window")
	}
}

func TestSegmenterFlushClosesSegment(t *testing.T) {
	s := NewSegmenter(testSegmenterConfig())
	pushFrames(s, testFrame(0.8), 50) // 1s of speech

	res := s.Flush()
	if res.Utterance == nil {
		t.Fatalf("flush should close the active segment")
	}
	if got := res.Utterance.Duration; got != time.Second {
		t.Fatalf("duration = %v, want 1s", got)
	}
	if res := s.Flush(); res.Utterance != nil || res.Dropped {
		t.Fatalf("second flush should be a no-op")
	}
}

func TestSegmenterModeSwitchDiscardsPartial(t *testing.T) {
	s := NewSegmenter(testSegmenterConfig())
	pushFrames(s, testFrame(0.8), 50)

	s.SetMode(ModeSpeaking)
	s.SetMode(ModeListening)
	if res := s.Flush(); res.Utterance != nil {
		t.Fatalf("partial segment should be discarded when leaving listening mode")
	}
}
