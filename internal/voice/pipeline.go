package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/vocalis/internal/audio"
	"github.com/antoniostano/vocalis/internal/brain"
	"github.com/antoniostano/vocalis/internal/observability"
)

type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageGenerate   Stage = "generate"
	StageSynthesize Stage = "synthesize"
)

var (
	// ErrSuperseded means a newer generation took over; the stale one must
	// produce no further output.
	ErrSuperseded = errors.New("generation superseded")
	// ErrEmptyTranscript means recognition heard nothing usable.
	ErrEmptyTranscript = errors.New("empty transcript")
)

// Generation binds one pipeline run to a token and a cancellable context.
// Cancellation stops in-flight work; the token check stops output that was
// already buffered when the interrupt landed.
type Generation struct {
	Token  Token
	source *TokenSource
	ctx    context.Context
	cancel context.CancelFunc
}

func NewGeneration(parent context.Context, source *TokenSource) *Generation {
	ctx, cancel := context.WithCancel(parent)
	return &Generation{
		Token:  source.Next(),
		source: source,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (g *Generation) Context() context.Context { return g.ctx }

func (g *Generation) Cancel() { g.cancel() }

// Stale reports whether a newer generation has been issued.
func (g *Generation) Stale() bool { return g.Token != g.source.Current() }

func (g *Generation) check() error {
	if err := g.ctx.Err(); err != nil {
		return ErrSuperseded
	}
	if g.Stale() {
		return ErrSuperseded
	}
	return nil
}

// PipelineHooks observe the run from the orchestrator's event loop. All
// callbacks happen on the pipeline goroutine.
type PipelineHooks struct {
	OnStage      func(Stage)
	OnTranscript func(text string)
	OnDelta      func(delta string)
	OnAudio      func(pcm16le []byte, sampleRate int)
}

// PipelineResult summarizes a completed run.
type PipelineResult struct {
	Transcript  string
	Reply       string
	AudioChunks int
}

// Runner drives the transcribe / generate / synthesize pipeline for one
// turn. Before each stage and before each streamed unit it re-checks the
// generation, so an interrupt cuts output within one unit of work.
type Runner struct {
	transcriber Transcriber
	adapter     brain.Adapter
	synth       Synthesizer
	metrics     *observability.Metrics

	recognitionRate int
	systemPrompt    string
}

func NewRunner(t Transcriber, a brain.Adapter, s Synthesizer, m *observability.Metrics, recognitionRate int, systemPrompt string) *Runner {
	if recognitionRate <= 0 {
		recognitionRate = 16000
	}
	return &Runner{
		transcriber:     t,
		adapter:         a,
		synth:           s,
		metrics:         m,
		recognitionRate: recognitionRate,
		systemPrompt:    systemPrompt,
	}
}

// Run executes one turn. Voice turns pass an utterance and go through all
// three stages; synthetic turns (greeting, typed text, follow-up prompts)
// pass input text directly and skip recognition.
func (r *Runner) Run(gen *Generation, utt *Utterance, history []brain.Turn, input string, hooks PipelineHooks) (PipelineResult, error) {
	started := time.Now()
	var result PipelineResult

	userText := input
	if utt != nil {
		if err := gen.check(); err != nil {
			return result, err
		}
		stage(hooks, StageTranscribe)

		transcript, err := r.transcribe(gen.ctx, utt)
		if err != nil {
			r.countError(StageTranscribe, err)
			return result, err
		}
		if transcript == "" {
			return result, ErrEmptyTranscript
		}
		result.Transcript = transcript
		userText = transcript
		if hooks.OnTranscript != nil {
			hooks.OnTranscript(transcript)
		}
	}

	if err := gen.check(); err != nil {
		return result, err
	}
	stage(hooks, StageGenerate)

	genStarted := time.Now()
	synthStarted := false
	var pending string

	resp, err := r.adapter.StreamResponse(gen.ctx, brain.Request{
		System:  r.systemPrompt,
		History: history,
		Input:   userText,
	}, func(delta string) error {
		if err := gen.check(); err != nil {
			return err
		}
		if hooks.OnDelta != nil {
			hooks.OnDelta(delta)
		}
		pending += delta

		ready, rest := splitReadySegments(pending)
		pending = rest
		for _, seg := range ready {
			if !synthStarted {
				synthStarted = true
				r.observeStage(StageGenerate, time.Since(genStarted))
				stage(hooks, StageSynthesize)
			}
			if err := r.synthesize(gen, seg, started, &result, hooks); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled) {
			return result, ErrSuperseded
		}
		r.countError(StageGenerate, err)
		return result, fmt.Errorf("generate reply: %w", err)
	}
	result.Reply = resp.Text

	if tail := strings.TrimSpace(pending); tail != "" {
		if !synthStarted {
			synthStarted = true
			r.observeStage(StageGenerate, time.Since(genStarted))
			stage(hooks, StageSynthesize)
		}
		if err := r.synthesize(gen, tail, started, &result, hooks); err != nil {
			if errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled) {
				return result, ErrSuperseded
			}
			return result, err
		}
	}

	if err := gen.check(); err != nil {
		return result, err
	}
	return result, nil
}

func (r *Runner) transcribe(ctx context.Context, utt *Utterance) (string, error) {
	started := time.Now()
	pcm := audio.Resample16(utt.PCM, utt.SampleRate, r.recognitionRate)
	text, err := r.transcriber.Transcribe(ctx, audio.PCM16ToBytes(pcm), r.recognitionRate)
	if err != nil {
		return "", fmt.Errorf("transcribe utterance: %w", err)
	}
	r.observeStage(StageTranscribe, time.Since(started))
	return strings.TrimSpace(text), nil
}

func (r *Runner) synthesize(gen *Generation, text string, turnStarted time.Time, result *PipelineResult, hooks PipelineHooks) error {
	started := time.Now()
	err := r.synth.Synthesize(gen.ctx, text, func(pcm16le []byte, sampleRate int) error {
		if err := gen.check(); err != nil {
			return err
		}
		if result.AudioChunks == 0 && r.metrics != nil {
			r.metrics.ObserveFirstAudioLatency(time.Since(turnStarted))
		}
		result.AudioChunks++
		if hooks.OnAudio != nil {
			hooks.OnAudio(pcm16le, sampleRate)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled) {
			return ErrSuperseded
		}
		r.countError(StageSynthesize, err)
		return fmt.Errorf("synthesize speech: %w", err)
	}
	r.observeStage(StageSynthesize, time.Since(started))
	return nil
}

func (r *Runner) observeStage(s Stage, d time.Duration) {
	if r.metrics != nil {
		r.metrics.ObserveStageLatency(string(s), d)
	}
}

func (r *Runner) countError(s Stage, err error) {
	if r.metrics == nil || errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled) {
		return
	}
	r.metrics.CollaboratorErrors.WithLabelValues(string(s), "request_failed").Inc()
}

func stage(hooks PipelineHooks, s Stage) {
	if hooks.OnStage != nil {
		hooks.OnStage(s)
	}
}

const (
	segmentMinChars = 24
	segmentMaxChars = 280
)

// splitReadySegments pulls complete sentences off the front of the pending
// reply text for synthesis, leaving the unfinished remainder. Short leading
// fragments are held until a boundary or the max length forces a cut.
func splitReadySegments(pending string) (ready []string, rest string) {
	rest = strings.TrimLeft(pending, " \t\r\n")
	for {
		if len(rest) < segmentMinChars {
			return ready, rest
		}
		limit := len(rest)
		if limit > segmentMaxChars {
			limit = segmentMaxChars
		}

		cut := -1
		if idx := strings.LastIndexAny(rest[:limit], ".?!\n"); idx >= 0 && idx+1 >= segmentMinChars {
			cut = idx + 1
		}
		if cut < 0 && len(rest) > segmentMaxChars {
			if ws := strings.LastIndexAny(rest[:limit], " \t"); ws >= segmentMinChars {
				cut = ws
			} else {
				cut = limit
			}
		}
		if cut < 0 {
			return ready, rest
		}

		seg := strings.TrimSpace(rest[:cut])
		rest = strings.TrimLeft(rest[cut:], " \t\r\n")
		if seg != "" {
			ready = append(ready, seg)
		}
		if rest == "" {
			return ready, ""
		}
	}
}
