package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/antoniostano/vocalis/internal/audio"
	"github.com/antoniostano/vocalis/internal/brain"
	"github.com/antoniostano/vocalis/internal/observability"
	"github.com/antoniostano/vocalis/internal/protocol"
	"github.com/antoniostano/vocalis/internal/session"
	"github.com/antoniostano/vocalis/internal/storage"
)

// State is the conversation turn state visible to the client.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateGenerating   State = "generating"
	StateSpeaking     State = "speaking"
	StateInterrupted  State = "interrupted"
)

const followUpPrompt = "The user has gone quiet for a while. Briefly and warmly check in with them."

// OrchestratorConfig carries the per-connection tuning knobs.
type OrchestratorConfig struct {
	Segmenter          SegmenterConfig
	SettleDelay        time.Duration
	PlaybackLeadIn     time.Duration
	PlaybackGap        time.Duration
	InterruptEchoDelay time.Duration
	FollowUpSilence    time.Duration
	GreetingPrompt     string
}

// Orchestrator runs the realtime conversation loop for connections. It owns
// the state machine; collaborators (recognition, the language model,
// synthesis, storage) are injected.
type Orchestrator struct {
	cfg       OrchestratorConfig
	runner    *Runner
	describer Describer
	store     storage.Store
	sessions  *session.Manager
	metrics   *observability.Metrics
}

func NewOrchestrator(cfg OrchestratorConfig, runner *Runner, describer Describer, store storage.Store, sessions *session.Manager, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		runner:    runner,
		describer: describer,
		store:     store,
		sessions:  sessions,
		metrics:   metrics,
	}
}

// Internal loop events. Everything that happens off the loop goroutine
// (pipeline callbacks, scheduler timers, settle and follow-up timers) is
// funneled through one channel so all state mutation is single-threaded.
type (
	stageEvent      struct{ token Token; stage Stage }
	transcriptEvent struct{ token Token; text string }
	deltaEvent      struct{ token Token; delta string }
	audioEvent      struct {
		token      Token
		pcm        []byte
		sampleRate int
	}
	pipelineDoneEvent struct {
		token  Token
		result PipelineResult
		err    error
	}
	drainedEvent    struct{ token Token }
	settleDoneEvent struct{ token Token }
	echoEvent       struct{ token Token }
	followUpEvent   struct{}
)

type conn struct {
	o        *Orchestrator
	ctx      context.Context
	sess     *session.Session
	outbound chan<- any
	events   chan any

	state     State
	protected bool
	tokens    TokenSource
	seg       *Segmenter
	sched     *Scheduler
	history   []brain.Turn

	gen          *Generation
	turnActive   bool
	pipelineDone bool
	turnUserText string
	turnReply    string
	turnAudio    int
	audioOpen    bool

	clientRate    int
	followUpTimer *time.Timer
}

// RunConnection drives one websocket connection until the inbound channel
// closes or the context is cancelled. It may be called again for the same
// session after a reconnect; conversation history is reloaded from storage.
func (o *Orchestrator) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	c := &conn{
		o:          o,
		ctx:        ctx,
		sess:       sess,
		outbound:   outbound,
		events:     make(chan any, 64),
		state:      StateIdle,
		seg:        NewSegmenter(o.cfg.Segmenter),
		clientRate: o.cfg.Segmenter.SampleRate,
	}
	c.sched = NewScheduler(o.cfg.PlaybackLeadIn, o.cfg.PlaybackGap, c.releaseChunk, c.playbackDrained)
	defer c.teardown()

	if o.store != nil {
		if conv, err := o.store.Load(ctx, sess.ID); err == nil {
			c.history = turnsFromMessages(conv.Messages)
		} else if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("session %s: load history: %v", sess.ID, err)
		}
	}

	if len(c.history) == 0 && o.cfg.GreetingPrompt != "" {
		// Protected greeting turn: the assistant speaks first and cannot be
		// interrupted until the greeting finishes.
		c.startTurn(nil, o.cfg.GreetingPrompt, "", true)
	} else {
		c.toListening()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c.handleClient(msg)
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

func (c *conn) teardown() {
	if c.gen != nil {
		c.gen.Cancel()
	}
	c.sched.Clear()
	c.stopFollowUp()
	c.saveConversation(true)
}

// --- client message handling ---

func (c *conn) handleClient(msg any) {
	if t, ok := protocol.TypeOf(msg); ok {
		c.countWS("in", string(t))
	}
	switch m := msg.(type) {
	case protocol.BinaryAudio:
		c.handleFrame(audio.BytesToPCM16(m.Data), c.clientRate)
	case protocol.AudioChunk:
		raw, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			c.protocolError("invalid audio_chunk encoding")
			return
		}
		rate := m.SampleRate
		if rate <= 0 {
			rate = c.clientRate
		}
		c.handleFrame(audio.BytesToPCM16(raw), rate)
	case protocol.AudioStart:
		if m.SampleRate > 0 {
			c.clientRate = m.SampleRate
		}
		c.touch()
	case protocol.AudioEnd:
		c.touch()
		c.handleSegment(c.seg.Flush())
	case protocol.Interrupt:
		c.touch()
		c.interrupt("client")
	case protocol.Reply:
		c.touch()
		if c.state == StateListening || c.state == StateIdle {
			c.startTurn(nil, m.Text, m.Text, false)
		}
	case protocol.Image:
		c.touch()
		raw, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			c.protocolError("invalid image encoding")
			return
		}
		c.startVisionTurn(raw, m.Prompt)
	case protocol.SaveNow:
		c.touch()
		if m.Title != "" && c.o.store != nil {
			if err := c.o.store.Rename(c.ctx, c.sess.ID, m.Title); err != nil && !errors.Is(err, storage.ErrNotFound) {
				log.Printf("session %s: rename: %v", c.sess.ID, err)
			}
		}
		c.saveConversation(false)
	}
}

func (c *conn) handleFrame(frame []int16, rate int) {
	if len(frame) == 0 {
		return
	}
	c.touch()
	if rate != c.o.cfg.Segmenter.SampleRate {
		frame = audio.Resample16(frame, rate, c.o.cfg.Segmenter.SampleRate)
	}

	res := c.seg.Push(frame)
	switch c.state {
	case StateListening:
		if res.Voice {
			c.resetFollowUp()
		}
		c.handleSegment(res)
	case StateSpeaking, StateGenerating:
		if res.Voice && !c.protected {
			c.interrupt("vad")
		}
	}
	// Frames arriving in other states are discarded: the settle window after
	// an interrupt exists precisely to swallow echo of the cut-off reply.
}

func (c *conn) handleSegment(res SegmentResult) {
	if res.Dropped {
		if c.o.metrics != nil {
			c.o.metrics.UtterancesDropped.Inc()
		}
		return
	}
	if res.Utterance != nil && c.state == StateListening {
		c.startTurn(res.Utterance, "", "", false)
	}
}

// --- turn lifecycle ---

func (c *conn) startTurn(utt *Utterance, input, userText string, protected bool) {
	if c.turnActive {
		// Single active generation: a new turn can only start once the
		// previous one finished or was superseded.
		return
	}
	c.stopFollowUp()
	c.turnActive = true
	c.protected = protected
	c.pipelineDone = false
	c.turnUserText = userText
	c.turnReply = ""
	c.turnAudio = 0
	c.audioOpen = false

	gen := NewGeneration(c.ctx, &c.tokens)
	c.gen = gen

	if utt != nil {
		c.setState(StateTranscribing)
	} else {
		c.setState(StateGenerating)
	}

	history := append([]brain.Turn(nil), c.history...)
	go func() {
		result, err := c.o.runner.Run(gen, utt, history, input, PipelineHooks{
			OnStage:      func(s Stage) { c.post(stageEvent{gen.Token, s}) },
			OnTranscript: func(text string) { c.post(transcriptEvent{gen.Token, text}) },
			OnDelta:      func(delta string) { c.post(deltaEvent{gen.Token, delta}) },
			OnAudio: func(pcm []byte, rate int) {
				c.post(audioEvent{token: gen.Token, pcm: pcm, sampleRate: rate})
			},
		})
		c.post(pipelineDoneEvent{token: gen.Token, result: result, err: err})
	}()
}

func (c *conn) startVisionTurn(image []byte, prompt string) {
	if c.o.describer == nil {
		c.sendError("vision", "vision is not enabled")
		return
	}
	if c.turnActive || (c.state != StateListening && c.state != StateIdle) {
		return
	}
	userText := prompt
	if userText == "" {
		userText = "What do you see in this image?"
	}

	c.stopFollowUp()
	c.turnActive = true
	// Vision turns are protected: describing and answering takes a while and
	// must not be cut off by stray microphone energy.
	c.protected = true
	c.pipelineDone = false
	c.turnUserText = userText
	c.turnReply = ""
	c.turnAudio = 0
	c.audioOpen = false

	gen := NewGeneration(c.ctx, &c.tokens)
	c.gen = gen
	c.setState(StateGenerating)

	history := append([]brain.Turn(nil), c.history...)
	go func() {
		desc, err := c.o.describer.Describe(gen.Context(), image, prompt)
		if err != nil {
			c.post(pipelineDoneEvent{token: gen.Token, err: fmt.Errorf("describe image: %w", err)})
			return
		}
		input := fmt.Sprintf("The user shared an image. %s\nImage contents: %s", userText, desc)
		result, runErr := c.o.runner.Run(gen, nil, history, input, PipelineHooks{
			OnStage:      func(s Stage) { c.post(stageEvent{gen.Token, s}) },
			OnDelta:      func(delta string) { c.post(deltaEvent{gen.Token, delta}) },
			OnAudio: func(pcm []byte, rate int) {
				c.post(audioEvent{token: gen.Token, pcm: pcm, sampleRate: rate})
			},
		})
		c.post(pipelineDoneEvent{token: gen.Token, result: result, err: runErr})
	}()
}

func (c *conn) interrupt(source string) {
	if c.protected {
		return
	}
	if c.state != StateSpeaking && c.state != StateGenerating {
		// Duplicate or late interrupt: acknowledge the current state again so
		// the client converges, but change nothing.
		if c.o.metrics != nil {
			c.o.metrics.Interrupts.WithLabelValues("duplicate").Inc()
		}
		c.sendState(c.state)
		return
	}

	// Advancing the token is the one atomic act that silences everything
	// downstream; cancellation and queue clearing just make it faster.
	tok := c.tokens.Next()
	if c.gen != nil {
		c.gen.Cancel()
	}
	c.sched.Clear()
	c.closeAudio()

	if c.o.metrics != nil {
		c.o.metrics.Interrupts.WithLabelValues(source).Inc()
	}
	if err := c.o.sessions.RecordInterruption(c.sess.ID); err != nil {
		log.Printf("session %s: record interruption: %v", c.sess.ID, err)
	}

	// A partially delivered reply still happened from the user's point of
	// view; keep what was actually spoken in the history.
	if c.turnAudio > 0 {
		c.commitTurn(c.turnUserText, c.turnReply)
	}
	c.turnActive = false
	c.pipelineDone = false

	c.setState(StateInterrupted)
	c.afterFunc(c.o.cfg.SettleDelay, settleDoneEvent{token: tok})
	// The interrupted state is re-sent once shortly after: if the first ack
	// raced a final audio chunk on the wire, the duplicate settles the client.
	c.afterFunc(c.o.cfg.InterruptEchoDelay, echoEvent{token: tok})
}

// --- internal events ---

func (c *conn) handleEvent(ev any) {
	switch e := ev.(type) {
	case stageEvent:
		if c.stale(e.token) {
			return
		}
		switch e.stage {
		case StageTranscribe:
			c.setState(StateTranscribing)
		case StageGenerate:
			c.setState(StateGenerating)
		}
	case transcriptEvent:
		if c.stale(e.token) {
			return
		}
		c.turnUserText = e.text
		c.send(protocol.Transcript{Type: protocol.TypeTranscript, SessionID: c.sess.ID, Text: e.text})
	case deltaEvent:
		if c.stale(e.token) {
			return
		}
		c.turnReply += e.delta
		c.send(protocol.Reply{Type: protocol.TypeReply, SessionID: c.sess.ID, Text: e.delta})
	case audioEvent:
		if c.stale(e.token) {
			return
		}
		if !c.audioOpen {
			c.audioOpen = true
			c.send(protocol.AudioStart{Type: protocol.TypeAudioStart, SessionID: c.sess.ID, SampleRate: e.sampleRate})
		}
		c.turnAudio++
		c.sched.Enqueue(e.pcm, e.sampleRate)
		if c.state != StateSpeaking {
			c.setState(StateSpeaking)
		}
	case pipelineDoneEvent:
		c.handlePipelineDone(e)
	case drainedEvent:
		if c.stale(e.token) {
			return
		}
		c.closeAudio()
		if c.pipelineDone {
			c.finishTurn()
		}
	case settleDoneEvent:
		if e.token == c.tokens.Current() && c.state == StateInterrupted {
			c.toListening()
		}
	case echoEvent:
		if e.token == c.tokens.Current() && c.state == StateInterrupted {
			c.sendState(StateInterrupted)
		}
	case followUpEvent:
		if c.state == StateListening {
			c.startTurn(nil, followUpPrompt, "", false)
		}
	}
}

func (c *conn) handlePipelineDone(e pipelineDoneEvent) {
	if c.stale(e.token) {
		return
	}
	if e.err != nil {
		switch {
		case errors.Is(e.err, ErrSuperseded):
			return
		case errors.Is(e.err, ErrEmptyTranscript):
			c.toListening()
		default:
			log.Printf("session %s: pipeline: %v", c.sess.ID, e.err)
			c.sendError("pipeline", "could not produce a reply")
			c.sched.Clear()
			c.closeAudio()
			// Same rule as an interrupt: once any audio reached the user, the
			// partial reply is part of the conversation.
			if c.turnAudio > 0 {
				c.commitTurn(c.turnUserText, c.turnReply)
			}
			c.toListening()
		}
		return
	}

	c.pipelineDone = true
	if e.result.Reply != "" {
		c.turnReply = e.result.Reply
	}
	if e.result.AudioChunks == 0 {
		// Nothing was spoken; skip straight back to listening.
		c.commitTurn(c.turnUserText, c.turnReply)
		c.toListening()
		return
	}
	if c.sched.Idle() {
		c.closeAudio()
		c.finishTurn()
	}
	// Otherwise the drained event completes the turn.
}

func (c *conn) finishTurn() {
	c.commitTurn(c.turnUserText, c.turnReply)
	c.pipelineDone = false
	c.toListening()
}

func (c *conn) commitTurn(userText, reply string) {
	if userText != "" {
		c.history = append(c.history, brain.Turn{Role: "user", Content: userText})
	}
	if reply != "" {
		c.history = append(c.history, brain.Turn{Role: "assistant", Content: reply})
	}
	c.turnUserText = ""
	c.turnReply = ""
	c.saveConversation(false)
}

// --- state plumbing ---

func (c *conn) toListening() {
	c.protected = false
	c.turnActive = false
	c.setState(StateListening)
	c.seg.Reset()
	c.resetFollowUp()
}

func (c *conn) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s

	switch s {
	case StateListening:
		c.seg.SetMode(ModeListening)
	case StateSpeaking, StateGenerating:
		if c.protected {
			c.seg.SetMode(ModeProtected)
		} else {
			c.seg.SetMode(ModeSpeaking)
		}
	default:
		c.seg.SetMode(ModeProtected)
	}

	if c.o.metrics != nil {
		c.o.metrics.SessionEvents.WithLabelValues(string(s)).Inc()
	}
	c.sendState(s)
}

func (c *conn) stale(tok Token) bool {
	return tok != c.tokens.Current()
}

// --- playback ---

func (c *conn) releaseChunk(chunk PlaybackChunk) {
	c.countWS("out", string(protocol.TypeAudioChunk))
	msg := protocol.AudioChunk{
		Type:       protocol.TypeAudioChunk,
		SessionID:  c.sess.ID,
		Seq:        chunk.Seq,
		Data:       base64.StdEncoding.EncodeToString(chunk.Data),
		SampleRate: chunk.SampleRate,
	}
	select {
	case c.outbound <- msg:
	case <-c.ctx.Done():
	}
}

func (c *conn) protocolError(message string) {
	if c.o.metrics != nil {
		c.o.metrics.ProtocolErrors.Inc()
	}
	c.sendError("protocol", message)
}

func (c *conn) playbackDrained() {
	c.post(drainedEvent{token: c.tokens.Current()})
}

func (c *conn) closeAudio() {
	if c.audioOpen {
		c.audioOpen = false
		c.send(protocol.AudioEnd{Type: protocol.TypeAudioEnd, SessionID: c.sess.ID})
	}
}

// --- timers ---

func (c *conn) resetFollowUp() {
	c.stopFollowUp()
	if c.o.cfg.FollowUpSilence > 0 {
		c.followUpTimer = time.AfterFunc(c.o.cfg.FollowUpSilence, func() {
			c.post(followUpEvent{})
		})
	}
}

func (c *conn) stopFollowUp() {
	if c.followUpTimer != nil {
		c.followUpTimer.Stop()
		c.followUpTimer = nil
	}
}

func (c *conn) afterFunc(d time.Duration, ev any) {
	if d <= 0 {
		c.post(ev)
		return
	}
	time.AfterFunc(d, func() { c.post(ev) })
}

// --- persistence ---

func (c *conn) saveConversation(final bool) {
	if c.o.store == nil || len(c.history) == 0 {
		return
	}
	conv := storage.Conversation{
		ID:       c.sess.ID,
		Messages: messagesFromTurns(c.history),
	}
	if final {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.o.store.Save(ctx, conv); err != nil {
			log.Printf("session %s: save conversation: %v", c.sess.ID, err)
		}
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.o.store.Save(ctx, conv); err != nil {
			log.Printf("session %s: save conversation: %v", c.sess.ID, err)
		}
	}()
}

// --- misc ---

func (c *conn) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *conn) sendState(s State) {
	c.send(protocol.State{Type: protocol.TypeState, SessionID: c.sess.ID, Value: string(s)})
}

func (c *conn) sendError(kind, message string) {
	c.send(protocol.Error{Type: protocol.TypeError, SessionID: c.sess.ID, Kind: kind, Message: message})
}

func (c *conn) send(v any) {
	if t, ok := protocol.TypeOf(v); ok {
		c.countWS("out", string(t))
	}
	select {
	case c.outbound <- v:
	case <-c.ctx.Done():
	}
}

func (c *conn) touch() {
	if err := c.o.sessions.Touch(c.sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("session %s: touch: %v", c.sess.ID, err)
	}
}

func (c *conn) countWS(direction, msgType string) {
	if c.o.metrics != nil {
		c.o.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
	}
}

func turnsFromMessages(messages []storage.Message) []brain.Turn {
	turns := make([]brain.Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, brain.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

func messagesFromTurns(turns []brain.Turn) []storage.Message {
	now := time.Now().UTC()
	messages := make([]storage.Message, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, storage.Message{Role: t.Role, Content: t.Content, Timestamp: now})
	}
	return messages
}
