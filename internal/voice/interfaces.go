package voice

import "context"

// Transcriber converts one complete utterance of PCM16LE audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm16le []byte, sampleRate int) (string, error)
}

// AudioEmitter receives synthesized PCM16LE chunks as they become available.
// Returning an error aborts the synthesis stream.
type AudioEmitter func(pcm16le []byte, sampleRate int) error

// Synthesizer turns reply text into speech, streaming audio chunks through
// the emitter so playback can begin before synthesis finishes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, emit AudioEmitter) error
}

// Describer produces a textual description of an image for vision turns.
type Describer interface {
	Describe(ctx context.Context, image []byte, prompt string) (string, error)
}
