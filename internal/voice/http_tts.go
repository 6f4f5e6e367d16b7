package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/vocalis/internal/audio"
)

// ttsChunkDuration is how much audio each emitted chunk carries. Half a
// second keeps the playback queue responsive to interrupts without
// fragmenting the stream.
const ttsChunkDuration = 500 * time.Millisecond

// HTTPSynthesizer requests speech from an OpenAI-style /v1/audio/speech
// endpoint (Orpheus-FastAPI and similar local servers). The WAV response is
// decoded and re-emitted as fixed-duration PCM chunks.
type HTTPSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

func NewHTTPSynthesizer(url, voice string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		url:   strings.TrimSpace(url),
		voice: voice,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type speechRequest struct {
	Input          string `json:"input"`
	Voice          string `json:"voice,omitempty"`
	ResponseFormat string `json:"response_format"`
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string, emit AudioEmitter) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	payload, err := json.Marshal(speechRequest{Input: text, Voice: s.voice, ResponseFormat: "wav"})
	if err != nil {
		return fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("tts request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("tts http status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("tts response: %w", err)
	}

	pcm, sampleRate, err := audio.DecodeWAV(body)
	if err != nil {
		return fmt.Errorf("tts decode: %w", err)
	}

	chunkBytes := int(float64(sampleRate*2) * ttsChunkDuration.Seconds())
	if chunkBytes <= 0 {
		chunkBytes = len(pcm)
	}
	for offset := 0; offset < len(pcm); offset += chunkBytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := offset + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := emit(pcm[offset:end], sampleRate); err != nil {
			return err
		}
	}
	return nil
}
