package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/vocalis/internal/reliability"
)

// HTTPAdapter streams completions from an OpenAI-compatible chat endpoint
// (llama.cpp server, LM Studio, vLLM and friends all speak this dialect).
type HTTPAdapter struct {
	url    string
	model  string
	client *http.Client
}

func NewHTTPAdapter(url, model string) *HTTPAdapter {
	return &HTTPAdapter{
		url:   strings.TrimSpace(url),
		model: model,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (a *HTTPAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	messages := make([]chatMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, turn := range req.History {
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	if req.Input != "" {
		messages = append(messages, chatMessage{Role: "user", Content: req.Input})
	}

	payload, err := json.Marshal(chatRequest{Model: a.model, Messages: messages, Stream: true})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	// Retry only before the first delta: once text has reached the client a
	// retry would replay the reply from the start.
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, 200*time.Millisecond, 2*time.Second)):
			}
		}

		res, retryable, err := a.send(ctx, payload)
		if err != nil {
			lastErr = err
			if retryable && ctx.Err() == nil {
				continue
			}
			return Response{}, err
		}

		resp, streamed, err := a.consume(res.Body, onDelta)
		res.Body.Close()
		if err != nil {
			if !streamed && ctx.Err() == nil {
				lastErr = err
				continue
			}
			return Response{}, err
		}
		return resp, nil
	}
	return Response{}, fmt.Errorf("llm request failed after %d attempts: %w", maxAttempts, lastErr)
}

func (a *HTTPAdapter) send(ctx context.Context, payload []byte) (*http.Response, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, reliability.IsRetryableHTTPStatus(res.StatusCode),
			fmt.Errorf("llm http status %d: %s", res.StatusCode, string(body))
	}
	return res, false, nil
}

// consume reads SSE "data:" lines until [DONE]. The streamed flag reports
// whether any delta was delivered before the error, which gates retries.
func (a *HTTPAdapter) consume(body io.Reader, onDelta DeltaHandler) (Response, bool, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	streamed := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			delta := choice.Delta.Content
			if delta == "" {
				continue
			}
			out.WriteString(delta)
			streamed = true
			if onDelta != nil {
				if err := onDelta(delta); err != nil {
					return Response{}, streamed, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, streamed, fmt.Errorf("stream read: %w", err)
	}
	return Response{Text: out.String()}, streamed, nil
}
