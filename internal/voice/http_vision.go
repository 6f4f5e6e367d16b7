package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPDescriber asks an OpenAI-compatible vision endpoint (llama.cpp with a
// multimodal model, for instance) to describe an image.
type HTTPDescriber struct {
	url    string
	client *http.Client
}

func NewHTTPDescriber(url string) *HTTPDescriber {
	return &HTTPDescriber{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

func (d *HTTPDescriber) Describe(ctx context.Context, image []byte, prompt string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("describe image: empty image")
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = "Describe this image in detail."
	}

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	payload, err := json.Marshal(map[string]any{
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal vision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("vision response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vision http status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("vision decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("vision response had no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
