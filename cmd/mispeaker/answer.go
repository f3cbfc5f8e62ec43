package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ilyakh/mispeaker/internal/speaker"
	"github.com/ilyakh/mispeaker/pkg/models"
)

// newAskFunc builds the answering hook. The answering service is a black
// box behind one endpoint: POST {"text": ...} returns {"answer": ...}.
func newAskFunc(answerURL string) speaker.AskFunc {
	if answerURL == "" {
		return func(ctx context.Context, msg models.Message) (string, error) {
			return "", nil
		}
	}

	client := &http.Client{Timeout: 60 * time.Second}
	return func(ctx context.Context, msg models.Message) (string, error) {
		body, err := json.Marshal(map[string]string{"text": msg.Text})
		if err != nil {
			return "", fmt.Errorf("failed to encode question: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, answerURL, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("answering service request failed: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read answer: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("answering service error: %s (status %d)", string(raw), resp.StatusCode)
		}

		var out struct {
			Answer string `json:"answer"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("failed to parse answer: %w", err)
		}
		return out.Answer, nil
	}
}
