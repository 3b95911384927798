package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/awilder/housecall/internal/llm"
)

type OllamaStreamer struct {
	host   string
	model  string
	client *http.Client
}

func NewOllamaStreamer(host, model string) *OllamaStreamer {
	return &OllamaStreamer{
		host:   host,
		model:  model,
		client: &http.Client{},
	}
}

// Diagnose implements llm.Streamer against the Ollama generate API, which
// streams newline-delimited JSON objects carrying one token batch each.
func (s *OllamaStreamer) Diagnose(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	reqBody := map[string]any{
		"model":  s.model,
		"system": llm.DiagnosisPrompt,
		"prompt": llm.Transcript(req),
		"stream": true,
	}
	if len(req.Image) > 0 {
		reqBody["images"] = []string{base64.StdEncoding.EncodeToString(req.Image)}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call ollama: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, errBody)
	}

	ch := make(chan llm.Delta, 16)

	go func() {
		defer close(ch)
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Error("failed to close ollama stream body", "error", err)
			}
		}()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			var line struct {
				Response string `json:"response"`
				Done     bool   `json:"done"`
				Error    string `json:"error"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				continue
			}
			if line.Error != "" {
				ch <- llm.Delta{Err: fmt.Errorf("ollama: %s", line.Error)}
				return
			}
			if line.Response != "" {
				select {
				case ch <- llm.Delta{Text: line.Response}:
				case <-ctx.Done():
					return
				}
			}
			if line.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- llm.Delta{Err: fmt.Errorf("read ollama stream: %w", err)}
		}
	}()

	return ch, nil
}
