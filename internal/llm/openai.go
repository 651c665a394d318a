// Package llm generates spoken replies. It streams chat-completion tokens
// from OpenAI so the session can flush partial sentences to speech synthesis
// and keep time-to-first-audio low.
package llm

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
)

// Message is one turn of conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces a reply token stream for a conversation. Implemented by
// the OpenAI client; faked in session tests.
type Generator interface {
	Stream(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// Config holds OpenAI connection parameters.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAIGenerator streams chat completions over SSE.
type OpenAIGenerator struct {
	cfg    Config
	client *http.Client
}

// NewOpenAIGenerator creates a new streaming generator.
func NewOpenAIGenerator(cfg Config) *OpenAIGenerator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIGenerator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Stream opens a completion request and emits tokens as they arrive. The
// token channel is closed when the stream ends; at most one error is sent on
// the error channel. The stream is finite and not restartable.
func (g *OpenAIGenerator) Stream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	tokens := make(chan string, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		body := map[string]interface{}{
			"model":       g.cfg.Model,
			"messages":    messages,
			"temperature": g.cfg.Temperature,
			"stream":      true,
		}
		payload, err := json.Marshal(body)
		if err != nil {
			errs <- err
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			g.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			errs <- fmt.Errorf("openai api error: status %d: %s", resp.StatusCode, string(data))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}

			select {
			case tokens <- chunk.Choices[0].Delta.Content:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}()

	return tokens, errs
}
