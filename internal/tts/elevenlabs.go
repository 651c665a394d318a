// Package tts synthesizes reply fragments with ElevenLabs. Requesting
// ulaw_8000 output puts the audio directly in the telephony line format, so
// no resampling is needed before transport.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Synthesizer turns a text fragment into audio bytes. Implemented by the
// ElevenLabs client; faked in session tests.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// Config holds ElevenLabs connection parameters.
type Config struct {
	APIKey       string
	BaseURL      string
	ModelID      string
	OutputFormat string // defaults to ulaw_8000 for telephony
	Timeout      time.Duration
}

// ElevenLabsClient calls the ElevenLabs HTTP synthesis endpoint once per
// flushed text fragment.
type ElevenLabsClient struct {
	cfg    Config
	client *http.Client
}

// NewElevenLabsClient creates a new synthesis client.
func NewElevenLabsClient(cfg Config) *ElevenLabsClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "ulaw_8000"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ElevenLabsClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Synthesize converts one text fragment to audio in the configured output
// format. The request timeout bounds how long a session can hang on a slow
// synthesis call.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}

	body := map[string]interface{}{
		"text":     text,
		"model_id": c.cfg.ModelID,
		"voice_settings": map[string]interface{}{
			"stability":        0.4,
			"similarity_boost": 0.75,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		c.cfg.BaseURL, voiceID, c.cfg.OutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("elevenlabs error: status %d: %s", resp.StatusCode, string(data))
	}

	return io.ReadAll(resp.Body)
}
