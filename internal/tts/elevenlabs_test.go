package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeReturnsAudio(t *testing.T) {
	audio := []byte{0xFF, 0x7F, 0x00, 0x80}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-123", r.URL.Path)
		assert.Equal(t, "ulaw_8000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "test-key", r.Header.Get("xi-api-key"))

		var body struct {
			Text    string `json:"text"`
			ModelID string `json:"model_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Hello there.", body.Text)
		assert.NotEmpty(t, body.ModelID)

		w.Write(audio)
	}))
	defer srv.Close()

	c := NewElevenLabsClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	got, err := c.Synthesize(context.Background(), "Hello there.", "voice-123")
	require.NoError(t, err)
	assert.Equal(t, audio, got)
}

func TestSynthesizeEmptyTextIsNoop(t *testing.T) {
	c := NewElevenLabsClient(Config{APIKey: "test-key", BaseURL: "http://unreachable.invalid"})
	got, err := c.Synthesize(context.Background(), "", "voice-123")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSynthesizeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewElevenLabsClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	_, err := c.Synthesize(context.Background(), "hi", "voice-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
	assert.Contains(t, err.Error(), "quota exceeded")
}
