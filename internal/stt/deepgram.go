// Package stt wraps a live Deepgram speech-recognition connection. One
// client serves one session; audio frames go out over the websocket and
// interim/final transcript events come back on a channel.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/callfleet/voice-dialer/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection lifecycle of a live transcriber.
type State int32

const (
	StateNotStarted State = iota
	StateOpen
	StateStreaming
	StateClosing
	StateClosed
)

// Config fixes codec parameters for a session's transport kind:
// mulaw/8000 for telephony, linear16/16000 for browser microphones.
type Config struct {
	APIKey     string
	BaseURL    string // defaults to wss://api.deepgram.com
	Encoding   string // "mulaw" or "linear16"
	SampleRate int
	Language   string
	Model      string

	// KeepAliveInterval is how often an idle connection is pinged; defaults
	// to 5s. Deepgram drops the socket after ~10s without traffic.
	KeepAliveInterval time.Duration
}

// maxKeepaliveMisses is how many consecutive keepalive write failures are
// tolerated before the connection is declared dead and force-closed.
const maxKeepaliveMisses = 2

// Transcript is one recognition event. Only events with both IsFinal and
// SpeechFinal set should trigger response generation; interim results are
// advisory.
type Transcript struct {
	Text        string
	IsFinal     bool
	SpeechFinal bool
}

// Client is a live bidirectional transcription connection.
type Client struct {
	cfg    Config
	conn   *websocket.Conn
	connMu sync.Mutex

	state   State
	stateMu sync.Mutex

	transcripts chan Transcript
	errs        chan error
	cancel      context.CancelFunc
}

// NewClient creates an unconnected transcription client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.deepgram.com"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 5 * time.Second
	}
	return &Client{
		cfg:         cfg,
		transcripts: make(chan Transcript, 16),
		errs:        make(chan error, 1),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Transcripts delivers interim and final transcript events. The channel is
// closed when the remote connection ends.
func (c *Client) Transcripts() <-chan Transcript {
	return c.transcripts
}

// Errs reports at most one remote connection error. The session treats it as
// non-fatal and retries the connection once.
func (c *Client) Errs() <-chan error {
	return c.errs
}

// Start opens the live connection and begins the receive and keepalive
// loops. Valid only in the not-started (or closed, for a reconnect) state.
func (c *Client) Start(ctx context.Context) error {
	if s := c.State(); s != StateNotStarted && s != StateClosed {
		return fmt.Errorf("transcriber already started (state %d)", s)
	}

	params := url.Values{}
	params.Set("encoding", c.cfg.Encoding)
	params.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	params.Set("channels", "1")
	params.Set("language", c.cfg.Language)
	params.Set("model", c.cfg.Model)
	params.Set("interim_results", "true")

	wsURL := fmt.Sprintf("%s/v1/listen?%s", c.cfg.BaseURL, params.Encode())
	header := http.Header{}
	header.Set("Authorization", "Token "+c.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.cancel = cancel
	c.setState(StateOpen)

	go c.receiveLoop(loopCtx)
	go c.keepaliveLoop(loopCtx)
	return nil
}

// Send forwards raw audio to the recognizer. Valid in the open and
// streaming states.
func (c *Client) Send(chunk []byte) error {
	if s := c.State(); s != StateOpen && s != StateStreaming {
		return fmt.Errorf("transcriber not accepting audio (state %d)", s)
	}
	c.setState(StateStreaming)

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("transcriber connection closed")
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// Finish transitions to closing, asks the recognizer to flush pending audio,
// and closes the connection.
func (c *Client) Finish() error {
	if s := c.State(); s == StateClosing || s == StateClosed {
		return nil
	}
	c.setState(StateClosing)

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteJSON(map[string]string{"type": "CloseStream"})
	}
	c.connMu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.setState(StateClosed)
	return nil
}

// deepgramResponse mirrors the live API transcript payload.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.transcripts)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.State() == StateClosing || c.State() == StateClosed ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			logger.Base().Warn("deepgram read error", zap.Error(err))
			select {
			case c.errs <- err:
			default:
			}
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			logger.Base().Debug("unparseable deepgram message dropped", zap.Error(err))
			continue
		}
		if len(resp.Channel.Alternatives) == 0 {
			continue
		}
		text := resp.Channel.Alternatives[0].Transcript
		if text == "" && !resp.SpeechFinal {
			continue
		}

		select {
		case c.transcripts <- Transcript{Text: text, IsFinal: resp.IsFinal, SpeechFinal: resp.SpeechFinal}:
		case <-ctx.Done():
			return
		}
	}
}

// keepaliveLoop pings the recognizer so an idle connection is not dropped.
// Consecutive write failures mean the socket is dead even if the read side
// has not noticed yet; after maxKeepaliveMisses the connection is reported
// and force-closed so the session's retry can take over.
func (c *Client) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			var err error
			if conn != nil {
				err = conn.WriteJSON(map[string]string{"type": "KeepAlive"})
			}
			c.connMu.Unlock()
			if conn == nil {
				return
			}
			if err == nil {
				misses = 0
				continue
			}
			misses++
			logger.Base().Warn("deepgram keepalive failed",
				zap.Int("misses", misses), zap.Error(err))
			if misses < maxKeepaliveMisses {
				continue
			}
			select {
			case c.errs <- fmt.Errorf("keepalive failed %d times: %w", misses, err):
			default:
			}
			_ = c.Finish()
			return
		}
	}
}
