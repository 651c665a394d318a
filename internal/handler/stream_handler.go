package handler

import (
	"context"
	"net/http"
	"sync"

	"github.com/callfleet/voice-dialer/internal/core/session"
	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/callfleet/voice-dialer/internal/llm"
	"github.com/callfleet/voice-dialer/internal/repository"
	"github.com/callfleet/voice-dialer/internal/stt"
	"github.com/callfleet/voice-dialer/internal/tts"
	"github.com/callfleet/voice-dialer/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Twilio media streams carry no Origin header; browsers connect from the
	// dashboard domain which fronts this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla websocket connection to the session transport.
// Gorilla connections allow one concurrent writer, hence the mutex.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) WriteText(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) WriteBinary(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// StreamHandler accepts the live audio websocket connections and runs a
// session per connection.
type StreamHandler struct {
	sttConfig  stt.Config
	generator  llm.Generator
	tts        tts.Synthesizer
	booker     session.CalendarBooker
	usage      session.UsageRecorder
	agents     repository.AgentRepository
	sessions   *session.Manager
	defaultVox string
}

func NewStreamHandler(
	sttConfig stt.Config,
	generator llm.Generator,
	synth tts.Synthesizer,
	booker session.CalendarBooker,
	usage session.UsageRecorder,
	agents repository.AgentRepository,
	sessions *session.Manager,
	defaultVoiceID string,
) *StreamHandler {
	return &StreamHandler{
		sttConfig:  sttConfig,
		generator:  generator,
		tts:        synth,
		booker:     booker,
		usage:      usage,
		agents:     agents,
		sessions:   sessions,
		defaultVox: defaultVoiceID,
	}
}

// SetupStreamRoutes registers the websocket endpoints.
func (h *StreamHandler) SetupStreamRoutes(router *mux.Router) {
	router.HandleFunc("/media-stream", h.handleTelephonyStream).Methods("GET")
	router.HandleFunc("/browser-stream", h.handleBrowserStream).Methods("GET")
	logger.Base().Info("stream routes registered")
}

func (h *StreamHandler) handleTelephonyStream(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, session.TransportTelephony)
}

func (h *StreamHandler) handleBrowserStream(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, session.TransportBrowser)
}

func (h *StreamHandler) serveStream(w http.ResponseWriter, r *http.Request, kind session.TransportKind) {
	agent, err := h.loadAgent(r)
	if err != nil {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := session.New(session.Options{
		Agent:          agent,
		Kind:           kind,
		Transport:      &wsTransport{conn: conn},
		NewTranscriber: h.newTranscriber,
		Generator:      h.generator,
		Synthesizer:    h.tts,
		Booker:         h.booker,
		Usage:          h.usage,
	})

	channel := "telephony"
	if kind == session.TransportBrowser {
		channel = "browser"
	}
	h.sessions.Add(r.Context(), sess, agent.ID, channel)
	defer func() {
		sess.Close()
		h.sessions.Remove(context.Background(), sess.ID)
	}()

	logger.Base().Info("stream connected",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", agent.ID),
		zap.String("channel", channel))

	h.readLoop(conn, sess, kind)
}

// readLoop is the single reader goroutine for the connection. All session
// state transitions are driven from here.
func (h *StreamHandler) readLoop(conn *websocket.Conn, sess *session.Session, kind session.TransportKind) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Base().Warn("stream read error",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
			return
		}

		switch {
		case kind == session.TransportBrowser && msgType == websocket.BinaryMessage:
			sess.HandleBrowserAudio(data)

		case msgType == websocket.TextMessage:
			msg, err := session.DecodeMessage(data)
			if err != nil {
				logger.Base().Debug("undecodable stream message",
					zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
			sess.HandleControl(msg)
		}

		select {
		case <-sess.Done():
			return
		default:
		}
	}
}

// newTranscriber builds a fresh recognition connection per attempt. Codec
// parameters are fixed by the transport kind.
func (h *StreamHandler) newTranscriber(kind session.TransportKind) session.Transcriber {
	cfg := h.sttConfig
	if kind == session.TransportBrowser {
		cfg.Encoding = "linear16"
		cfg.SampleRate = 16000
	} else {
		cfg.Encoding = "mulaw"
		cfg.SampleRate = 8000
	}
	return stt.NewClient(cfg)
}

func (h *StreamHandler) loadAgent(r *http.Request) (*domain.Agent, error) {
	agentID := r.URL.Query().Get("agentId")
	agent, err := h.agents.GetByID(r.Context(), agentID)
	if err != nil {
		logger.Base().Warn("stream for unknown agent",
			zap.String("agent_id", agentID), zap.Error(err))
		return nil, err
	}
	if agent.VoiceID == "" {
		agent.VoiceID = h.defaultVox
	}
	return agent, nil
}
