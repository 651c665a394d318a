package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/callfleet/voice-dialer/internal/dispatch"
	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/callfleet/voice-dialer/internal/repository"
	"github.com/callfleet/voice-dialer/internal/telephony"
	"github.com/callfleet/voice-dialer/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// CallHandler serves the telephony webhooks: the TwiML fetched when a call is
// answered and the asynchronous status callback.
type CallHandler struct {
	pool      *dispatch.WorkerPool
	repos     repository.RepositoryManager
	publicURL string
}

func NewCallHandler(pool *dispatch.WorkerPool, repos repository.RepositoryManager, publicURL string) *CallHandler {
	return &CallHandler{pool: pool, repos: repos, publicURL: publicURL}
}

// SetupCallRoutes registers the webhook endpoints.
func (h *CallHandler) SetupCallRoutes(router *mux.Router) {
	router.HandleFunc("/twiml/answer", h.handleAnswer).Methods("POST")
	router.HandleFunc("/calls/status", h.handleStatus).Methods("POST")
	logger.Base().Info("call webhook routes registered")
}

// handleAnswer returns the TwiML that bridges the answered call into the
// media stream websocket.
func (h *CallHandler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	greeting := ""
	if agent, err := h.repos.Agent().GetByID(r.Context(), agentID); err == nil {
		greeting = agent.Greeting
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(telephony.AnswerTwiML(h.publicURL, agentID, greeting)))
}

// handleStatus receives the provider's terminal call status. Twilio posts
// form-encoded fields; our own routing context rides in the query string.
func (h *CallHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	duration, _ := strconv.Atoi(r.PostFormValue("CallDuration"))
	retries, _ := strconv.Atoi(r.URL.Query().Get("retries"))

	cb := &domain.StatusCallback{
		CallStatus:          r.PostFormValue("CallStatus"),
		AgentID:             r.URL.Query().Get("agentId"),
		ContactID:           r.URL.Query().Get("contactId"),
		ToPhone:             r.PostFormValue("To"),
		CallDurationSeconds: duration,
	}
	if cb.CallStatus == "" || cb.AgentID == "" {
		http.Error(w, "missing call status or agent", http.StatusBadRequest)
		return
	}

	job := &domain.DialJob{
		AgentID: cb.AgentID,
		Lead:    domain.Lead{ID: cb.ContactID, Phone: cb.ToPhone},
		Retries: retries,
	}
	if err := h.pool.HandleStatus(r.Context(), cb, job); err != nil {
		logger.Base().Error("status callback processing failed",
			zap.String("agent_id", cb.AgentID),
			zap.String("status", cb.CallStatus),
			zap.Error(err))
		http.Error(w, "failed to process status", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// HealthHandler reports process liveness and dependency reachability.
type HealthHandler struct {
	repos repository.RepositoryManager
}

func NewHealthHandler(repos repository.RepositoryManager) *HealthHandler {
	return &HealthHandler{repos: repos}
}

func (h *HealthHandler) SetupHealthRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.repos.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
