package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/callfleet/voice-dialer/internal/repository"
	"github.com/callfleet/voice-dialer/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// AgentHandler serves the bot control API: lifecycle transitions and the
// daily dashboard counters.
type AgentHandler struct {
	repos repository.RepositoryManager
}

func NewAgentHandler(repos repository.RepositoryManager) *AgentHandler {
	return &AgentHandler{repos: repos}
}

// SetupAgentRoutes registers the control endpoints on the given router.
func (h *AgentHandler) SetupAgentRoutes(router *mux.Router) {
	router.HandleFunc("/agents/{id}/start", h.setStatus(domain.BotStatusRunning)).Methods("POST")
	router.HandleFunc("/agents/{id}/pause", h.setStatus(domain.BotStatusPaused)).Methods("POST")
	router.HandleFunc("/agents/{id}/stop", h.setStatus(domain.BotStatusStopped)).Methods("POST")
	router.HandleFunc("/agents/{id}/stats", h.handleStats).Methods("GET")
	logger.Base().Info("agent control routes registered")
}

func (h *AgentHandler) setStatus(status domain.BotStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := h.repos.Agent().SetBotStatus(r.Context(), id, status); err != nil {
			if err == repository.ErrNotFound {
				http.Error(w, "agent not found", http.StatusNotFound)
				return
			}
			logger.Base().Error("failed to set bot status",
				zap.String("agent_id", id),
				zap.String("status", string(status)),
				zap.Error(err))
			http.Error(w, "failed to update agent", http.StatusInternalServerError)
			return
		}

		logger.Base().Info("bot status changed",
			zap.String("agent_id", id),
			zap.String("status", string(status)))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"agent_id":   id,
			"bot_status": string(status),
		})
	}
}

func (h *AgentHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agent, err := h.repos.Agent().GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().In(agent.Location()).Format("2006-01-02")
	}
	stat, err := h.repos.DashboardStat().GetDay(r.Context(), id, date)
	if err != nil {
		logger.Base().Error("failed to load dashboard stats",
			zap.String("agent_id", id), zap.Error(err))
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stat)
}
