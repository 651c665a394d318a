package handler

import (
	"github.com/callfleet/voice-dialer/internal/calendar"
	"github.com/callfleet/voice-dialer/internal/config"
	"github.com/callfleet/voice-dialer/internal/core/session"
	"github.com/callfleet/voice-dialer/internal/dispatch"
	"github.com/callfleet/voice-dialer/internal/llm"
	"github.com/callfleet/voice-dialer/internal/repository"
	"github.com/callfleet/voice-dialer/internal/stt"
	"github.com/callfleet/voice-dialer/internal/tts"
	"github.com/callfleet/voice-dialer/pkg/logger"
	"github.com/gorilla/mux"
)

// HandlerManager wires the HTTP surface. All collaborators are injected; it
// owns nothing with a lifecycle of its own.
type HandlerManager struct {
	cfg      *config.Config
	repos    repository.RepositoryManager
	sessions *session.Manager
	pool     *dispatch.WorkerPool
}

// NewHandlerManager creates the manager from already-constructed services.
func NewHandlerManager(cfg *config.Config, repos repository.RepositoryManager, sessions *session.Manager, pool *dispatch.WorkerPool) *HandlerManager {
	return &HandlerManager{cfg: cfg, repos: repos, sessions: sessions, pool: pool}
}

// SetupAllRoutes registers every route with middleware.
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(CORSMiddleware)
	router.Use(LoggingMiddleware)

	streamHandler := NewStreamHandler(
		stt.Config{APIKey: hm.cfg.DeepgramAPIKey},
		llm.NewOpenAIGenerator(llm.Config{
			APIKey:  hm.cfg.OpenAIAPIKey,
			BaseURL: hm.cfg.OpenAIBaseURL,
			Model:   hm.cfg.OpenAIModel,
		}),
		tts.NewElevenLabsClient(tts.Config{
			APIKey:  hm.cfg.ElevenLabsAPIKey,
			BaseURL: hm.cfg.ElevenLabsBaseURL,
		}),
		calendar.NewWebhookBooker(hm.cfg.CalendarWebhookURL),
		repository.NewUsageRecorder(hm.repos.Agent(), hm.repos.DashboardStat()),
		hm.repos.Agent(),
		hm.sessions,
		hm.cfg.DefaultVoiceID,
	)
	streamHandler.SetupStreamRoutes(router)

	callHandler := NewCallHandler(hm.pool, hm.repos, hm.cfg.PublicURL)
	callHandler.SetupCallRoutes(router)

	NewHealthHandler(hm.repos).SetupHealthRoutes(router)

	// Control routes sit behind bearer auth.
	controlRouter := router.PathPrefix("/api").Subrouter()
	controlRouter.Use(JWTAuthMiddleware(hm.cfg.JWTSecret))
	NewAgentHandler(hm.repos).SetupAgentRoutes(controlRouter)

	logger.Base().Info("all application routes registered")
}
