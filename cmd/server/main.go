package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callfleet/voice-dialer/internal/config"
	"github.com/callfleet/voice-dialer/internal/core/session"
	"github.com/callfleet/voice-dialer/internal/dispatch"
	"github.com/callfleet/voice-dialer/internal/handler"
	"github.com/callfleet/voice-dialer/internal/leads"
	"github.com/callfleet/voice-dialer/internal/repository"
	"github.com/callfleet/voice-dialer/internal/scheduler"
	"github.com/callfleet/voice-dialer/internal/telephony"
	"github.com/callfleet/voice-dialer/pkg/logger"
	"github.com/callfleet/voice-dialer/pkg/redis"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	cfg := config.LoadFromEnv()

	if _, err := logger.Init(cfg.LogEnv); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Base().Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	dbCfg := repository.LoadDatabaseConfigFromEnv()
	db, err := repository.NewDatabaseConnection(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	repos := repository.NewGormRepositoryManager(db)
	defer repos.Close()

	// Redis
	redisSvc, err := redis.NewService(&redis.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisSvc.Close()

	// Session registry
	sessions := session.NewManager(redisSvc, cfg.InstanceID)
	if err := sessions.SubscribeToCleanup(ctx); err != nil {
		logger.Base().Warn("session cleanup subscription unavailable", zap.Error(err))
	}

	// Dispatch engine
	queue := dispatch.NewRedisQueue(redisSvc)
	admission := dispatch.NewAdmission(repos.CallAttempt(), repos.DashboardStat())

	dialer, err := telephony.NewTwilioDialer(telephony.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		CallerID:   cfg.TwilioCallerID,
		PublicURL:  cfg.PublicURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create dialer: %w", err)
	}

	pool := dispatch.NewWorkerPool(queue, admission, dialer, repos, cfg.WorkerConcurrency)
	pool.Start(ctx)
	defer pool.Stop()

	provider := leads.NewHTTPProvider(cfg.LeadsBaseURL, cfg.LeadsAPIKey)
	autopilot := dispatch.NewAutopilot(repos.Agent(), provider, queue, admission, cfg.AutopilotInterval)
	autopilot.Start(ctx)
	defer autopilot.Stop()

	usageReset := scheduler.NewUsageReset(repos.Agent(), repos.CallAttempt())
	usageReset.Start(ctx)
	defer usageReset.Stop()

	// HTTP surface
	router := mux.NewRouter()
	handlerManager := handler.NewHandlerManager(cfg, repos, sessions, pool)
	handlerManager.SetupAllRoutes(router)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Base().Info("server listening",
			zap.String("addr", server.Addr),
			zap.String("instance", cfg.InstanceID))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Base().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
