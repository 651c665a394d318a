// Package scheduler runs the daily usage reset. Each agent is reset at 03:00
// in its own timezone, so the loop ticks every minute and converts wall time
// per agent instead of using one global cron hour.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/callfleet/voice-dialer/internal/repository"
	"github.com/callfleet/voice-dialer/pkg/logger"
	"go.uber.org/zap"
)

const resetHour = 3

// UsageReset clears per-contact attempt history daily and monthly minute
// usage on the first of the month, per agent timezone.
type UsageReset struct {
	agents   repository.AgentRepository
	attempts repository.CallAttemptRepository

	// lastRun maps agent ID to the local date the reset last ran. The guard
	// makes the reset idempotent across repeated ticks inside the 03:00
	// minute and across loop restarts within the same process.
	mu      sync.Mutex
	lastRun map[string]string

	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewUsageReset(agents repository.AgentRepository, attempts repository.CallAttemptRepository) *UsageReset {
	return &UsageReset{
		agents:   agents,
		attempts: attempts,
		lastRun:  make(map[string]string),
		interval: time.Minute,
		done:     make(chan struct{}),
	}
}

// Start ticks every minute until Stop or context cancellation.
func (u *UsageReset) Start(ctx context.Context) {
	ctx, u.cancel = context.WithCancel(ctx)
	go func() {
		defer close(u.done)
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				u.Tick(ctx, now)
			}
		}
	}()
	logger.Base().Info("usage reset scheduler started")
}

func (u *UsageReset) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	<-u.done
}

// Tick evaluates all agents against the given instant. Exported so tests can
// drive specific wall times through.
func (u *UsageReset) Tick(ctx context.Context, now time.Time) {
	agents, err := u.agents.GetAll(ctx)
	if err != nil {
		logger.Base().Error("usage reset failed to list agents", zap.Error(err))
		return
	}
	for _, agent := range agents {
		u.tickAgent(ctx, agent, now)
	}
}

func (u *UsageReset) tickAgent(ctx context.Context, agent *domain.Agent, now time.Time) {
	local := now.In(agent.Location())
	if local.Hour() != resetHour {
		return
	}

	day := local.Format("2006-01-02")
	u.mu.Lock()
	if u.lastRun[agent.ID] == day {
		u.mu.Unlock()
		return
	}
	u.lastRun[agent.ID] = day
	u.mu.Unlock()

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	if err := u.attempts.DeleteCreatedSince(ctx, agent.ID, midnight); err != nil {
		logger.Base().Error("failed to clear call attempts",
			zap.String("agent_id", agent.ID),
			zap.Error(err))
		// Undo the guard so the next tick within the hour retries.
		u.mu.Lock()
		delete(u.lastRun, agent.ID)
		u.mu.Unlock()
		return
	}

	if local.Day() == 1 {
		if err := u.agents.ResetMinutesUsed(ctx, agent.ID); err != nil {
			logger.Base().Error("failed to reset monthly minutes",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
			return
		}
		logger.Base().Info("monthly minutes reset",
			zap.String("agent_id", agent.ID),
			zap.String("timezone", agent.Timezone))
	}

	logger.Base().Info("daily attempt history cleared",
		zap.String("agent_id", agent.ID),
		zap.String("local_date", day))
}
