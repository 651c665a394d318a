package dispatch

import (
	"context"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/callfleet/voice-dialer/internal/leads"
	"github.com/callfleet/voice-dialer/internal/repository"
	"github.com/callfleet/voice-dialer/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Autopilot periodically scans running agents and feeds their leads into the
// dial queue. It only applies the coarse window check; per-job limits are
// enforced again by the workers at dequeue time.
type Autopilot struct {
	agents    repository.AgentRepository
	provider  leads.Provider
	queue     Queue
	admission *Admission
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewAutopilot(agents repository.AgentRepository, provider leads.Provider, queue Queue, admission *Admission, interval time.Duration) *Autopilot {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Autopilot{
		agents:    agents,
		provider:  provider,
		queue:     queue,
		admission: admission,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// Start runs the scan loop until Stop or context cancellation.
func (a *Autopilot) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.RunOnce(ctx)
			}
		}
	}()
	logger.Base().Info("autopilot started", zap.Duration("interval", a.interval))
}

func (a *Autopilot) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	<-a.done
}

// RunOnce performs a single scan pass. Exported for tests and for manual
// kicks from the control API.
func (a *Autopilot) RunOnce(ctx context.Context) {
	agents, err := a.agents.GetByBotStatus(ctx, domain.BotStatusRunning)
	if err != nil {
		logger.Base().Error("autopilot failed to list agents", zap.Error(err))
		return
	}

	for _, agent := range agents {
		if err := a.scanAgent(ctx, agent); err != nil {
			logger.Base().Error("autopilot scan failed",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
		}
	}
}

func (a *Autopilot) scanAgent(ctx context.Context, agent *domain.Agent) error {
	now := time.Now().In(agent.Location())
	decision := a.admission.CheckWindow(agent, now)
	if !decision.Admitted {
		return nil
	}

	list, err := a.provider.FetchLeads(ctx, agent.ID)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, lead := range list {
		if lead.Phone == "" {
			continue
		}
		job := &domain.DialJob{
			ID:         uuid.New().String(),
			AgentID:    agent.ID,
			Lead:       lead,
			EnqueuedAt: time.Now(),
		}
		if err := a.queue.Enqueue(ctx, job); err != nil {
			return err
		}
		enqueued++
	}
	if enqueued > 0 {
		logger.Base().Info("autopilot enqueued leads",
			zap.String("agent_id", agent.ID),
			zap.Int("count", enqueued))
	}
	return nil
}
