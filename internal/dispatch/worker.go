package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/callfleet/voice-dialer/internal/repository"
	"github.com/callfleet/voice-dialer/internal/telephony"
	"github.com/callfleet/voice-dialer/pkg/logger"
	"go.uber.org/zap"
)

const dequeueTimeout = 5 * time.Second

// WorkerPool drains the dial queue with a fixed number of goroutines. Every
// job is re-checked against admission at dequeue time because queue residency
// can outlive the calling window it was enqueued under.
type WorkerPool struct {
	queue     Queue
	admission *Admission
	dialer    telephony.Dialer
	repos     repository.RepositoryManager
	size      int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorkerPool creates a pool of the given size. Size must be at least 1.
func NewWorkerPool(queue Queue, admission *Admission, dialer telephony.Dialer, repos repository.RepositoryManager, size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		queue:     queue,
		admission: admission,
		dialer:    dialer,
		repos:     repos,
		size:      size,
	}
}

// Start launches the workers. They run until Stop is called or the parent
// context is cancelled.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
	logger.Base().Info("dispatch workers started", zap.Int("count", p.size))
}

// Stop signals all workers and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	logger.Base().Info("dispatch workers stopped")
}

func (p *WorkerPool) run(ctx context.Context, id int) {
	log := logger.Base().With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Error("failed to dequeue dial job", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		if err := p.Process(ctx, job); err != nil {
			log.Error("dial job failed",
				zap.String("job_id", job.ID),
				zap.String("agent_id", job.AgentID),
				zap.Error(err))
		}
	}
}

// Process handles a single dial job end to end. Exported so tests can drive
// jobs through without the queue.
func (p *WorkerPool) Process(ctx context.Context, job *domain.DialJob) error {
	log := logger.Base().With(
		zap.String("job_id", job.ID),
		zap.String("agent_id", job.AgentID),
		zap.String("to", job.Lead.Phone))

	agent, err := p.repos.Agent().GetByID(ctx, job.AgentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("dropping job for unknown agent")
			return nil
		}
		return err
	}

	// Authoritative decision. The autopilot's coarse check may be stale by
	// the time the job surfaces.
	decision, err := p.admission.Check(ctx, agent, job.Lead.Phone, time.Now().In(agent.Location()))
	if err != nil {
		return err
	}
	if !decision.Admitted {
		log.Info("job rejected at dequeue", zap.String("reason", decision.Reason))
		return nil
	}

	// The attempt reservation is the last word on max calls per contact.
	// Admission and reservation can disagree under concurrency; reservation
	// wins.
	reserved, err := p.repos.CallAttempt().ReserveAttempt(ctx, agent.ID, job.Lead.Phone, agent.MaxCallsPerContact)
	if err != nil {
		return err
	}
	if !reserved {
		log.Info("attempt limit reached for contact")
		return nil
	}

	if _, err := p.dialer.StartOutboundCall(ctx, agent, job); err != nil {
		p.markAttempt(ctx, agent.ID, job.Lead.Phone, domain.AttemptFailed)
		return err
	}
	p.markAttempt(ctx, agent.ID, job.Lead.Phone, domain.AttemptInitiated)

	if err := p.repos.DashboardStat().IncrDials(ctx, agent.ID, time.Now().In(agent.Location()).Format("2006-01-02")); err != nil {
		log.Error("failed to record dial stat", zap.Error(err))
	}
	return nil
}

// HandleStatus processes a provider status callback for a call placed by this
// pool. A no-answer on an agent with double dial enabled requeues the lead
// exactly once.
func (p *WorkerPool) HandleStatus(ctx context.Context, cb *domain.StatusCallback, job *domain.DialJob) error {
	log := logger.Base().With(
		zap.String("agent_id", cb.AgentID),
		zap.String("to", cb.ToPhone),
		zap.String("status", cb.CallStatus))

	entry := &domain.CallLog{
		AgentID:      cb.AgentID,
		ContactPhone: cb.ToPhone,
		CallDate:     time.Now(),
		CallDuration: cb.CallDurationSeconds,
		CallOutcome:  cb.CallStatus,
	}
	if err := p.repos.CallLog().Create(ctx, entry); err != nil {
		log.Error("failed to persist call log", zap.Error(err))
	}

	status := attemptStatusFor(cb.CallStatus)
	if err := p.repos.CallAttempt().MarkStatus(ctx, cb.AgentID, cb.ToPhone, status); err != nil {
		log.Error("failed to update attempt status", zap.Error(err))
	}

	if cb.CallStatus != "no-answer" && cb.CallStatus != "busy" {
		return nil
	}
	agent, err := p.repos.Agent().GetByID(ctx, cb.AgentID)
	if err != nil {
		return err
	}
	if !agent.DoubleDialNoAnswer || job == nil || job.Retries > 0 {
		return nil
	}

	retry := &domain.DialJob{
		ID:         job.ID,
		AgentID:    job.AgentID,
		Lead:       job.Lead,
		Retries:    job.Retries + 1,
		EnqueuedAt: time.Now(),
	}
	if err := p.queue.Enqueue(ctx, retry); err != nil {
		return err
	}
	log.Info("requeued no-answer for second dial")
	return nil
}

func (p *WorkerPool) markAttempt(ctx context.Context, agentID, phone string, status domain.AttemptStatus) {
	if err := p.repos.CallAttempt().MarkStatus(ctx, agentID, phone, status); err != nil {
		logger.Base().Error("failed to mark attempt",
			zap.String("agent_id", agentID),
			zap.String("phone", phone),
			zap.Error(err))
	}
}

func attemptStatusFor(callStatus string) domain.AttemptStatus {
	switch callStatus {
	case "completed":
		return domain.AttemptCompleted
	case "no-answer", "busy":
		return domain.AttemptNoAnswer
	case "failed", "canceled":
		return domain.AttemptFailed
	case "in-progress", "answered":
		return domain.AttemptInProgress
	default:
		return domain.AttemptInitiated
	}
}
