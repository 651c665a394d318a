package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/callfleet/voice-dialer/pkg/redis"
	"github.com/google/uuid"
)

// ErrQueueEmpty is returned by Dequeue when no job arrives within the poll
// interval. Workers treat it as a normal idle cycle.
var ErrQueueEmpty = fmt.Errorf("dispatch queue empty")

// Queue is the durable work queue holding pending dial jobs. Delivery is
// at-least-once; the worker's atomic attempt reservation makes duplicate
// delivery harmless.
type Queue interface {
	Enqueue(ctx context.Context, job *domain.DialJob) error
	Dequeue(ctx context.Context, timeout time.Duration) (*domain.DialJob, error)
}

// RedisQueue implements Queue on a Redis list.
type RedisQueue struct {
	svc  redis.ServiceInterface
	name string
}

// NewRedisQueue creates the dial queue over a Redis connection.
func NewRedisQueue(svc redis.ServiceInterface) *RedisQueue {
	return &RedisQueue{svc: svc, name: string(redis.DIAL_QUEUE)}
}

// Enqueue appends one dial job.
func (q *RedisQueue) Enqueue(ctx context.Context, job *domain.DialJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if err := q.svc.PushJob(ctx, q.name, job); err != nil {
		return fmt.Errorf("failed to enqueue dial job: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*domain.DialJob, error) {
	payload, err := q.svc.PopJob(ctx, q.name, timeout)
	if err != nil {
		if err == redis.ErrKeyNotExist {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("failed to dequeue dial job: %w", err)
	}

	job := &domain.DialJob{}
	if err := json.Unmarshal([]byte(payload), job); err != nil {
		return nil, fmt.Errorf("failed to decode dial job: %w", err)
	}
	return job, nil
}
