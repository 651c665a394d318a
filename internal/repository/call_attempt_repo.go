package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCallAttemptRepository implements CallAttemptRepository using GORM.
type GormCallAttemptRepository struct {
	db *gorm.DB
}

// NewGormCallAttemptRepository creates a new call attempt repository.
func NewGormCallAttemptRepository(db *gorm.DB) *GormCallAttemptRepository {
	return &GormCallAttemptRepository{db: db}
}

// CountForPair returns the stored attempt count for (agent, phone), zero if
// no record exists.
func (r *GormCallAttemptRepository) CountForPair(ctx context.Context, agentID, leadPhone string) (int, error) {
	var attempt domain.CallAttempt
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND lead_phone = ?", agentID, leadPhone).
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return attempt.AttemptCount, nil
}

// ReserveAttempt performs the authoritative admission increment. The guarded
// UPDATE only succeeds while attempt_count < max, so two workers racing on
// the last slot produce exactly one admission. A missing row is created with
// count 1 via an ON CONFLICT DO NOTHING insert followed by a retry of the
// guarded update.
func (r *GormCallAttemptRepository) ReserveAttempt(ctx context.Context, agentID, leadPhone string, max int) (bool, error) {
	now := time.Now()

	// A chained *gorm.DB must not be reused across finishers, so the guarded
	// update is rebuilt for the post-insert retry.
	guardedUpdate := func() *gorm.DB {
		guard := r.db.WithContext(ctx).Model(&domain.CallAttempt{}).
			Where("agent_id = ? AND lead_phone = ?", agentID, leadPhone)
		if max > 0 {
			guard = guard.Where("attempt_count < ?", max)
		}
		return guard.Updates(map[string]interface{}{
			"attempt_count":     gorm.Expr("attempt_count + 1"),
			"last_attempt_time": now,
			"status":            domain.AttemptInitiated,
		})
	}

	res := guardedUpdate()
	if res.Error != nil {
		return false, fmt.Errorf("failed to reserve attempt: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// No row updated: either the record is missing or the cap is reached.
	ins := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}, {Name: "lead_phone"}},
		DoNothing: true,
	}).Create(&domain.CallAttempt{
		AgentID:         agentID,
		LeadPhone:       leadPhone,
		AttemptCount:    1,
		LastAttemptTime: now,
		Status:          domain.AttemptInitiated,
	})
	if ins.Error != nil {
		return false, fmt.Errorf("failed to insert attempt: %w", ins.Error)
	}
	if ins.RowsAffected > 0 {
		return max <= 0 || max >= 1, nil
	}

	// Row appeared concurrently; retry the guarded update once.
	res = guardedUpdate()
	if res.Error != nil {
		return false, fmt.Errorf("failed to reserve attempt: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkStatus records the terminal status of the pair's latest attempt.
func (r *GormCallAttemptRepository) MarkStatus(ctx context.Context, agentID, leadPhone string, status domain.AttemptStatus) error {
	err := r.db.WithContext(ctx).Model(&domain.CallAttempt{}).
		Where("agent_id = ? AND lead_phone = ?", agentID, leadPhone).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("failed to mark attempt status: %w", err)
	}
	return nil
}

// DeleteCreatedSince removes an agent's attempt records created at or after
// the given time. The usage reset scheduler calls this with local midnight.
func (r *GormCallAttemptRepository) DeleteCreatedSince(ctx context.Context, agentID string, since time.Time) error {
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND created_at >= ?", agentID, since).
		Delete(&domain.CallAttempt{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete attempts: %w", err)
	}
	return nil
}
