package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
	"gorm.io/gorm"
)

// GormCallLogRepository implements CallLogRepository using GORM.
type GormCallLogRepository struct {
	db *gorm.DB
}

// NewGormCallLogRepository creates a new call log repository.
func NewGormCallLogRepository(db *gorm.DB) *GormCallLogRepository {
	return &GormCallLogRepository{db: db}
}

// Create inserts a call log row.
func (r *GormCallLogRepository) Create(ctx context.Context, log *domain.CallLog) error {
	if log.CallDate.IsZero() {
		log.CallDate = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("failed to create call log: %w", err)
	}
	return nil
}

// GetByAgentID lists the most recent call logs for one agent.
func (r *GormCallLogRepository) GetByAgentID(ctx context.Context, agentID string, limit int) ([]*domain.CallLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []*domain.CallLog
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("call_date DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list call logs: %w", err)
	}
	return logs, nil
}
