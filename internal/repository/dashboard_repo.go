package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/callfleet/voice-dialer/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormDashboardStatRepository implements DashboardStatRepository using GORM.
// All writes are upsert increments on the (agent_id, date) unique index so
// concurrent workers never lose updates.
type GormDashboardStatRepository struct {
	db *gorm.DB
}

// NewGormDashboardStatRepository creates a new dashboard stat repository.
func NewGormDashboardStatRepository(db *gorm.DB) *GormDashboardStatRepository {
	return &GormDashboardStatRepository{db: db}
}

func (r *GormDashboardStatRepository) incr(ctx context.Context, agentID, date, column string) error {
	stat := domain.DashboardStat{AgentID: agentID, Date: date}
	switch column {
	case "dials_count":
		stat.DialsCount = 1
	case "conversation_count":
		stat.ConversationCount = 1
	case "appointments_set":
		stat.AppointmentsSet = 1
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			column: gorm.Expr(column + " + 1"),
		}),
	}).Create(&stat).Error
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	return nil
}

// IncrDials increments the day's dial counter.
func (r *GormDashboardStatRepository) IncrDials(ctx context.Context, agentID, date string) error {
	return r.incr(ctx, agentID, date, "dials_count")
}

// IncrConversations increments the day's conversation counter.
func (r *GormDashboardStatRepository) IncrConversations(ctx context.Context, agentID, date string) error {
	return r.incr(ctx, agentID, date, "conversation_count")
}

// IncrAppointments increments the day's booked-appointment counter.
func (r *GormDashboardStatRepository) IncrAppointments(ctx context.Context, agentID, date string) error {
	return r.incr(ctx, agentID, date, "appointments_set")
}

// GetDay fetches the counters for one (agent, date). A missing row comes
// back zeroed rather than as an error.
func (r *GormDashboardStatRepository) GetDay(ctx context.Context, agentID, date string) (*domain.DashboardStat, error) {
	var stat domain.DashboardStat
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND date = ?", agentID, date).
		First(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.DashboardStat{AgentID: agentID, Date: date}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dashboard stat: %w", err)
	}
	return &stat, nil
}
