package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// GormAgentRepository implements AgentRepository using GORM.
type GormAgentRepository struct {
	db *gorm.DB
}

// NewGormAgentRepository creates a new agent repository.
func NewGormAgentRepository(db *gorm.DB) *GormAgentRepository {
	return &GormAgentRepository{db: db}
}

// Create inserts a new agent.
func (r *GormAgentRepository) Create(ctx context.Context, agent *domain.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.BotStatus == "" {
		agent.BotStatus = domain.BotStatusStopped
	}
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by ID.
func (r *GormAgentRepository) GetByID(ctx context.Context, id string) (*domain.Agent, error) {
	var agent domain.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

// GetAll retrieves every agent.
func (r *GormAgentRepository) GetAll(ctx context.Context) ([]*domain.Agent, error) {
	var agents []*domain.Agent
	if err := r.db.WithContext(ctx).Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// GetByBotStatus retrieves agents in the given dialing state.
func (r *GormAgentRepository) GetByBotStatus(ctx context.Context, status domain.BotStatus) ([]*domain.Agent, error) {
	var agents []*domain.Agent
	if err := r.db.WithContext(ctx).Where("bot_status = ?", status).Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to list agents by status: %w", err)
	}
	return agents, nil
}

// SetBotStatus updates the dialing state of an agent.
func (r *GormAgentRepository) SetBotStatus(ctx context.Context, id string, status domain.BotStatus) error {
	res := r.db.WithContext(ctx).Model(&domain.Agent{}).Where("id = ?", id).Update("bot_status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to set bot status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMinutesUsed atomically adds to the monthly usage counter. Workers and
// sessions update the same agent concurrently, so this must be a single SQL
// increment rather than read-modify-write.
func (r *GormAgentRepository) AddMinutesUsed(ctx context.Context, id string, minutes int) error {
	if minutes <= 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&domain.Agent{}).Where("id = ?", id).
		Update("minutes_used", gorm.Expr("minutes_used + ?", minutes)).Error
	if err != nil {
		return fmt.Errorf("failed to add minutes used: %w", err)
	}
	return nil
}

// ResetMinutesUsed zeroes the monthly usage counter.
func (r *GormAgentRepository) ResetMinutesUsed(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&domain.Agent{}).Where("id = ?", id).
		Update("minutes_used", 0).Error
	if err != nil {
		return fmt.Errorf("failed to reset minutes used: %w", err)
	}
	return nil
}
