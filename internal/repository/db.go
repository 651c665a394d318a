package repository

import (
	"context"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
	"gorm.io/gorm"
)

// AgentRepository defines persistence operations for agents.
type AgentRepository interface {
	Create(ctx context.Context, agent *domain.Agent) error
	GetByID(ctx context.Context, id string) (*domain.Agent, error)
	GetAll(ctx context.Context) ([]*domain.Agent, error)
	GetByBotStatus(ctx context.Context, status domain.BotStatus) ([]*domain.Agent, error)
	SetBotStatus(ctx context.Context, id string, status domain.BotStatus) error
	AddMinutesUsed(ctx context.Context, id string, minutes int) error
	ResetMinutesUsed(ctx context.Context, id string) error
}

// CallAttemptRepository defines persistence operations for call attempts.
type CallAttemptRepository interface {
	CountForPair(ctx context.Context, agentID, leadPhone string) (int, error)

	// ReserveAttempt atomically increments the attempt count for the pair iff
	// the current count is below max (max <= 0 means unbounded). It returns
	// whether the reservation was admitted. Concurrent callers see exactly
	// max admissions in total.
	ReserveAttempt(ctx context.Context, agentID, leadPhone string, max int) (bool, error)

	MarkStatus(ctx context.Context, agentID, leadPhone string, status domain.AttemptStatus) error
	DeleteCreatedSince(ctx context.Context, agentID string, since time.Time) error
}

// CallLogRepository records terminal call outcomes.
type CallLogRepository interface {
	Create(ctx context.Context, log *domain.CallLog) error
	GetByAgentID(ctx context.Context, agentID string, limit int) ([]*domain.CallLog, error)
}

// DashboardStatRepository maintains the per-agent per-day counters.
type DashboardStatRepository interface {
	IncrDials(ctx context.Context, agentID, date string) error
	IncrConversations(ctx context.Context, agentID, date string) error
	IncrAppointments(ctx context.Context, agentID, date string) error
	GetDay(ctx context.Context, agentID, date string) (*domain.DashboardStat, error)
}

// RepositoryManager combines all repositories.
type RepositoryManager interface {
	Agent() AgentRepository
	CallAttempt() CallAttemptRepository
	CallLog() CallLogRepository
	DashboardStat() DashboardStatRepository

	WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error
	Ping(ctx context.Context) error
	Close() error
}

// GormRepositoryManager implements RepositoryManager using GORM.
type GormRepositoryManager struct {
	db                *gorm.DB
	agentRepo         *GormAgentRepository
	callAttemptRepo   *GormCallAttemptRepository
	callLogRepo       *GormCallLogRepository
	dashboardStatRepo *GormDashboardStatRepository
}

// NewGormRepositoryManager creates a new GORM repository manager.
func NewGormRepositoryManager(db *gorm.DB) *GormRepositoryManager {
	return &GormRepositoryManager{
		db:                db,
		agentRepo:         NewGormAgentRepository(db),
		callAttemptRepo:   NewGormCallAttemptRepository(db),
		callLogRepo:       NewGormCallLogRepository(db),
		dashboardStatRepo: NewGormDashboardStatRepository(db),
	}
}

// Agent returns the agent repository.
func (m *GormRepositoryManager) Agent() AgentRepository {
	return m.agentRepo
}

// CallAttempt returns the call attempt repository.
func (m *GormRepositoryManager) CallAttempt() CallAttemptRepository {
	return m.callAttemptRepo
}

// CallLog returns the call log repository.
func (m *GormRepositoryManager) CallLog() CallLogRepository {
	return m.callLogRepo
}

// DashboardStat returns the dashboard stat repository.
func (m *GormRepositoryManager) DashboardStat() DashboardStatRepository {
	return m.dashboardStatRepo
}

// WithTx executes a function within a database transaction.
func (m *GormRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewGormRepositoryManager(tx))
	})
}

// Ping checks the database connection.
func (m *GormRepositoryManager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (m *GormRepositoryManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
