package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAgents struct {
	mu     sync.Mutex
	agents []*domain.Agent
	resets []string
}

func (s *stubAgents) Create(context.Context, *domain.Agent) error { return nil }
func (s *stubAgents) GetByID(context.Context, string) (*domain.Agent, error) {
	return nil, nil
}
func (s *stubAgents) GetAll(context.Context) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents, nil
}
func (s *stubAgents) GetByBotStatus(context.Context, domain.BotStatus) ([]*domain.Agent, error) {
	return nil, nil
}
func (s *stubAgents) SetBotStatus(context.Context, string, domain.BotStatus) error { return nil }
func (s *stubAgents) AddMinutesUsed(context.Context, string, int) error            { return nil }
func (s *stubAgents) ResetMinutesUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, id)
	return nil
}

func (s *stubAgents) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resets)
}

type stubAttempts struct {
	mu      sync.Mutex
	deletes []time.Time
}

func (s *stubAttempts) CountForPair(context.Context, string, string) (int, error) { return 0, nil }
func (s *stubAttempts) ReserveAttempt(context.Context, string, string, int) (bool, error) {
	return true, nil
}
func (s *stubAttempts) MarkStatus(context.Context, string, string, domain.AttemptStatus) error {
	return nil
}
func (s *stubAttempts) DeleteCreatedSince(_ context.Context, _ string, since time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, since)
	return nil
}

func (s *stubAttempts) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deletes)
}

func nyAgent(id string) *domain.Agent {
	return &domain.Agent{ID: id, Timezone: "America/New_York"}
}

// instant builds a UTC instant that corresponds to the given New York local
// wall time.
func nyInstant(t *testing.T, year int, month time.Month, day, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(year, month, day, hour, min, 0, 0, loc).UTC()
}

func TestTickClearsAttemptsAtLocalThreeAM(t *testing.T) {
	agents := &stubAgents{agents: []*domain.Agent{nyAgent("a1")}}
	attempts := &stubAttempts{}
	u := NewUsageReset(agents, attempts)

	// 15th of the month: daily clear only, no monthly reset.
	u.Tick(context.Background(), nyInstant(t, 2026, time.September, 15, 3, 0))

	require.Equal(t, 1, attempts.deleteCount())
	assert.Zero(t, agents.resetCount())

	// The delete boundary is local midnight.
	attempts.mu.Lock()
	since := attempts.deletes[0]
	attempts.mu.Unlock()
	loc, _ := time.LoadLocation("America/New_York")
	local := since.In(loc)
	assert.Equal(t, 0, local.Hour())
	assert.Equal(t, 15, local.Day())
}

func TestTickResetsMinutesOnFirstOfMonth(t *testing.T) {
	agents := &stubAgents{agents: []*domain.Agent{nyAgent("a1")}}
	attempts := &stubAttempts{}
	u := NewUsageReset(agents, attempts)

	u.Tick(context.Background(), nyInstant(t, 2026, time.October, 1, 3, 0))

	assert.Equal(t, 1, attempts.deleteCount())
	assert.Equal(t, 1, agents.resetCount())
}

func TestTickIdempotentWithinSameDay(t *testing.T) {
	agents := &stubAgents{agents: []*domain.Agent{nyAgent("a1")}}
	attempts := &stubAttempts{}
	u := NewUsageReset(agents, attempts)

	base := nyInstant(t, 2026, time.September, 15, 3, 0)
	u.Tick(context.Background(), base)
	u.Tick(context.Background(), base.Add(30*time.Second))
	u.Tick(context.Background(), base.Add(45*time.Minute))

	assert.Equal(t, 1, attempts.deleteCount())
}

func TestTickSkipsOutsideResetHour(t *testing.T) {
	agents := &stubAgents{agents: []*domain.Agent{nyAgent("a1")}}
	attempts := &stubAttempts{}
	u := NewUsageReset(agents, attempts)

	u.Tick(context.Background(), nyInstant(t, 2026, time.September, 15, 2, 59))
	u.Tick(context.Background(), nyInstant(t, 2026, time.September, 15, 4, 0))

	assert.Zero(t, attempts.deleteCount())
}

func TestTickRunsAgainNextDay(t *testing.T) {
	agents := &stubAgents{agents: []*domain.Agent{nyAgent("a1")}}
	attempts := &stubAttempts{}
	u := NewUsageReset(agents, attempts)

	u.Tick(context.Background(), nyInstant(t, 2026, time.September, 15, 3, 0))
	u.Tick(context.Background(), nyInstant(t, 2026, time.September, 16, 3, 0))

	assert.Equal(t, 2, attempts.deleteCount())
}

func TestTickPerAgentTimezones(t *testing.T) {
	ny := nyAgent("ny")
	tokyo := &domain.Agent{ID: "tokyo", Timezone: "Asia/Tokyo"}
	agents := &stubAgents{agents: []*domain.Agent{ny, tokyo}}
	attempts := &stubAttempts{}
	u := NewUsageReset(agents, attempts)

	// 03:00 in New York is 16:00 or 17:00 in Tokyo; only the NY agent resets.
	u.Tick(context.Background(), nyInstant(t, 2026, time.September, 15, 3, 0))
	assert.Equal(t, 1, attempts.deleteCount())
}
