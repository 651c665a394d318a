package repository

import (
	"context"
	"time"

	"github.com/callfleet/voice-dialer/pkg/logger"
	"go.uber.org/zap"
)

// UsageRecorder writes per-call accounting into the agent row and the daily
// dashboard counters. Failures are logged, never returned; a live call must
// not stall on bookkeeping.
type UsageRecorder struct {
	agents AgentRepository
	stats  DashboardStatRepository
}

func NewUsageRecorder(agents AgentRepository, stats DashboardStatRepository) *UsageRecorder {
	return &UsageRecorder{agents: agents, stats: stats}
}

func (u *UsageRecorder) RecordConversation(ctx context.Context, agentID string) {
	if err := u.stats.IncrConversations(ctx, agentID, u.localDate(ctx, agentID)); err != nil {
		logger.Base().Error("failed to record conversation",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (u *UsageRecorder) RecordMinutes(ctx context.Context, agentID string, minutes int) {
	if minutes <= 0 {
		return
	}
	if err := u.agents.AddMinutesUsed(ctx, agentID, minutes); err != nil {
		logger.Base().Error("failed to record minutes",
			zap.String("agent_id", agentID),
			zap.Int("minutes", minutes),
			zap.Error(err))
	}
}

func (u *UsageRecorder) RecordAppointment(ctx context.Context, agentID string) {
	if err := u.stats.IncrAppointments(ctx, agentID, u.localDate(ctx, agentID)); err != nil {
		logger.Base().Error("failed to record appointment",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// localDate resolves today's date in the agent's timezone, falling back to
// server time when the agent cannot be loaded.
func (u *UsageRecorder) localDate(ctx context.Context, agentID string) string {
	now := time.Now()
	if agent, err := u.agents.GetByID(ctx, agentID); err == nil {
		now = now.In(agent.Location())
	}
	return now.Format("2006-01-02")
}
