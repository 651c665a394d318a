// Package dispatch decides which leads may be dialed and places the calls.
// Admission runs twice per job: a coarse filter at enqueue time and an
// authoritative re-check in the worker immediately before dialing.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/callfleet/voice-dialer/internal/repository"
)

// Decision is the outcome of an admission check. A skip is a normal result,
// not an error; Reason is recorded for observability.
type Decision struct {
	Admitted bool
	Reason   string
}

func skip(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Admission evaluates an agent's calling policy against its counters.
type Admission struct {
	attempts repository.CallAttemptRepository
	stats    repository.DashboardStatRepository
}

// NewAdmission creates an admission checker over the persistence layer.
func NewAdmission(attempts repository.CallAttemptRepository, stats repository.DashboardStatRepository) *Admission {
	return &Admission{attempts: attempts, stats: stats}
}

// CheckWindow evaluates only the stateless policy rules: agent running,
// weekday allowed, hour inside the calling window, monthly minutes under
// cap. The autopilot uses this as the coarse enqueue-time filter.
func (a *Admission) CheckWindow(agent *domain.Agent, now time.Time) Decision {
	if !agent.Active() {
		return skip("agent not running (status %s)", agent.BotStatus)
	}

	local := now.In(agent.Location())
	weekday := strings.ToLower(local.Weekday().String())
	if len(agent.CallDays) > 0 && !agent.CallDays.Contains(weekday) {
		return skip("%s not in call days", weekday)
	}

	hour := local.Hour()
	if hour < agent.CallTimeStart || hour >= agent.CallTimeEnd {
		return skip("hour %d outside calling window [%d,%d)", hour, agent.CallTimeStart, agent.CallTimeEnd)
	}

	if agent.MonthlyMinuteLimit > 0 && agent.MinutesUsed >= agent.MonthlyMinuteLimit {
		return skip("monthly minutes exhausted (%d/%d)", agent.MinutesUsed, agent.MonthlyMinuteLimit)
	}

	return Decision{Admitted: true}
}

// Check runs the full admission evaluation for one dial candidate: the
// policy window plus the per-day dial limit and the per-contact attempt cap.
func (a *Admission) Check(ctx context.Context, agent *domain.Agent, leadPhone string, now time.Time) (Decision, error) {
	if d := a.CheckWindow(agent, now); !d.Admitted {
		return d, nil
	}

	if agent.DialLimit > 0 {
		date := now.In(agent.Location()).Format("2006-01-02")
		stat, err := a.stats.GetDay(ctx, agent.ID, date)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to read day dial count: %w", err)
		}
		if stat.DialsCount >= agent.DialLimit {
			return skip("daily dial limit reached (%d/%d)", stat.DialsCount, agent.DialLimit), nil
		}
	}

	if agent.MaxCallsPerContact > 0 {
		count, err := a.attempts.CountForPair(ctx, agent.ID, leadPhone)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to read attempt count: %w", err)
		}
		if count >= agent.MaxCallsPerContact {
			return skip("contact attempt cap reached (%d/%d)", count, agent.MaxCallsPerContact), nil
		}
	}

	return Decision{Admitted: true}, nil
}
