package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/callfleet/voice-dialer/pkg/logger"
	"github.com/callfleet/voice-dialer/pkg/redis"
	"go.uber.org/zap"
)

const (
	CleanupChannel = "dialer:voice:session:cleanup"
	SessionTTL     = 1 * time.Hour
)

// Info is the monitoring record kept in Redis for each live session so a
// multi-pod deployment can see and clean up calls owned by other instances.
type Info struct {
	SessionID   string    `json:"sessionId"`
	PodID       string    `json:"podId"`
	AgentID     string    `json:"agentId"`
	StartTime   time.Time `json:"startTime"`
	ChannelType string    `json:"channelType"`
}

// cleanupMessage is the payload for the cleanup broadcast.
type cleanupMessage struct {
	SessionID string `json:"sessionId"`
}

// Manager tracks live sessions in-process and mirrors them into Redis.
type Manager struct {
	redisSvc redis.ServiceInterface
	podID    string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. redisSvc may be nil for single-pod
// deployments; the in-process registry still works.
func NewManager(redisSvc redis.ServiceInterface, podID string) *Manager {
	return &Manager{
		redisSvc: redisSvc,
		podID:    podID,
		sessions: make(map[string]*Session),
	}
}

// Add registers a live session.
func (m *Manager) Add(ctx context.Context, s *Session, agentID, channelType string) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.redisSvc == nil {
		return
	}
	info := Info{
		SessionID:   s.ID,
		PodID:       m.podID,
		AgentID:     agentID,
		StartTime:   time.Now(),
		ChannelType: channelType,
	}
	data, _ := json.Marshal(info)
	key := m.redisSvc.GenerateKey(redis.SESSION_INFO, s.ID)
	if err := m.redisSvc.SetValue(ctx, key, string(data), SessionTTL); err != nil {
		logger.Base().Warn("failed to register session in redis",
			zap.String("session_id", s.ID), zap.Error(err))
	}
}

// Remove unregisters a session after it closes.
func (m *Manager) Remove(ctx context.Context, sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if m.redisSvc != nil {
		key := m.redisSvc.GenerateKey(redis.SESSION_INFO, sessionID)
		_ = m.redisSvc.DelValue(ctx, key)
	}
}

// Get returns a live session by ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Count returns the number of live sessions on this instance.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// NotifyCleanup broadcasts a cleanup request to all pods.
func (m *Manager) NotifyCleanup(ctx context.Context, sessionID string) error {
	if m.redisSvc == nil {
		return fmt.Errorf("cleanup broadcast requires redis")
	}
	return m.redisSvc.Publish(ctx, CleanupChannel, cleanupMessage{SessionID: sessionID})
}

// SubscribeToCleanup closes local sessions named in cleanup broadcasts.
func (m *Manager) SubscribeToCleanup(ctx context.Context) error {
	if m.redisSvc == nil {
		return nil
	}
	return m.redisSvc.Subscribe(ctx, CleanupChannel, func(payload string) {
		var msg cleanupMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("failed to unmarshal cleanup message", zap.Error(err))
			return
		}
		if s, ok := m.Get(msg.SessionID); ok {
			s.Close()
			m.Remove(ctx, msg.SessionID)
		}
	})
}
