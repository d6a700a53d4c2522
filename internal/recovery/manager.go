// Package recovery tracks per-client session state across connection
// lifetimes: delivery sequence numbers, a bounded replay buffer, and
// heartbeat liveness. A session outlives its socket so a client that
// reconnects within the timeout can resume where it left off.
package recovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harborworks/relayserver/internal/protocol"
)

// Config holds session liveness and replay parameters.
type Config struct {
	HeartbeatInterval   time.Duration
	SessionTimeout      time.Duration
	MaxMissedHeartbeats int
	MaxRecoveryAttempts int
	BufferSize          int
}

// Session is the recovery state for one client key. LastSequence is
// non-decreasing and always equals the sequence of the most recent buffered
// message.
type Session struct {
	Key              string
	UserID           string
	Channel          string
	LastSequence     int64
	LastHeartbeat    time.Time
	MissedHeartbeats int
	RecoveryAttempts int

	buffer []*protocol.ChatMessage
}

// Manager owns the session map. Sessions expire via the periodic sweep, not
// via connection events, so a client that vanishes without a clean close
// still expires deterministically.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// Metrics is a read-only snapshot of session counts.
type Metrics struct {
	Sessions      int `json:"sessions"`
	StaleSessions int `json:"stale_sessions"`
	BufferedTotal int `json:"buffered_messages"`
}

// NewManager creates a recovery manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Register creates a fresh session for the client key, replacing any
// previous one.
func (m *Manager) Register(key, userID, channel string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{
		Key:           key,
		UserID:        userID,
		Channel:       channel,
		LastHeartbeat: m.now(),
	}
	m.sessions[key] = s

	m.logger.Debug("session registered",
		zap.String("key", key),
		zap.String("channel", channel),
	)
	return m.snapshot(s)
}

// UpdateHeartbeat marks the session live now and clears missed-heartbeat
// bookkeeping. Unknown keys are ignored.
func (m *Manager) UpdateHeartbeat(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return
	}
	s.LastHeartbeat = m.now()
	s.MissedHeartbeats = 0
}

// RecordMessage assigns the session's next sequence number, stamps it on the
// message, and appends the message to the bounded replay buffer, evicting the
// oldest entry past capacity. Returns the assigned sequence, or 0 when the
// session is unknown.
func (m *Manager) RecordMessage(key string, msg *protocol.ChatMessage) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return 0
	}

	s.LastSequence++
	msg.Sequence = s.LastSequence

	s.buffer = append(s.buffer, msg)
	if len(s.buffer) > m.cfg.BufferSize {
		s.buffer = s.buffer[len(s.buffer)-m.cfg.BufferSize:]
	}
	return s.LastSequence
}

// CanRecover reports whether the client may resume its session: it must
// exist, be within the session timeout, and have recovery attempts left.
func (m *Manager) CanRecover(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canRecoverLocked(key)
}

func (m *Manager) canRecoverLocked(key string) bool {
	s, ok := m.sessions[key]
	if !ok {
		return false
	}
	if m.now().Sub(s.LastHeartbeat) > m.cfg.SessionTimeout {
		return false
	}
	return s.RecoveryAttempts < m.cfg.MaxRecoveryAttempts
}

// MissedMessages returns buffered messages with sequence > after, in order.
// Messages evicted from the buffer are unrecoverable; the resulting gap is
// visible to the client through the sequence numbers, not an error here.
func (m *Manager) MissedMessages(key string, after int64) []*protocol.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}

	var out []*protocol.ChatMessage
	for _, msg := range s.buffer {
		if msg.Sequence > after {
			out = append(out, msg)
		}
	}
	return out
}

// Recover attempts to resume the session. On success it charges a recovery
// attempt, resets the heartbeat, and returns a session snapshot; the caller
// is responsible for replaying MissedMessages. Returns nil when recovery is
// not possible.
func (m *Manager) Recover(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.canRecoverLocked(key) {
		return nil
	}

	s := m.sessions[key]
	s.RecoveryAttempts++
	s.LastHeartbeat = m.now()
	s.MissedHeartbeats = 0

	m.logger.Info("session recovered",
		zap.String("key", key),
		zap.Int("attempts", s.RecoveryAttempts),
		zap.Int64("last_sequence", s.LastSequence),
	)
	return m.snapshot(s)
}

// CheckHeartbeats recomputes missed-heartbeat counts from elapsed time and
// logs sessions past the threshold. Expiry is solely the sweep's job; a
// session is never deleted here.
func (m *Manager) CheckHeartbeats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, s := range m.sessions {
		elapsed := now.Sub(s.LastHeartbeat)
		if elapsed <= m.cfg.HeartbeatInterval {
			continue
		}
		s.MissedHeartbeats = int(elapsed / m.cfg.HeartbeatInterval)
		if s.MissedHeartbeats >= m.cfg.MaxMissedHeartbeats {
			m.logger.Warn("session missing heartbeats",
				zap.String("key", key),
				zap.Int("missed", s.MissedHeartbeats),
				zap.Duration("elapsed", elapsed),
			)
		}
	}
}

// Sweep deletes sessions whose last heartbeat is older than the session
// timeout, then refreshes missed-heartbeat counts for the survivors.
func (m *Manager) Sweep() {
	m.mu.Lock()
	now := m.now()
	expired := 0
	for key, s := range m.sessions {
		if now.Sub(s.LastHeartbeat) > m.cfg.SessionTimeout {
			delete(m.sessions, key)
			expired++
			m.logger.Info("session expired",
				zap.String("key", key),
				zap.Duration("since_heartbeat", now.Sub(s.LastHeartbeat)),
			)
		}
	}
	m.mu.Unlock()

	if expired > 0 {
		m.logger.Debug("session sweep complete", zap.Int("expired", expired))
	}
	m.CheckHeartbeats()
}

// Run sweeps sessions every heartbeat interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	m.logger.Info("started session cleanup job",
		zap.Duration("interval", m.cfg.HeartbeatInterval),
		zap.Duration("session_timeout", m.cfg.SessionTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stopping session cleanup job")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Metrics returns a snapshot of session counts.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{Sessions: len(m.sessions)}
	for _, s := range m.sessions {
		if s.MissedHeartbeats > 0 {
			out.StaleSessions++
		}
		out.BufferedTotal += len(s.buffer)
	}
	return out
}

// snapshot copies the session's scalar fields; the replay buffer stays owned
// by the manager and is read through MissedMessages.
func (m *Manager) snapshot(s *Session) *Session {
	cp := *s
	cp.buffer = nil
	return &cp
}
