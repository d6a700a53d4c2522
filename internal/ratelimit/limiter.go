// Package ratelimit implements per-user sliding-window limits for
// connections, messages and typing indicators.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const windowDuration = time.Minute

// Config holds the per-user limits enforced by the Limiter.
type Config struct {
	MaxConnectionsPerUser     int
	MaxMessagesPerMinute      int
	MaxTypingUpdatesPerMinute int
	BurstLimit                int
	BurstWindow               time.Duration
}

// userState tracks one user's connection count and event windows. Timestamps
// older than the window are purged lazily on each check.
type userState struct {
	connections   int
	messages      []time.Time
	typing        []time.Time
	totalMessages int64
	totalTyping   int64
}

// Limiter enforces per-user rate limits. State is process-local and resets
// on restart, which is acceptable since connections reset with it.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	users map[string]*userState

	now func() time.Time
}

// UserMetrics is a read-only snapshot of a user's limiter state.
type UserMetrics struct {
	Connections     int   `json:"connections"`
	TotalMessages   int64 `json:"total_messages"`
	MessagesLastMin int   `json:"messages_last_minute"`
	TotalTyping     int64 `json:"total_typing_updates"`
	TypingLastMin   int   `json:"typing_updates_last_minute"`
}

// NewLimiter creates a rate limiter with the given limits.
func NewLimiter(cfg Config, logger *zap.Logger) *Limiter {
	return &Limiter{
		cfg:    cfg,
		logger: logger,
		users:  make(map[string]*userState),
		now:    time.Now,
	}
}

func (l *Limiter) state(userID string) *userState {
	st, ok := l.users[userID]
	if !ok {
		st = &userState{}
		l.users[userID] = st
	}
	return st
}

// CanConnect reports whether the user may open another connection.
func (l *Limiter) CanConnect(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.users[userID]
	if !ok {
		return l.cfg.MaxConnectionsPerUser > 0
	}
	return st.connections < l.cfg.MaxConnectionsPerUser
}

// AddConnection records a new connection for the user.
func (l *Limiter) AddConnection(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(userID)
	st.connections++
}

// RemoveConnection records a closed connection for the user. The counter
// floors at zero; a double remove is a no-op.
func (l *Limiter) RemoveConnection(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.users[userID]
	if !ok {
		return
	}
	if st.connections > 0 {
		st.connections--
	}
	l.maybeDrop(userID, st)
}

// maybeDrop deletes a user's state once nothing remains worth keeping,
// bounding the map to users with live activity.
func (l *Limiter) maybeDrop(userID string, st *userState) {
	if st.connections == 0 && len(st.messages) == 0 && len(st.typing) == 0 {
		delete(l.users, userID)
	}
}

// CanSendMessage reports whether the user may send a message now. The burst
// sub-window is checked first so a short burst is rejected even when the
// per-minute count is still under the limit.
func (l *Limiter) CanSendMessage(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(userID)
	st.messages = purge(st.messages, now.Add(-windowDuration))

	burst := 0
	burstCutoff := now.Add(-l.cfg.BurstWindow)
	for _, ts := range st.messages {
		if ts.After(burstCutoff) {
			burst++
		}
	}
	if burst >= l.cfg.BurstLimit {
		l.logger.Warn("message burst limit reached",
			zap.String("user_id", userID),
			zap.Int("burst_count", burst),
		)
		return false
	}

	return len(st.messages) < l.cfg.MaxMessagesPerMinute
}

// RecordMessage appends the current timestamp to the user's message window.
// Callers are expected to have passed CanSendMessage first; the limiter does
// not enforce that ordering itself.
func (l *Limiter) RecordMessage(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(userID)
	st.messages = append(st.messages, l.now())
	st.totalMessages++
}

// CanSendTypingUpdate reports whether the user may send a typing indicator.
func (l *Limiter) CanSendTypingUpdate(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(userID)
	st.typing = purge(st.typing, now.Add(-windowDuration))

	return len(st.typing) < l.cfg.MaxTypingUpdatesPerMinute
}

// RecordTypingUpdate appends the current timestamp to the typing window.
func (l *Limiter) RecordTypingUpdate(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(userID)
	st.typing = append(st.typing, l.now())
	st.totalTyping++
}

// UserMetrics returns a snapshot of the user's limiter state.
func (l *Limiter) UserMetrics(userID string) UserMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.users[userID]
	if !ok {
		return UserMetrics{}
	}

	cutoff := l.now().Add(-windowDuration)
	return UserMetrics{
		Connections:     st.connections,
		TotalMessages:   st.totalMessages,
		MessagesLastMin: countAfter(st.messages, cutoff),
		TotalTyping:     st.totalTyping,
		TypingLastMin:   countAfter(st.typing, cutoff),
	}
}

// Snapshot returns metrics for every tracked user.
func (l *Limiter) Snapshot() map[string]UserMetrics {
	l.mu.Lock()
	userIDs := make([]string, 0, len(l.users))
	for id := range l.users {
		userIDs = append(userIDs, id)
	}
	l.mu.Unlock()

	out := make(map[string]UserMetrics, len(userIDs))
	for _, id := range userIDs {
		out[id] = l.UserMetrics(id)
	}
	return out
}

// purge drops timestamps at or before the cutoff, preserving order.
func purge(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

func countAfter(stamps []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
