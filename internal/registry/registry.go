// Package registry owns the authoritative map of live connections and drives
// the connect/message/disconnect protocol end to end, composing the rate
// limiter, channel pool and recovery manager. Admission runs each collaborator
// in sequence and unwinds already-granted steps when a later one rejects.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harborworks/relayserver/internal/channel"
	"github.com/harborworks/relayserver/internal/protocol"
	"github.com/harborworks/relayserver/internal/ratelimit"
	"github.com/harborworks/relayserver/internal/recovery"
)

// TokenVerifier is the external identity check consumed once per connect
// attempt. Any failure is treated as unauthorized.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// MessageStore is the durable storage collaborator. SaveMessage is called
// before broadcast so payloads carry a durable id; RecentMessages seeds a
// newly admitted connection with history.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *protocol.ChatMessage) (*protocol.ChatMessage, error)
	RecentMessages(ctx context.Context, limit int) ([]*protocol.ChatMessage, error)
}

// Config holds orchestrator parameters.
type Config struct {
	HistoryLimit  int
	RetryInterval time.Duration
	MaxRetries    int
}

// ConnectParams are the caller-supplied admission inputs. A non-nil
// LastSequence signals a resume attempt.
type ConnectParams struct {
	ClientID     string
	Channel      string
	Token        string
	LastSequence *int64
}

// Outcome is the explicit result of an admission attempt. Rejections carry
// the close code and reason the transport should use; no frame is sent since
// no connection exists yet.
type Outcome struct {
	Admitted bool
	Key      string
	Code     int
	Reason   string
}

func rejected(code int, reason string) Outcome {
	return Outcome{Code: code, Reason: reason}
}

// connection is a live transport handle bound to an authenticated user and a
// client-chosen id. Owned exclusively by the registry.
type connection struct {
	key      string
	userID   string
	clientID string
	channel  string
	handle   channel.Handle

	lastActivity time.Time
	typing       bool

	queueMu sync.Mutex
	failed  []*failedMessage

	cancel context.CancelFunc
}

// Registry is the connection orchestrator.
type Registry struct {
	cfg      Config
	verifier TokenVerifier
	store    MessageStore
	limiter  *ratelimit.Limiter
	pool     *channel.Pool
	sessions *recovery.Manager
	logger   *zap.Logger

	mu       sync.Mutex
	conns    map[string]*connection
	receipts map[string]map[string]time.Time

	now func() time.Time
}

// New creates a connection registry wired to its collaborators.
func New(cfg Config, verifier TokenVerifier, store MessageStore, limiter *ratelimit.Limiter, pool *channel.Pool, sessions *recovery.Manager, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		verifier: verifier,
		store:    store,
		limiter:  limiter,
		pool:     pool,
		sessions: sessions,
		logger:   logger,
		conns:    make(map[string]*connection),
		receipts: make(map[string]map[string]time.Time),
		now:      time.Now,
	}
}

// Key builds the registry key for a user/client pair.
func Key(userID, clientID string) string {
	return userID + ":" + clientID
}

// Connect runs the admission pipeline: auth, rate limit, pool capacity, then
// session resume-or-register. On success the connection is active, missed
// messages are replayed if resuming, recent durable history is sent, a retry
// task is started and presence is broadcast. On rejection every step already
// granted is unwound and the returned Outcome names the close code.
func (r *Registry) Connect(ctx context.Context, h channel.Handle, p ConnectParams) Outcome {
	userID, err := r.verifier.Verify(ctx, p.Token)
	if err != nil {
		r.logger.Warn("connection rejected: auth failed",
			zap.String("client_id", p.ClientID),
			zap.Error(err),
		)
		return rejected(protocol.CloseUnauthorized, "unauthorized")
	}

	key := Key(userID, p.ClientID)

	// A new connection with the same key supersedes the old one.
	r.mu.Lock()
	stale := r.conns[key]
	r.mu.Unlock()
	if stale != nil {
		r.logger.Info("superseding existing connection", zap.String("key", key))
		r.Disconnect(key)
		_ = stale.handle.Close(protocol.ClosePolicyViolation, "superseded by new connection")
	}

	if !r.limiter.CanConnect(userID) {
		r.logger.Warn("connection rejected: too many connections",
			zap.String("user_id", userID),
		)
		return rejected(protocol.CloseTooManyConnections, "too many connections")
	}
	r.limiter.AddConnection(userID)

	if !r.pool.AddConnection(key, h, p.Channel) {
		r.limiter.RemoveConnection(userID)
		return rejected(protocol.ClosePoolFull, "pool full")
	}

	var replay []*protocol.ChatMessage
	if p.LastSequence != nil {
		sess := r.sessions.Recover(key)
		if sess == nil {
			r.pool.RemoveConnection(key, p.Channel)
			r.limiter.RemoveConnection(userID)
			r.logger.Warn("connection rejected: recovery failed",
				zap.String("key", key),
			)
			return rejected(protocol.CloseRecoveryFailed, "recovery failed")
		}
		replay = r.sessions.MissedMessages(key, *p.LastSequence)
	} else {
		r.sessions.Register(key, userID, p.Channel)
	}

	retryCtx, cancel := context.WithCancel(ctx)
	conn := &connection{
		key:          key,
		userID:       userID,
		clientID:     p.ClientID,
		channel:      p.Channel,
		handle:       h,
		lastActivity: r.now(),
		cancel:       cancel,
	}

	r.mu.Lock()
	r.conns[key] = conn
	r.mu.Unlock()

	go r.retryLoop(retryCtx, conn)

	for _, msg := range replay {
		r.send(conn, msg)
	}

	if history, err := r.store.RecentMessages(ctx, r.cfg.HistoryLimit); err != nil {
		r.logger.Warn("failed to load recent history",
			zap.String("key", key),
			zap.Error(err),
		)
	} else if len(history) > 0 {
		r.send(conn, &protocol.History{Type: protocol.FrameHistory, Messages: history})
	}

	r.pool.Broadcast(p.Channel,
		protocol.NewPresence(userID, p.ClientID, protocol.StatusOnline, r.now()), key)

	r.logger.Info("connection active",
		zap.String("key", key),
		zap.String("channel", p.Channel),
		zap.Bool("resumed", p.LastSequence != nil),
		zap.Int("replayed", len(replay)),
	)
	return Outcome{Admitted: true, Key: key}
}

// HandleFrame processes one inbound frame for the keyed connection. Frames
// from a single connection are handled strictly in arrival order by the
// transport's read loop. Protocol errors answer with an error frame and keep
// the connection open.
func (r *Registry) HandleFrame(ctx context.Context, key string, data []byte) {
	conn := r.getConn(key)
	if conn == nil {
		return
	}

	in, err := protocol.Decode(data)
	if err != nil {
		r.logger.Debug("malformed frame",
			zap.String("key", key),
			zap.Error(err),
		)
		r.send(conn, protocol.NewErrorFrame("malformed frame"))
		return
	}

	r.mu.Lock()
	conn.lastActivity = r.now()
	r.mu.Unlock()

	switch in.Type {
	case protocol.FrameHeartbeat:
		r.sessions.UpdateHeartbeat(key)
		r.send(conn, protocol.NewHeartbeatAck(r.now()))

	case protocol.FrameTyping:
		r.handleTyping(conn, in.Typing)

	case protocol.FrameReadReceipt:
		r.handleReadReceipt(conn, in.ReadReceipt)

	case protocol.FrameMessage:
		r.handleMessage(ctx, conn, in.Message)

	default:
		r.send(conn, protocol.NewErrorFrame("unsupported frame type"))
	}
}

func (r *Registry) handleTyping(conn *connection, t *protocol.Typing) {
	if !r.limiter.CanSendTypingUpdate(conn.userID) {
		return
	}

	r.mu.Lock()
	conn.typing = t.IsTyping
	r.mu.Unlock()

	out := &protocol.Typing{
		Type:     protocol.FrameTyping,
		UserID:   conn.userID,
		ClientID: conn.clientID,
		IsTyping: t.IsTyping,
	}
	r.pool.Broadcast(conn.channel, out, conn.key)
	r.limiter.RecordTypingUpdate(conn.userID)
}

func (r *Registry) handleReadReceipt(conn *connection, rc *protocol.ReadReceipt) {
	now := r.now()

	r.mu.Lock()
	readers, ok := r.receipts[rc.MessageID]
	if !ok {
		readers = make(map[string]time.Time)
		r.receipts[rc.MessageID] = readers
	}
	readers[conn.userID] = now
	r.mu.Unlock()

	out := &protocol.ReadReceipt{
		Type:      protocol.FrameReadReceipt,
		MessageID: rc.MessageID,
		UserID:    conn.userID,
		Timestamp: now,
	}
	r.pool.Broadcast(conn.channel, out, conn.key)
}

// handleMessage runs the accept path for a chat message: rate-limit gate,
// durable save, sequence assignment, broadcast, then limiter bookkeeping.
// A storage failure is fail-open: the message is broadcast with a locally
// generated id and the sender is told persistence failed.
func (r *Registry) handleMessage(ctx context.Context, conn *connection, msg *protocol.ChatMessage) {
	if !r.limiter.CanSendMessage(conn.userID) {
		r.send(conn, protocol.NewErrorFrame("rate limit exceeded"))
		return
	}

	msg.Type = protocol.FrameMessage
	msg.UserID = conn.userID
	msg.ClientID = conn.clientID
	msg.Channel = conn.channel
	msg.Timestamp = r.now()

	stored, err := r.store.SaveMessage(ctx, msg)
	if err != nil {
		msg.ID = uuid.New().String()
		r.logger.Error("failed to persist message, broadcasting with local id",
			zap.String("key", conn.key),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		r.send(conn, protocol.NewErrorFrame("message delivered but not persisted"))
	} else {
		msg.ID = stored.ID
	}

	r.sessions.RecordMessage(conn.key, msg)
	r.pool.Broadcast(conn.channel, msg, "")
	r.limiter.RecordMessage(conn.userID)
}

// Disconnect removes the connection from the registry, pool and limiter and
// broadcasts offline presence. The recovery session is deliberately retained
// until the recovery manager's own timeout so the client can resume. Safe to
// call more than once.
func (r *Registry) Disconnect(key string) {
	r.disconnect(key, nil)
}

// DisconnectHandle removes the connection only while it still owns h,
// guarding a stale read loop against tearing down a superseding connection
// registered under the same key.
func (r *Registry) DisconnectHandle(key string, h channel.Handle) {
	r.disconnect(key, h)
}

func (r *Registry) disconnect(key string, h channel.Handle) {
	r.mu.Lock()
	conn, ok := r.conns[key]
	if !ok || (h != nil && conn.handle != h) {
		r.mu.Unlock()
		return
	}
	delete(r.conns, key)
	r.mu.Unlock()

	conn.cancel()
	r.pool.RemoveConnection(key, conn.channel)
	r.limiter.RemoveConnection(conn.userID)

	r.pool.Broadcast(conn.channel,
		protocol.NewPresence(conn.userID, conn.clientID, protocol.StatusOffline, r.now()), key)

	r.logger.Info("connection removed",
		zap.String("key", key),
		zap.String("channel", conn.channel),
	)
}

// Shutdown closes every active connection and stops their retry tasks.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.Disconnect(c.key)
		_ = c.handle.Close(protocol.CloseNormal, "server shutting down")
	}
	r.logger.Info("registry shut down", zap.Int("closed", len(conns)))
}

func (r *Registry) getConn(key string) *connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[key]
}

// Status is the composed read-only view polled by external tooling.
type Status struct {
	ActiveConnections int                              `json:"active_connections"`
	UniqueUsers       int                              `json:"unique_users"`
	TypingUsers       int                              `json:"typing_users"`
	Pool              channel.Metrics                  `json:"pool"`
	Recovery          recovery.Metrics                 `json:"recovery"`
	RateLimits        map[string]ratelimit.UserMetrics `json:"rate_limits"`
}

// Status composes the components' own metrics; there is no separate state.
func (r *Registry) Status() Status {
	r.mu.Lock()
	users := make(map[string]bool)
	typing := 0
	active := len(r.conns)
	for _, c := range r.conns {
		users[c.userID] = true
		if c.typing {
			typing++
		}
	}
	r.mu.Unlock()

	return Status{
		ActiveConnections: active,
		UniqueUsers:       len(users),
		TypingUsers:       typing,
		Pool:              r.pool.Metrics(),
		Recovery:          r.sessions.Metrics(),
		RateLimits:        r.limiter.Snapshot(),
	}
}

// Receipts returns the readers recorded for a message id.
func (r *Registry) Receipts(messageID string) map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	readers, ok := r.receipts[messageID]
	if !ok {
		return nil
	}
	out := make(map[string]time.Time, len(readers))
	for u, at := range readers {
		out[u] = at
	}
	return out
}
