package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harborworks/relayserver/internal/channel"
	"github.com/harborworks/relayserver/internal/protocol"
	"github.com/harborworks/relayserver/internal/ratelimit"
	"github.com/harborworks/relayserver/internal/recovery"
)

type fakeVerifier struct{}

// Tokens are "user:<id>"; anything else fails verification.
func (fakeVerifier) Verify(_ context.Context, token string) (string, error) {
	var userID string
	if _, err := fmt.Sscanf(token, "user:%s", &userID); err != nil {
		return "", errors.New("bad token")
	}
	return userID, nil
}

type fakeStore struct {
	mu       sync.Mutex
	saved    []*protocol.ChatMessage
	history  []*protocol.ChatMessage
	failSave bool
	nextID   int
}

func (s *fakeStore) SaveMessage(_ context.Context, msg *protocol.ChatMessage) (*protocol.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return nil, errors.New("db down")
	}
	s.nextID++
	cp := *msg
	cp.ID = fmt.Sprintf("stored-%d", s.nextID)
	s.saved = append(s.saved, &cp)
	return &cp, nil
}

func (s *fakeStore) RecentMessages(_ context.Context, limit int) ([]*protocol.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && len(s.history) > limit {
		return s.history[len(s.history)-limit:], nil
	}
	return s.history, nil
}

type fakeHandle struct {
	mu      sync.Mutex
	sent    []any
	failing bool
	closed  bool
	code    int
}

func (f *fakeHandle) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("write failed")
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeHandle) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func (f *fakeHandle) frames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeHandle) framesOf(t protocol.FrameType) []any {
	var out []any
	for _, v := range f.frames() {
		switch fr := v.(type) {
		case *protocol.ChatMessage:
			if fr.Type == t {
				out = append(out, v)
			}
		case *protocol.Typing:
			if fr.Type == t {
				out = append(out, v)
			}
		case *protocol.ReadReceipt:
			if fr.Type == t {
				out = append(out, v)
			}
		case *protocol.Presence:
			if fr.Type == t {
				out = append(out, v)
			}
		case *protocol.HeartbeatAck:
			if fr.Type == t {
				out = append(out, v)
			}
		case *protocol.History:
			if fr.Type == t {
				out = append(out, v)
			}
		case *protocol.ErrorFrame:
			if fr.Type == t {
				out = append(out, v)
			}
		}
	}
	return out
}

type harness struct {
	reg     *Registry
	store   *fakeStore
	limiter *ratelimit.Limiter
	pool    *channel.Pool
	rec     *recovery.Manager
}

func newHarness(t *testing.T, mutate func(*Config, *ratelimit.Config, *channel.Config, *recovery.Config)) *harness {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	cfg := Config{
		HistoryLimit:  10,
		RetryInterval: time.Hour, // Retries driven manually in tests.
		MaxRetries:    3,
	}
	rlCfg := ratelimit.Config{
		MaxConnectionsPerUser:     5,
		MaxMessagesPerMinute:      100,
		MaxTypingUpdatesPerMinute: 100,
		BurstLimit:                50,
		BurstWindow:               10 * time.Second,
	}
	poolCfg := channel.Config{
		MaxConnections:           100,
		MaxChannels:              10,
		MaxConnectionsPerChannel: 10,
		MessageBufferSize:        20,
		CleanupInterval:          time.Hour,
	}
	recCfg := recovery.Config{
		HeartbeatInterval:   30 * time.Second,
		SessionTimeout:      2 * time.Minute,
		MaxMissedHeartbeats: 3,
		MaxRecoveryAttempts: 2,
		BufferSize:          10,
	}
	if mutate != nil {
		mutate(&cfg, &rlCfg, &poolCfg, &recCfg)
	}

	store := &fakeStore{}
	limiter := ratelimit.NewLimiter(rlCfg, logger)
	pool := channel.NewPool(poolCfg, logger)
	rec := recovery.NewManager(recCfg, logger)
	reg := New(cfg, fakeVerifier{}, store, limiter, pool, rec, logger)

	return &harness{reg: reg, store: store, limiter: limiter, pool: pool, rec: rec}
}

func (h *harness) connect(t *testing.T, userID, clientID string, lastSeq *int64) (*fakeHandle, Outcome) {
	t.Helper()
	handle := &fakeHandle{}
	out := h.reg.Connect(context.Background(), handle, ConnectParams{
		ClientID:     clientID,
		Channel:      "general",
		Token:        "user:" + userID,
		LastSequence: lastSeq,
	})
	return handle, out
}

func messageFrame(t *testing.T, content string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"type": "message", "content": content})
	require.NoError(t, err)
	return data
}

func TestConnect_Admitted(t *testing.T) {
	h := newHarness(t, nil)
	h.store.history = []*protocol.ChatMessage{
		{Type: protocol.FrameMessage, ID: "old-1", Content: "welcome"},
	}

	peer, out := h.connect(t, "alice", "c1", nil)
	require.True(t, out.Admitted)
	assert.Equal(t, "alice:c1", out.Key)

	// The new connection received the durable history.
	hist := peer.framesOf(protocol.FrameHistory)
	require.Len(t, hist, 1)
	assert.Len(t, hist[0].(*protocol.History).Messages, 1)

	// A second connection sees the first's presence announcements.
	other, out2 := h.connect(t, "bob", "c1", nil)
	require.True(t, out2.Admitted)
	online := peer.framesOf(protocol.FramePresence)
	require.Len(t, online, 1)
	pr := online[0].(*protocol.Presence)
	assert.Equal(t, "bob", pr.UserID)
	assert.Equal(t, protocol.StatusOnline, pr.Status)
	assert.Empty(t, other.framesOf(protocol.FramePresence), "joiner should not see own presence")

	st := h.reg.Status()
	assert.Equal(t, 2, st.ActiveConnections)
	assert.Equal(t, 2, st.UniqueUsers)
}

func TestConnect_AuthFailure(t *testing.T) {
	h := newHarness(t, nil)
	handle := &fakeHandle{}

	out := h.reg.Connect(context.Background(), handle, ConnectParams{
		ClientID: "c1",
		Channel:  "general",
		Token:    "garbage",
	})

	require.False(t, out.Admitted)
	assert.Equal(t, protocol.CloseUnauthorized, out.Code)
	assert.Equal(t, 0, h.pool.Metrics().TotalConnections, "no partial state on auth failure")
}

func TestConnect_TooManyConnections(t *testing.T) {
	h := newHarness(t, func(_ *Config, rl *ratelimit.Config, _ *channel.Config, _ *recovery.Config) {
		rl.MaxConnectionsPerUser = 1
	})

	_, out := h.connect(t, "alice", "c1", nil)
	require.True(t, out.Admitted)

	_, out2 := h.connect(t, "alice", "c2", nil)
	require.False(t, out2.Admitted)
	assert.Equal(t, protocol.CloseTooManyConnections, out2.Code)
	assert.Equal(t, 1, h.pool.Metrics().TotalConnections)
}

func TestConnect_PoolFullUnwindsLimiter(t *testing.T) {
	h := newHarness(t, func(_ *Config, _ *ratelimit.Config, p *channel.Config, _ *recovery.Config) {
		p.MaxConnections = 1
	})

	_, out := h.connect(t, "alice", "c1", nil)
	require.True(t, out.Admitted)

	_, out2 := h.connect(t, "bob", "c1", nil)
	require.False(t, out2.Admitted)
	assert.Equal(t, protocol.ClosePoolFull, out2.Code)

	// Bob's rate-limiter admission was unwound.
	assert.Equal(t, 0, h.limiter.UserMetrics("bob").Connections)
}

func TestConnect_RecoveryFailedUnwinds(t *testing.T) {
	h := newHarness(t, nil)

	seq := int64(3)
	_, out := h.connect(t, "alice", "c1", &seq)

	require.False(t, out.Admitted)
	assert.Equal(t, protocol.CloseRecoveryFailed, out.Code)
	assert.Equal(t, 0, h.pool.Metrics().TotalConnections)
	assert.Equal(t, 0, h.limiter.UserMetrics("alice").Connections)
}

func TestResume_ReplaysMissedMessages(t *testing.T) {
	h := newHarness(t, nil)

	_, out := h.connect(t, "alice", "c1", nil)
	require.True(t, out.Admitted)
	for i := 0; i < 3; i++ {
		h.reg.HandleFrame(context.Background(), out.Key, messageFrame(t, fmt.Sprintf("m%d", i)))
	}

	h.reg.Disconnect(out.Key)

	seq := int64(1)
	handle, out2 := h.connect(t, "alice", "c1", &seq)
	require.True(t, out2.Admitted)

	replayed := handle.framesOf(protocol.FrameMessage)
	require.Len(t, replayed, 2)
	assert.Equal(t, int64(2), replayed[0].(*protocol.ChatMessage).Sequence)
	assert.Equal(t, int64(3), replayed[1].(*protocol.ChatMessage).Sequence)
}

func TestHandleFrame_MessageFlow(t *testing.T) {
	h := newHarness(t, nil)

	sender, out := h.connect(t, "alice", "c1", nil)
	peer, _ := h.connect(t, "bob", "c1", nil)

	h.reg.HandleFrame(context.Background(), out.Key, messageFrame(t, "hello"))

	// Broadcast reaches peers and the sender alike, stamped by the server.
	got := peer.framesOf(protocol.FrameMessage)
	require.Len(t, got, 1)
	msg := got[0].(*protocol.ChatMessage)
	assert.Equal(t, "stored-1", msg.ID)
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, "c1", msg.ClientID)
	assert.Equal(t, int64(1), msg.Sequence)
	assert.False(t, msg.Timestamp.IsZero())

	require.Len(t, sender.framesOf(protocol.FrameMessage), 1)
	assert.Equal(t, int64(1), h.limiter.UserMetrics("alice").TotalMessages)
	require.Len(t, h.store.saved, 1)
}

func TestHandleFrame_RateLimitedMessage(t *testing.T) {
	h := newHarness(t, func(_ *Config, rl *ratelimit.Config, _ *channel.Config, _ *recovery.Config) {
		rl.BurstLimit = 1
	})

	sender, out := h.connect(t, "alice", "c1", nil)

	h.reg.HandleFrame(context.Background(), out.Key, messageFrame(t, "first"))
	h.reg.HandleFrame(context.Background(), out.Key, messageFrame(t, "second"))

	errs := sender.framesOf(protocol.FrameError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(*protocol.ErrorFrame).Message, "rate limit")

	// Connection is still live: a heartbeat is still answered.
	h.reg.HandleFrame(context.Background(), out.Key, []byte(`{"type":"heartbeat"}`))
	assert.Len(t, sender.framesOf(protocol.FrameHeartbeatAck), 1)

	// Only the first message was accepted.
	assert.Len(t, h.store.saved, 1)
}

func TestHandleFrame_StoreFailureFailOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.store.failSave = true

	sender, out := h.connect(t, "alice", "c1", nil)
	peer, _ := h.connect(t, "bob", "c1", nil)

	h.reg.HandleFrame(context.Background(), out.Key, messageFrame(t, "hello"))

	// Broadcast proceeded with a locally generated id.
	got := peer.framesOf(protocol.FrameMessage)
	require.Len(t, got, 1)
	msg := got[0].(*protocol.ChatMessage)
	assert.NotEmpty(t, msg.ID)
	assert.NotContains(t, msg.ID, "stored-")

	// Sender was told persistence failed.
	errs := sender.framesOf(protocol.FrameError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(*protocol.ErrorFrame).Message, "not persisted")
}

func TestHandleFrame_Heartbeat(t *testing.T) {
	h := newHarness(t, nil)
	sender, out := h.connect(t, "alice", "c1", nil)

	h.reg.HandleFrame(context.Background(), out.Key, []byte(`{"type":"heartbeat"}`))

	assert.Len(t, sender.framesOf(protocol.FrameHeartbeatAck), 1)
}

func TestHandleFrame_Typing(t *testing.T) {
	h := newHarness(t, nil)
	sender, out := h.connect(t, "alice", "c1", nil)
	peer, _ := h.connect(t, "bob", "c1", nil)

	h.reg.HandleFrame(context.Background(), out.Key, []byte(`{"type":"typing","is_typing":true}`))

	got := peer.framesOf(protocol.FrameTyping)
	require.Len(t, got, 1)
	ty := got[0].(*protocol.Typing)
	assert.Equal(t, "alice", ty.UserID)
	assert.True(t, ty.IsTyping)
	assert.Empty(t, sender.framesOf(protocol.FrameTyping), "typing is not echoed to sender")

	assert.Equal(t, 1, h.reg.Status().TypingUsers)
	assert.Equal(t, int64(1), h.limiter.UserMetrics("alice").TotalTyping)
}

func TestHandleFrame_ReadReceipt(t *testing.T) {
	h := newHarness(t, nil)
	_, out := h.connect(t, "alice", "c1", nil)
	peer, _ := h.connect(t, "bob", "c1", nil)

	h.reg.HandleFrame(context.Background(), out.Key,
		[]byte(`{"type":"read_receipt","message_id":"stored-9"}`))

	got := peer.framesOf(protocol.FrameReadReceipt)
	require.Len(t, got, 1)
	rc := got[0].(*protocol.ReadReceipt)
	assert.Equal(t, "stored-9", rc.MessageID)
	assert.Equal(t, "alice", rc.UserID)

	readers := h.reg.Receipts("stored-9")
	require.Contains(t, readers, "alice")
}

func TestHandleFrame_MalformedAndUnknown(t *testing.T) {
	h := newHarness(t, nil)
	sender, out := h.connect(t, "alice", "c1", nil)

	h.reg.HandleFrame(context.Background(), out.Key, []byte(`{"type":`))
	h.reg.HandleFrame(context.Background(), out.Key, []byte(`{"type":"voice_join"}`))

	errs := sender.framesOf(protocol.FrameError)
	require.Len(t, errs, 2)

	// Still open afterwards.
	h.reg.HandleFrame(context.Background(), out.Key, []byte(`{"type":"heartbeat"}`))
	assert.Len(t, sender.framesOf(protocol.FrameHeartbeatAck), 1)
}

func TestDisconnect_RetainsRecoverySession(t *testing.T) {
	h := newHarness(t, nil)
	_, out := h.connect(t, "alice", "c1", nil)
	peer, _ := h.connect(t, "bob", "c1", nil)

	h.reg.Disconnect(out.Key)
	h.reg.Disconnect(out.Key) // Idempotent.

	assert.Equal(t, 0, h.limiter.UserMetrics("alice").Connections)
	assert.Equal(t, 1, h.pool.Metrics().TotalConnections)
	assert.True(t, h.rec.CanRecover(out.Key), "session must survive disconnect")

	offline := peer.framesOf(protocol.FramePresence)
	require.Len(t, offline, 1)
	assert.Equal(t, "alice", offline[0].(*protocol.Presence).UserID)
	assert.Equal(t, protocol.StatusOffline, offline[0].(*protocol.Presence).Status)
}

func TestRetry_RedeliversQueuedFailures(t *testing.T) {
	h := newHarness(t, nil)
	handle, out := h.connect(t, "alice", "c1", nil)

	handle.mu.Lock()
	handle.failing = true
	handle.mu.Unlock()

	h.reg.HandleFrame(context.Background(), out.Key, []byte(`{"type":"heartbeat"}`))
	assert.Empty(t, handle.framesOf(protocol.FrameHeartbeatAck))

	conn := h.reg.getConn(out.Key)
	require.NotNil(t, conn)

	handle.mu.Lock()
	handle.failing = false
	handle.mu.Unlock()

	h.reg.retryFailed(conn)
	assert.Len(t, handle.framesOf(protocol.FrameHeartbeatAck), 1)

	conn.queueMu.Lock()
	assert.Empty(t, conn.failed)
	conn.queueMu.Unlock()
}

func TestRetry_DropsAfterMaxRetries(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *ratelimit.Config, _ *channel.Config, _ *recovery.Config) {
		cfg.MaxRetries = 2
	})
	handle, out := h.connect(t, "alice", "c1", nil)

	handle.mu.Lock()
	handle.failing = true
	handle.mu.Unlock()

	h.reg.HandleFrame(context.Background(), out.Key, []byte(`{"type":"heartbeat"}`))

	conn := h.reg.getConn(out.Key)
	h.reg.retryFailed(conn)
	h.reg.retryFailed(conn)

	conn.queueMu.Lock()
	assert.Empty(t, conn.failed, "entry dropped once retries are exhausted")
	conn.queueMu.Unlock()
}

func TestConnect_SupersedesExistingConnection(t *testing.T) {
	h := newHarness(t, nil)

	old, out := h.connect(t, "alice", "c1", nil)
	require.True(t, out.Admitted)

	fresh, out2 := h.connect(t, "alice", "c1", nil)
	require.True(t, out2.Admitted)
	assert.Equal(t, out.Key, out2.Key)

	old.mu.Lock()
	assert.True(t, old.closed)
	old.mu.Unlock()

	assert.Equal(t, 1, h.pool.Metrics().TotalConnections)
	assert.Equal(t, 1, h.limiter.UserMetrics("alice").Connections)

	// Frames still route to the fresh handle.
	h.reg.HandleFrame(context.Background(), out2.Key, []byte(`{"type":"heartbeat"}`))
	assert.Len(t, fresh.framesOf(protocol.FrameHeartbeatAck), 1)
}

func TestShutdown_ClosesEverything(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.connect(t, "alice", "c1", nil)
	b, _ := h.connect(t, "bob", "c1", nil)

	h.reg.Shutdown()

	a.mu.Lock()
	assert.True(t, a.closed)
	assert.Equal(t, protocol.CloseNormal, a.code)
	a.mu.Unlock()
	b.mu.Lock()
	assert.True(t, b.closed)
	b.mu.Unlock()

	assert.Equal(t, 0, h.reg.Status().ActiveConnections)
}
