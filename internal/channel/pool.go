// Package channel groups live connections into named channels, bounds their
// number and size, and fans out broadcasts with a per-channel history buffer.
package channel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harborworks/relayserver/internal/protocol"
)

// Handle is the send/close capability of a live connection as seen by the
// pool. Send must not block; implementations enqueue onto a bounded buffer
// and fail fast when it is unavailable.
type Handle interface {
	Send(v any) error
	Close(code int, reason string) error
}

// Config holds the pool's capacity caps and sweep interval.
type Config struct {
	MaxConnections           int
	MaxChannels              int
	MaxConnectionsPerChannel int
	MessageBufferSize        int
	CleanupInterval          time.Duration
}

// channelState is one named channel: its members keyed by connection key,
// a bounded FIFO of recently broadcast payloads, and an activity stamp.
type channelState struct {
	members      map[string]Handle
	buffer       []any
	lastActivity time.Time
}

// Pool owns the channel map. All mutation goes through its methods; the
// internal lock is never held across calls into other components.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]*channelState
	total    int

	now func() time.Time
}

// ChannelMetrics describes one channel in a metrics snapshot.
type ChannelMetrics struct {
	Connections  int       `json:"connections"`
	BufferedMsgs int       `json:"buffered_messages"`
	LastActivity time.Time `json:"last_activity"`
}

// Metrics is a read-only snapshot of the pool.
type Metrics struct {
	TotalConnections int                       `json:"total_connections"`
	TotalChannels    int                       `json:"total_channels"`
	Channels         map[string]ChannelMetrics `json:"channels"`
}

// NewPool creates a channel pool with the given caps.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		logger:   logger,
		channels: make(map[string]*channelState),
		now:      time.Now,
	}
}

// AddConnection admits a connection into the named channel. Checks run in
// global -> channel-count -> per-channel order so a rejection at any stage
// leaves no partial state. Returns false on rejection.
func (p *Pool) AddConnection(key string, h Handle, channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.total >= p.cfg.MaxConnections {
		p.logger.Warn("pool at global connection cap",
			zap.Int("total", p.total),
			zap.String("channel", channel),
		)
		return false
	}

	ch, exists := p.channels[channel]
	if !exists {
		if len(p.channels) >= p.cfg.MaxChannels {
			p.logger.Warn("pool at channel cap",
				zap.Int("channels", len(p.channels)),
				zap.String("channel", channel),
			)
			return false
		}
		ch = &channelState{members: make(map[string]Handle)}
		p.channels[channel] = ch
		p.logger.Info("channel created", zap.String("channel", channel))
	}

	if len(ch.members) >= p.cfg.MaxConnectionsPerChannel {
		if len(ch.members) == 0 {
			// Freshly created above but unusable; do not leave it behind.
			delete(p.channels, channel)
		}
		p.logger.Warn("channel at member cap",
			zap.String("channel", channel),
			zap.Int("members", len(ch.members)),
		)
		return false
	}

	ch.members[key] = h
	ch.lastActivity = p.now()
	p.total++

	p.logger.Debug("connection joined channel",
		zap.String("key", key),
		zap.String("channel", channel),
		zap.Int("members", len(ch.members)),
	)
	return true
}

// RemoveConnection removes a connection from the channel. When the channel
// becomes empty it is deleted entirely, buffer included, to bound memory.
// Removing an absent member is a no-op.
func (p *Pool) RemoveConnection(key string, channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.channels[channel]
	if !ok {
		return
	}
	if _, ok := ch.members[key]; !ok {
		return
	}

	delete(ch.members, key)
	p.total--

	if len(ch.members) == 0 {
		delete(p.channels, channel)
		p.logger.Info("channel deleted", zap.String("channel", channel))
		return
	}

	p.logger.Debug("connection left channel",
		zap.String("key", key),
		zap.String("channel", channel),
		zap.Int("members", len(ch.members)),
	)
}

// Broadcast appends the payload to the channel buffer and writes it to every
// member except exclude. Members whose write fails are pruned from the
// channel rather than retried; redelivery to a connection's own handle is the
// registry's concern. A broadcast to an absent channel is a no-op.
func (p *Pool) Broadcast(channel string, payload any, exclude string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.channels[channel]
	if !ok {
		return
	}

	ch.buffer = append(ch.buffer, payload)
	if len(ch.buffer) > p.cfg.MessageBufferSize {
		ch.buffer = ch.buffer[len(ch.buffer)-p.cfg.MessageBufferSize:]
	}
	ch.lastActivity = p.now()

	var failed []string
	for key, h := range ch.members {
		if key == exclude {
			continue
		}
		if err := h.Send(payload); err != nil {
			p.logger.Warn("broadcast write failed, pruning member",
				zap.String("key", key),
				zap.String("channel", channel),
				zap.Error(err),
			)
			failed = append(failed, key)
		}
	}

	for _, key := range failed {
		delete(ch.members, key)
		p.total--
	}
	if len(ch.members) == 0 {
		delete(p.channels, channel)
	}
}

// History returns the most recent limit payloads broadcast to the channel,
// oldest first. A non-positive limit returns the whole buffer.
func (p *Pool) History(channel string, limit int) []any {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.channels[channel]
	if !ok {
		return nil
	}

	buf := ch.buffer
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	out := make([]any, len(buf))
	copy(out, buf)
	return out
}

// Cleanup sweeps channels idle past the cleanup interval, force-closing their
// members with a channel-inactive close code before deleting the channel.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.cfg.CleanupInterval)
	for name, ch := range p.channels {
		if ch.lastActivity.After(cutoff) {
			continue
		}

		for key, h := range ch.members {
			if err := h.Close(protocol.CloseChannelInactive, "channel inactive"); err != nil {
				p.logger.Debug("close failed during channel sweep",
					zap.String("key", key),
					zap.Error(err),
				)
			}
		}
		p.total -= len(ch.members)
		delete(p.channels, name)

		p.logger.Info("swept inactive channel",
			zap.String("channel", name),
			zap.Time("last_activity", ch.lastActivity),
		)
	}
}

// Run sweeps idle channels every CleanupInterval until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	p.logger.Info("started channel cleanup job",
		zap.Duration("interval", p.cfg.CleanupInterval),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("stopping channel cleanup job")
			return
		case <-ticker.C:
			p.Cleanup()
		}
	}
}

// Metrics returns a snapshot of per-channel and total counts.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		TotalConnections: p.total,
		TotalChannels:    len(p.channels),
		Channels:         make(map[string]ChannelMetrics, len(p.channels)),
	}
	for name, ch := range p.channels {
		m.Channels[name] = ChannelMetrics{
			Connections:  len(ch.members),
			BufferedMsgs: len(ch.buffer),
			LastActivity: ch.lastActivity,
		}
	}
	return m
}
