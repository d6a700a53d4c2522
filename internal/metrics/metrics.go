// Package metrics exposes the registry's status snapshot as Prometheus
// gauges. The collector polls on scrape rather than keeping counters of
// its own, so the metrics endpoint can never drift from /status.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/harborworks/relayserver/internal/registry"
)

// StatusSource yields the current registry status. Satisfied by
// *registry.Registry.
type StatusSource interface {
	Status() registry.Status
}

// Collector implements prometheus.Collector over a StatusSource.
type Collector struct {
	source StatusSource

	activeConnections *prometheus.Desc
	uniqueUsers       *prometheus.Desc
	typingUsers       *prometheus.Desc
	poolConnections   *prometheus.Desc
	poolChannels      *prometheus.Desc
	channelMembers    *prometheus.Desc
	recoverySessions  *prometheus.Desc
	staleSessions     *prometheus.Desc
	bufferedMessages  *prometheus.Desc
}

// NewCollector creates a collector that reads from source on every scrape.
func NewCollector(source StatusSource) *Collector {
	return &Collector{
		source: source,
		activeConnections: prometheus.NewDesc(
			"relay_active_connections",
			"Number of live connections in the registry.",
			nil, nil,
		),
		uniqueUsers: prometheus.NewDesc(
			"relay_unique_users",
			"Number of distinct users with at least one live connection.",
			nil, nil,
		),
		typingUsers: prometheus.NewDesc(
			"relay_typing_users",
			"Number of connections currently flagged as typing.",
			nil, nil,
		),
		poolConnections: prometheus.NewDesc(
			"relay_pool_connections",
			"Total connections held by the channel pool.",
			nil, nil,
		),
		poolChannels: prometheus.NewDesc(
			"relay_pool_channels",
			"Number of active channels in the pool.",
			nil, nil,
		),
		channelMembers: prometheus.NewDesc(
			"relay_channel_members",
			"Connections per channel.",
			[]string{"channel"}, nil,
		),
		recoverySessions: prometheus.NewDesc(
			"relay_recovery_sessions",
			"Recovery sessions currently tracked.",
			nil, nil,
		),
		staleSessions: prometheus.NewDesc(
			"relay_recovery_stale_sessions",
			"Recovery sessions past the missed-heartbeat threshold.",
			nil, nil,
		),
		bufferedMessages: prometheus.NewDesc(
			"relay_recovery_buffered_messages",
			"Messages buffered for replay across all recovery sessions.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConnections
	ch <- c.uniqueUsers
	ch <- c.typingUsers
	ch <- c.poolConnections
	ch <- c.poolChannels
	ch <- c.channelMembers
	ch <- c.recoverySessions
	ch <- c.staleSessions
	ch <- c.bufferedMessages
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	status := c.source.Status()

	ch <- prometheus.MustNewConstMetric(c.activeConnections,
		prometheus.GaugeValue, float64(status.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(c.uniqueUsers,
		prometheus.GaugeValue, float64(status.UniqueUsers))
	ch <- prometheus.MustNewConstMetric(c.typingUsers,
		prometheus.GaugeValue, float64(status.TypingUsers))
	ch <- prometheus.MustNewConstMetric(c.poolConnections,
		prometheus.GaugeValue, float64(status.Pool.TotalConnections))
	ch <- prometheus.MustNewConstMetric(c.poolChannels,
		prometheus.GaugeValue, float64(status.Pool.TotalChannels))
	for name, cm := range status.Pool.Channels {
		ch <- prometheus.MustNewConstMetric(c.channelMembers,
			prometheus.GaugeValue, float64(cm.Connections), name)
	}
	ch <- prometheus.MustNewConstMetric(c.recoverySessions,
		prometheus.GaugeValue, float64(status.Recovery.Sessions))
	ch <- prometheus.MustNewConstMetric(c.staleSessions,
		prometheus.GaugeValue, float64(status.Recovery.StaleSessions))
	ch <- prometheus.MustNewConstMetric(c.bufferedMessages,
		prometheus.GaugeValue, float64(status.Recovery.BufferedTotal))
}
