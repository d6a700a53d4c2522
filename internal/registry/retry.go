package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// failedMessage is one undelivered payload awaiting redelivery.
type failedMessage struct {
	payload any
	retries int
}

// send writes a frame to the connection's own handle. A write failure queues
// the payload for the connection's retry loop instead of dropping it.
func (r *Registry) send(conn *connection, v any) {
	if err := conn.handle.Send(v); err != nil {
		conn.queueMu.Lock()
		conn.failed = append(conn.failed, &failedMessage{payload: v})
		queued := len(conn.failed)
		conn.queueMu.Unlock()

		r.logger.Debug("send failed, queued for retry",
			zap.String("key", conn.key),
			zap.Int("queued", queued),
			zap.Error(err),
		)
	}
}

// retryLoop periodically redelivers the connection's failed messages. It is
// started at admission and cancelled with the connection; it only ever
// touches this connection's own queue.
func (r *Registry) retryLoop(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.retryFailed(conn)
		}
	}
}

// retryFailed attempts one redelivery pass. Entries are removed on success
// and dropped with a log once retries are exhausted; everything else stays
// queued ahead of any messages that failed while the pass ran.
func (r *Registry) retryFailed(conn *connection) {
	conn.queueMu.Lock()
	pending := conn.failed
	conn.failed = nil
	conn.queueMu.Unlock()

	if len(pending) == 0 {
		return
	}

	var remaining []*failedMessage
	for _, f := range pending {
		if err := conn.handle.Send(f.payload); err == nil {
			continue
		}
		f.retries++
		if f.retries >= r.cfg.MaxRetries {
			r.logger.Warn("dropping message after retries exhausted",
				zap.String("key", conn.key),
				zap.Int("retries", f.retries),
			)
			continue
		}
		remaining = append(remaining, f)
	}

	conn.queueMu.Lock()
	conn.failed = append(remaining, conn.failed...)
	conn.queueMu.Unlock()
}
