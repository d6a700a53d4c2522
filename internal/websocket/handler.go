package websocket

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/harborworks/relayserver/internal/protocol"
	"github.com/harborworks/relayserver/internal/registry"
)

const defaultChannel = "general"

// Handler upgrades client connections and drives their receive loops. A
// process-wide token bucket throttles handshakes before any upgrade work.
type Handler struct {
	registry *registry.Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
	accept   *rate.Limiter
}

// NewHandler creates the /ws endpoint handler. acceptPerSecond bounds the
// handshake rate with a burst of acceptBurst.
func NewHandler(reg *registry.Registry, acceptPerSecond float64, acceptBurst int, logger *zap.Logger) *Handler {
	return &Handler{
		registry: reg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced upstream by the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		accept: rate.NewLimiter(rate.Limit(acceptPerSecond), acceptBurst),
	}
}

// ServeHTTP handles one connection lifecycle: parameter validation, upgrade,
// admission, then the receive loop until the socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.accept.Allow() {
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	token := q.Get("token")
	if clientID == "" || token == "" {
		http.Error(w, "client_id and token are required", http.StatusBadRequest)
		return
	}

	channel := q.Get("channel")
	if channel == "" {
		channel = defaultChannel
	}

	var lastSeq *int64
	if raw := q.Get("last_sequence"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "last_sequence must be an integer", http.StatusBadRequest)
			return
		}
		lastSeq = &n
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConn(ws, h.logger)
	out := h.registry.Connect(r.Context(), conn, registry.ConnectParams{
		ClientID:     clientID,
		Channel:      channel,
		Token:        token,
		LastSequence: lastSeq,
	})
	if !out.Admitted {
		_ = conn.Close(out.Code, out.Reason)
		return
	}

	h.readLoop(r, conn, out.Key)
}

// readLoop processes frames strictly in arrival order for one connection.
// An unexpected panic in frame handling closes this connection with a
// policy-violation code without disturbing other connections or the sweeps.
func (h *Handler) readLoop(r *http.Request, conn *Conn, key string) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic in connection loop",
				zap.String("key", key),
				zap.Any("panic", rec),
			)
			h.registry.DisconnectHandle(key, conn)
			_ = conn.Close(protocol.ClosePolicyViolation, "internal error")
		}
	}()

	start := time.Now()
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			h.logger.Debug("connection read ended",
				zap.String("key", key),
				zap.Duration("connected_for", time.Since(start)),
				zap.Error(err),
			)
			h.registry.DisconnectHandle(key, conn)
			conn.shutdown()
			return
		}
		h.registry.HandleFrame(r.Context(), key, data)
	}
}
