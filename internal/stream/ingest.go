package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/biopulse/internal/observe"
	"github.com/MrWong99/biopulse/pkg/audio"
)

// maxIngestMessage bounds a single pushed audio message. One second of
// 48 kHz PCM16 is 96 KiB.
const maxIngestMessage = 256 << 10

// IngestHandler accepts a websocket and forwards every binary message to an
// [audio.Ingester]. Messages the ingester rejects are counted and skipped.
// Text messages close the connection.
type IngestHandler struct {
	target         audio.Ingester
	metrics        *observe.Metrics
	originPatterns []string

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewIngestHandler creates a handler feeding target. A nil metrics uses
// [observe.DefaultMetrics].
func NewIngestHandler(target audio.Ingester, metrics *observe.Metrics, originPatterns ...string) *IngestHandler {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &IngestHandler{target: target, metrics: metrics, originPatterns: originPatterns}
}

// Accepted returns the number of messages the ingester took.
func (h *IngestHandler) Accepted() int64 { return h.accepted.Load() }

// Rejected returns the number of messages the ingester refused.
func (h *IngestHandler) Rejected() int64 { return h.rejected.Load() }

// ServeHTTP implements [http.Handler].
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		slog.Debug("stream: ingest upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxIngestMessage)

	h.metrics.StreamClients.Add(context.Background(), 1, withStream(StreamIngest))
	defer h.metrics.StreamClients.Add(context.Background(), -1, withStream(StreamIngest))

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				slog.Debug("stream: ingest read ended", "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			conn.Close(websocket.StatusUnsupportedData, "binary audio only")
			return
		}
		if err := h.target.Ingest(data); err != nil {
			h.rejected.Add(1)
			slog.Debug("stream: ingest rejected message", "bytes", len(data), "err", err)
			continue
		}
		h.accepted.Add(1)
	}
}
