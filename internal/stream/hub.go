// Package stream fans frame loop output out to websocket subscribers and
// accepts pushed audio over websocket.
//
// A [Hub] is registered as a sample and mic level sink on the frame loop.
// Each published value is encoded once and queued on every subscriber of
// the matching stream. Subscribers that fall behind lose messages instead of
// slowing the loop down.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/biopulse/internal/observe"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

// Stream names, also used as the "stream" metric attribute.
const (
	StreamSamples = "samples"
	StreamLevel   = "level"
	StreamIngest  = "ingest"
)

const (
	// DefaultClientBuffer is the per-subscriber queue length.
	DefaultClientBuffer = 32

	writeTimeout = 5 * time.Second
)

// SampleMessage is the frame sent on the samples stream.
type SampleMessage struct {
	Type   string                    `json:"type"`
	Sample biometric.BiometricSample `json:"sample"`
}

// LevelMessage is the frame sent on the level stream.
type LevelMessage struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
}

// Hub distributes samples and mic levels to websocket subscribers.
// All methods are safe for concurrent use.
type Hub struct {
	buffer         int
	metrics        *observe.Metrics
	originPatterns []string

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	closed  bool
}

type client struct {
	stream string
	out    chan []byte
	// gone is closed by the hub when it shuts down.
	gone chan struct{}
}

// Option configures a [Hub].
type Option func(*Hub)

// WithClientBuffer sets the per-subscriber queue length.
func WithClientBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithMetrics sets the metrics the hub reports to.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithOriginPatterns allows cross-origin websocket upgrades from hosts
// matching the given patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) {
		h.originPatterns = append(h.originPatterns, patterns...)
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer:  DefaultClientBuffer,
		clients: make(map[string]map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// PublishSample queues sample for every samples subscriber. It has the shape
// of a frame loop sample sink.
func (h *Hub) PublishSample(sample biometric.BiometricSample) {
	h.publish(StreamSamples, SampleMessage{Type: "sample", Sample: sample})
}

// PublishLevel queues level for every level subscriber. It has the shape of a
// frame loop mic level sink.
func (h *Hub) PublishLevel(level float64) {
	h.publish(StreamLevel, LevelMessage{Type: "level", Level: level})
}

func (h *Hub) publish(stream string, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients[stream]) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("stream: encode message", "stream", stream, "err", err)
		return
	}
	for c := range h.clients[stream] {
		select {
		case c.out <- data:
		default:
			h.metrics.StreamDrops.Add(context.Background(), 1, withStream(stream))
		}
	}
}

// Clients returns the number of subscribers on stream.
func (h *Hub) Clients(stream string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[stream])
}

// ServeSamples upgrades the request and streams samples until the client
// disconnects or the hub closes.
func (h *Hub) ServeSamples(w http.ResponseWriter, r *http.Request) {
	h.serve(StreamSamples, w, r)
}

// ServeLevel upgrades the request and streams mic levels until the client
// disconnects or the hub closes.
func (h *Hub) ServeLevel(w http.ResponseWriter, r *http.Request) {
	h.serve(StreamLevel, w, r)
}

func (h *Hub) serve(stream string, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		slog.Debug("stream: upgrade failed", "stream", stream, "err", err)
		return
	}
	defer conn.CloseNow()

	c, err := h.subscribe(stream)
	if err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unsubscribe(c)

	// Subscribers never send; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gone:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("stream: write failed", "stream", stream, "err", err)
				return
			}
		}
	}
}

func (h *Hub) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{OriginPatterns: h.originPatterns}
}

var errHubClosed = errors.New("stream: hub closed")

func (h *Hub) subscribe(stream string) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errHubClosed
	}
	c := &client{stream: stream, out: make(chan []byte, h.buffer), gone: make(chan struct{})}
	if h.clients[stream] == nil {
		h.clients[stream] = make(map[*client]struct{})
	}
	h.clients[stream][c] = struct{}{}
	h.metrics.StreamClients.Add(context.Background(), 1, withStream(stream))
	return c, nil
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.stream][c]; !ok {
		return
	}
	delete(h.clients[c.stream], c)
	h.metrics.StreamClients.Add(context.Background(), -1, withStream(c.stream))
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			close(c.gone)
		}
	}
}

func withStream(stream string) metric.AddOption {
	return metric.WithAttributes(observe.Attr("stream", stream))
}
