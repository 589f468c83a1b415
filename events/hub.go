package events

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/metric"
	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/pkg/buffer"
)

// Hub sizing defaults.
const (
	// DefaultReplaySize is how many recent events a late joiner receives.
	DefaultReplaySize = 64
	// DefaultQueueSize is the per-client outbound queue capacity.
	DefaultQueueSize = 100
)

// Connection timing defaults. Pings go out well inside the pong
// deadline.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	pongWait            = 60 * time.Second
)

// Hub fans platform events out to websocket clients. It implements
// http.Handler so the owning server decides where it is mounted.
// Broadcasts never block on a client: each client drains its own
// queue, and a stalled or erroring connection is evicted.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// mu guards clients, replay, and closed. Holding it across both
	// the replay append and the client fan-out keeps joins and
	// broadcasts linearized, so a late joiner sees each event exactly
	// once.
	mu      sync.Mutex
	clients map[*websocket.Conn]*hubClient
	replay  buffer.Buffer[[]byte]
	closed  bool

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	queueSize    int
	replaySize   int
	writeTimeout time.Duration
	pingInterval time.Duration
	metrics      *hubMetrics
}

// hubClient is one connected websocket consumer.
type hubClient struct {
	conn        *websocket.Conn
	connectedAt time.Time

	// queue holds marshaled events awaiting delivery. DropOldest keeps
	// the newest events when the consumer lags.
	queue  buffer.Buffer[[]byte]
	notify chan struct{}
	done   chan struct{}

	lastPong  atomic.Value // time.Time
	closed    atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func (c *hubClient) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// hubMetrics holds Prometheus metrics for the hub.
type hubMetrics struct {
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	broadcastTotal   prometheus.Counter
}

func newHubMetrics(registry *metric.MetricsRegistry) *hubMetrics {
	if registry == nil {
		return nil
	}

	m := &hubMetrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "events",
			Name:      "clients_connected",
			Help:      "Number of currently connected websocket clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "events",
			Name:      "client_connections_total",
			Help:      "Total websocket client connections",
		}),
		broadcastTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "events",
			Name:      "broadcast_total",
			Help:      "Total events broadcast to clients",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.clientsConnected,
		m.connectionsTotal,
		m.broadcastTotal,
	)

	return m
}

// HubOption configures a Hub.
type HubOption func(*Hub) error

// WithReplaySize sets how many recent events a new client receives on
// connect.
func WithReplaySize(n int) HubOption {
	return func(h *Hub) error {
		if n <= 0 {
			return errors.WrapInvalid(
				stderrors.New("replay size must be positive"),
				"Hub", "WithReplaySize", "validate size")
		}
		h.replaySize = n
		return nil
	}
}

// WithQueueSize sets the per-client outbound queue capacity.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) error {
		if n <= 0 {
			return errors.WrapInvalid(
				stderrors.New("queue size must be positive"),
				"Hub", "WithQueueSize", "validate size")
		}
		h.queueSize = n
		return nil
	}
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) error {
		if d <= 0 {
			return errors.WrapInvalid(
				stderrors.New("write timeout must be positive"),
				"Hub", "WithWriteTimeout", "validate timeout")
		}
		h.writeTimeout = d
		return nil
	}
}

// WithPingInterval sets how often idle connections are probed.
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) error {
		if d <= 0 {
			return errors.WrapInvalid(
				stderrors.New("ping interval must be positive"),
				"Hub", "WithPingInterval", "validate interval")
		}
		h.pingInterval = d
		return nil
	}
}

// WithHubLogger sets the logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) error {
		if logger == nil {
			return errors.WrapInvalid(
				stderrors.New("logger cannot be nil"),
				"Hub", "WithHubLogger", "validate logger")
		}
		h.logger = logger
		return nil
	}
}

// WithHubMetrics enables Prometheus metrics. A nil registry disables
// them.
func WithHubMetrics(registry *metric.MetricsRegistry) HubOption {
	return func(h *Hub) error {
		h.metrics = newHubMetrics(registry)
		return nil
	}
}

// NewHub creates a hub ready to be mounted on an HTTP mux. Close
// releases the maintenance goroutine and disconnects all clients.
func NewHub(opts ...HubOption) (*Hub, error) {
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:     slog.Default(),
		clients:    make(map[*websocket.Conn]*hubClient),
		shutdown:   make(chan struct{}),
		queueSize:    DefaultQueueSize,
		replaySize:   DefaultReplaySize,
		writeTimeout: DefaultWriteTimeout,
		pingInterval: DefaultPingInterval,
	}

	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	h.logger = h.logger.With("component", "event-hub")

	replay, err := buffer.NewCircularBuffer[[]byte](h.replaySize,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "Hub", "NewHub", "create replay buffer")
	}
	h.replay = replay

	h.wg.Add(1)
	go h.maintainClients()

	return h, nil
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	queue, err := buffer.NewCircularBuffer[[]byte](h.queueSize,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
	)
	if err != nil {
		_ = conn.Close()
		h.logger.Error("Client queue allocation failed", "error", err)
		return
	}

	client := &hubClient{
		conn:        conn,
		connectedAt: time.Now(),
		queue:       queue,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	client.lastPong.Store(time.Now())

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		_ = queue.Close()
		return
	}
	// Late joiners get the recent history before the live stream.
	// ReadBatch drains the replay ring, so every entry is written back
	// in order while the lock is held.
	backlog := h.replay.ReadBatch(h.replaySize)
	for _, data := range backlog {
		_ = h.replay.Write(data)
		_ = queue.Write(data)
	}
	h.clients[conn] = client
	count := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()

	if len(backlog) > 0 {
		client.wake()
	}
	if h.metrics != nil {
		h.metrics.connectionsTotal.Inc()
		h.metrics.clientsConnected.Set(float64(count))
	}
	h.logger.Debug("Client connected",
		"remote", r.RemoteAddr,
		"replayed", len(backlog),
		"clients", count)

	go h.writeClient(client)
	go h.readClient(client)
}

// Broadcast fans an event out to every connected client and records it
// for replay. The hub never reports delivery errors to the producer.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("Dropping unmarshalable event", "type", event.Type, "error", err)
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	_ = h.replay.Write(data)
	for _, client := range h.clients {
		if client.closed.Load() {
			continue
		}
		_ = client.queue.Write(data)
		client.wake()
	}

	if h.metrics != nil {
		h.metrics.broadcastTotal.Inc()
	}
}

// AttachNATS bridges published platform events into the hub. Payloads
// that do not parse as events are dropped rather than forwarded to
// browsers.
func (h *Hub) AttachNATS(ctx context.Context, client *natsclient.Client) error {
	if client == nil {
		return errors.WrapFatal(
			stderrors.New("nats client cannot be nil"),
			"Hub", "AttachNATS", "validate client")
	}

	err := client.Subscribe(ctx, SubjectWildcard, func(_ context.Context, data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			h.logger.Warn("Dropping malformed event payload", "error", err)
			return
		}
		h.broadcast(data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Hub", "AttachNATS", "subscribe "+SubjectWildcard)
	}

	h.logger.Info("Bridging events to websocket clients", "subject", SubjectWildcard)
	return nil
}

// ClientCount reports how many websocket clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// writeClient drains the client's queue onto the connection. A write
// error evicts the client.
func (h *Hub) writeClient(client *hubClient) {
	defer h.wg.Done()
	defer h.dropClient(client)

	for {
		select {
		case <-h.shutdown:
			return
		case <-client.done:
			return
		case <-client.notify:
		}

		for {
			data, ok := client.queue.Read()
			if !ok {
				break
			}
			if err := h.send(client, data); err != nil {
				return
			}
		}
	}
}

// readClient consumes inbound frames so pong and close frames are
// processed. Clients do not send application data; anything received
// is discarded.
func (h *Hub) readClient(client *hubClient) {
	defer h.wg.Done()
	defer h.dropClient(client)

	client.conn.SetPongHandler(func(string) error {
		client.lastPong.Store(time.Now())
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// send writes one frame under the client's write mutex. gorilla
// panics on concurrent writes to the same connection.
func (h *Hub) send(client *hubClient, data []byte) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return client.conn.WriteMessage(websocket.TextMessage, data)
}

// dropClient removes a client exactly once and closes its resources.
func (h *Hub) dropClient(client *hubClient) {
	client.closeOnce.Do(func() {
		client.closed.Store(true)
		close(client.done)

		h.mu.Lock()
		delete(h.clients, client.conn)
		count := len(h.clients)
		h.mu.Unlock()

		_ = client.conn.Close()
		_ = client.queue.Close()

		if h.metrics != nil {
			h.metrics.clientsConnected.Set(float64(count))
		}
		h.logger.Debug("Client disconnected",
			"connected_for", time.Since(client.connectedAt).Round(time.Millisecond),
			"clients", count)
	})
}

// maintainClients probes connections on a timer so dead clients are
// noticed even when no events flow.
func (h *Hub) maintainClients() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.shutdown:
			return
		case <-ticker.C:
			h.pingClients()
		}
	}
}

// pingClients sends a ping to each client. WriteControl is safe to
// call concurrently with WriteMessage, so the write mutex is not
// taken here.
func (h *Hub) pingClients() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if client.closed.Load() {
			continue
		}
		deadline := time.Now().Add(h.writeTimeout)
		if err := client.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.dropClient(client)
		}
	}
}

// Close disconnects all clients and stops the maintenance loop. The
// hub cannot be reused afterwards.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		clients := make([]*hubClient, 0, len(h.clients))
		for _, client := range h.clients {
			clients = append(clients, client)
		}
		h.mu.Unlock()

		close(h.shutdown)
		for _, client := range clients {
			h.dropClient(client)
		}
		h.wg.Wait()
		_ = h.replay.Close()
	})
	return nil
}
