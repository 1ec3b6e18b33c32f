package redundancy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/otiai10/dmdata/internal/apiv2"
	"github.com/otiai10/dmdata/internal/protocol"
	"github.com/otiai10/dmdata/internal/socket"
	"github.com/otiai10/dmdata/internal/telemetry"
)

// DefaultEndpoints is the production endpoint pair used when Connect is
// called without an explicit set: one Tokyo and one Osaka region socket.
var DefaultEndpoints = []string{
	"ws-tokyo.api.dmdata.jp",
	"ws-osaka.api.dmdata.jp",
}

var (
	// ErrClosed is returned by operations on a controller after Close.
	ErrClosed = errors.New("redundancy: controller closed")
	// ErrNoParameters is returned by ReconnectEndpoint before any Connect.
	ErrNoParameters = errors.New("redundancy: no connection parameters available")
	// ErrUnknownEndpoint is returned by ReconnectEndpoint for an endpoint
	// outside the connected topology.
	ErrUnknownEndpoint = errors.New("redundancy: unknown endpoint")
)

// Options configures a Controller.
type Options struct {
	// Endpoints is the default endpoint set for Connect. Defaults to
	// DefaultEndpoints.
	Endpoints []string
	// DedupCacheSize bounds the deduplication window. Defaults to
	// DefaultDedupCacheSize.
	DedupCacheSize int
	// Reconnection tunes the per-endpoint backoff schedule.
	Reconnection socket.ReconnectionOptions
	// RawEvents controls whether RawDataEvent is published. On by default;
	// set Disabled to skip the per-message observability event.
	RawEventsDisabled bool
	// DataBuffer and EventBuffer size the consumer channels. Sends never
	// block: messages and events are dropped, and counted, when a consumer
	// falls behind.
	DataBuffer  int
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if len(o.Endpoints) == 0 {
		o.Endpoints = DefaultEndpoints
	}
	if o.DedupCacheSize <= 0 {
		o.DedupCacheSize = DefaultDedupCacheSize
	}
	if o.Reconnection == (socket.ReconnectionOptions{}) {
		o.Reconnection = socket.DefaultReconnectionOptions()
	}
	if o.DataBuffer <= 0 {
		o.DataBuffer = 256
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	return o
}

// Controller owns one reconnecting session per endpoint and re-publishes
// their deliveries as a single deduplicated stream. Regardless of how many
// endpoints deliver a given telegram, and in whatever order, at most one
// message per distinct ID reaches the Data channel (within the dedup
// window).
type Controller struct {
	tickets apiv2.TicketSource
	opts    Options
	logger  *zap.Logger
	dedup   *Deduplicator

	data   chan *protocol.DataMessage
	events chan Event

	mu     sync.Mutex
	conns  map[string]*socket.Reconnector
	params *apiv2.SocketStartParameter
	status Status
	closed bool

	total   atomic.Int64
	dupes   atomic.Int64
	dropped atomic.Int64
	lastMsg atomic.Int64 // unix nanos; 0 = never
}

// NewController creates a controller. tickets supplies session-start tickets
// for every endpoint; logger may be nil.
func NewController(tickets apiv2.TicketSource, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Controller{
		tickets: tickets,
		opts:    opts,
		logger:  logger.Named("redundancy"),
		dedup:   NewDeduplicator(opts.DedupCacheSize),
		data:    make(chan *protocol.DataMessage, opts.DataBuffer),
		events:  make(chan Event, opts.EventBuffer),
		conns:   make(map[string]*socket.Reconnector),
		status:  StatusDisconnected,
	}
}

// Data returns the deduplicated telegram stream.
func (c *Controller) Data() <-chan *protocol.DataMessage { return c.data }

// Events returns the health and observability event stream.
func (c *Controller) Events() <-chan Event { return c.events }

// Connect builds one reconnecting session per endpoint and connects them in
// parallel. A prior topology is torn down first. Per-endpoint failures are
// reported as ConnectionErrorEvents and do not abort the remaining
// endpoints; Connect itself only fails on misuse or full cancellation.
func (c *Controller) Connect(ctx context.Context, params *apiv2.SocketStartParameter, endpoints ...string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if err := c.Disconnect(ctx); err != nil {
		return err
	}

	if len(endpoints) == 0 {
		endpoints = c.opts.Endpoints
	}

	c.mu.Lock()
	c.params = params
	conns := make(map[string]*socket.Reconnector, len(endpoints))
	for _, endpoint := range endpoints {
		conns[endpoint] = c.newReconnector(endpoint)
	}
	c.conns = conns
	c.mu.Unlock()

	wasDisconnected := c.ActiveConnectionCount() == 0

	g, gctx := errgroup.WithContext(ctx)
	for _, endpoint := range endpoints {
		conn := conns[endpoint]
		g.Go(func() error {
			if err := conn.Connect(gctx, params); err != nil {
				c.logger.Warn("endpoint connect failed", zap.String("endpoint", conn.Endpoint()), zap.Error(err))
				c.emit(ConnectionErrorEvent{Endpoint: conn.Endpoint(), Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	c.updateStatus()

	active := c.ConnectedEndpoints()
	if wasDisconnected && len(active) > 0 {
		c.emit(RedundancyRestoredEvent{
			Endpoint:          active[0],
			ActiveConnections: len(active),
			At:                time.Now(),
		})
	} else if len(active) == 0 {
		c.emit(AllConnectionsLostEvent{
			Endpoints:     endpoints,
			WillReconnect: true,
			NextRetryIn:   c.opts.Reconnection.InitialDelay,
			At:            time.Now(),
		})
	}
	return nil
}

// Disconnect cancels every reconnection loop, closes every session and
// clears the topology. It is safe to call at any time, including twice.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*socket.Reconnector)
	c.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.updateStatus()
	return firstErr
}

// ReconnectEndpoint re-issues Connect on the named endpoint's session using
// the last-used parameters.
func (c *Controller) ReconnectEndpoint(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	params := c.params
	conn, ok := c.conns[endpoint]
	c.mu.Unlock()

	if params == nil {
		return ErrNoParameters
	}
	if !ok {
		return ErrUnknownEndpoint
	}
	return conn.Connect(ctx, params)
}

// Close tears down the topology and marks the controller unusable. The Data
// and Events channels stop receiving but stay open; consumers should stop
// reading once their context ends.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.Disconnect(ctx)
	c.dedup.Clear()
	return err
}

// IsConnected reports whether at least one endpoint is connected.
func (c *Controller) IsConnected() bool { return c.ActiveConnectionCount() > 0 }

// ActiveConnectionCount returns the number of currently open sessions.
func (c *Controller) ActiveConnectionCount() int {
	return len(c.ConnectedEndpoints())
}

// ConnectedEndpoints returns the endpoints with an open session, sorted.
func (c *Controller) ConnectedEndpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var active []string
	for endpoint, conn := range c.conns {
		if conn.IsConnected() {
			active = append(active, endpoint)
		}
	}
	sort.Strings(active)
	return active
}

// Status returns the current aggregate status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// TotalMessagesReceived counts data messages across all endpoints, before
// deduplication.
func (c *Controller) TotalMessagesReceived() int64 { return c.total.Load() }

// DuplicateMessagesFiltered counts messages suppressed as duplicates.
func (c *Controller) DuplicateMessagesFiltered() int64 { return c.dupes.Load() }

// LastMessageTime returns the arrival time of the most recent message, or
// the zero time when nothing has arrived yet.
func (c *Controller) LastMessageTime() time.Time {
	ns := c.lastMsg.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Controller) newReconnector(endpoint string) *socket.Reconnector {
	handlers := socket.ReconnectorHandlers{
		OnConnected:    c.onConnected,
		OnData:         c.onData,
		OnError:        c.onError,
		OnDisconnected: c.onDisconnected,
		OnReconnectAttempt: func(endpoint string, attempt int, delay time.Duration) {
			telemetry.ReconnectAttempts.WithLabelValues(endpoint).Inc()
			c.emit(ReconnectionAttemptEvent{Endpoint: endpoint, Attempt: attempt, Delay: delay})
		},
		OnReconnectSucceeded: c.onReconnectSucceeded,
		OnReconnectFailed: func(endpoint string, attempt int, reason string) {
			c.emit(ReconnectionFailedEvent{Endpoint: endpoint, Attempt: attempt, Reason: reason})
		},
	}
	return socket.NewReconnector(endpoint, c.tickets, c.opts.Reconnection, handlers, c.logger)
}

// onData is the per-message pipeline. It runs on the delivering session's
// receive loop, so two endpoints can arrive here concurrently; the counters
// are atomic and the deduplicator does its own locking.
func (c *Controller) onData(endpoint string, msg *protocol.DataMessage) {
	now := time.Now()
	c.total.Add(1)
	c.lastMsg.Store(now.UnixNano())
	telemetry.MessagesReceived.WithLabelValues(endpoint).Inc()

	isDuplicate := c.dedup.IsDuplicate(msg.ID)

	if !c.opts.RawEventsDisabled {
		c.emit(RawDataEvent{Endpoint: endpoint, Message: msg, IsDuplicate: isDuplicate, ReceivedAt: now})
	}

	if isDuplicate {
		c.dupes.Add(1)
		telemetry.DuplicatesFiltered.Inc()
		return
	}

	select {
	case c.data <- msg:
	default:
		c.dropped.Add(1)
		telemetry.EventsDropped.Inc()
		c.logger.Warn("data channel full, dropping message", zap.String("id", msg.ID))
	}
}

func (c *Controller) onConnected(endpoint string, start *protocol.StartMessage) {
	c.emit(ConnectionEstablishedEvent{Endpoint: endpoint, Start: start, At: time.Now()})
	c.updateStatus()
}

func (c *Controller) onError(endpoint string, msg *protocol.ErrorMessage) {
	c.emit(ConnectionErrorEvent{Endpoint: endpoint, Message: msg})
}

func (c *Controller) onDisconnected(endpoint string, reason string, err error) {
	willReconnect := err != nil || reason != "client disconnect"
	c.emit(ConnectionLostEvent{Endpoint: endpoint, Reason: reason, WillReconnect: willReconnect, At: time.Now()})

	prev, cur := c.updateStatus()
	if prev != StatusDisconnected && cur == StatusDisconnected {
		c.mu.Lock()
		endpoints := make([]string, 0, len(c.conns))
		for e := range c.conns {
			endpoints = append(endpoints, e)
		}
		c.mu.Unlock()
		c.emit(AllConnectionsLostEvent{
			Endpoints:     endpoints,
			WillReconnect: willReconnect,
			NextRetryIn:   c.opts.Reconnection.InitialDelay,
			At:            time.Now(),
		})
	}
}

func (c *Controller) onReconnectSucceeded(endpoint string) {
	prev, cur := c.updateStatus()
	c.emit(ReconnectionSucceededEvent{Endpoint: endpoint})
	if prev == StatusDisconnected && cur != StatusDisconnected {
		c.emit(RedundancyRestoredEvent{
			Endpoint:          endpoint,
			ActiveConnections: c.ActiveConnectionCount(),
			At:                time.Now(),
		})
	}
}

// updateStatus recomputes the aggregate status from a consistent snapshot
// and publishes a StatusChangedEvent only when the value actually moved. It
// returns the old and new status from the same critical section, so callers
// can detect a transition without a second racy read.
func (c *Controller) updateStatus() (prev, cur Status) {
	c.mu.Lock()
	var active []string
	for endpoint, conn := range c.conns {
		if conn.IsConnected() {
			active = append(active, endpoint)
		}
	}
	sort.Strings(active)
	prev = c.status
	cur = computeStatus(len(active), len(c.conns))
	if cur != prev {
		c.status = cur
	}
	c.mu.Unlock()

	telemetry.ActiveConnections.Set(float64(len(active)))

	if cur != prev {
		c.logger.Info("redundancy status changed",
			zap.Stringer("status", cur),
			zap.Int("active", len(active)))
		c.emit(StatusChangedEvent{
			Status:            cur,
			ActiveConnections: len(active),
			ActiveEndpoints:   active,
			At:                time.Now(),
		})
	}
	return prev, cur
}

// emit publishes an event without ever blocking a receive loop. Events are
// dropped, and counted, when the consumer falls behind.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
		telemetry.EventsDropped.Inc()
	}
}
