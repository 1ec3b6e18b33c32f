package socket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/otiai10/dmdata/internal/apiv2"
	"github.com/otiai10/dmdata/internal/protocol"
)

// ErrStopped is returned when Connect is called on a reconnector that has
// been closed for good.
var ErrStopped = errors.New("socket: reconnector stopped")

// ReconnectionOptions tunes the backoff schedule between reconnection
// attempts for one endpoint.
type ReconnectionOptions struct {
	// InitialDelay precedes the first attempt. Default 1s.
	InitialDelay time.Duration
	// MaxDelay caps the schedule. Default 60s.
	MaxDelay time.Duration
	// Multiplier grows the delay after each failed attempt. Default 2.0.
	Multiplier float64
	// MaxAttempts bounds the loop; zero or negative means unlimited.
	MaxAttempts int
}

// DefaultReconnectionOptions returns the production backoff schedule:
// 1s, 2s, 4s, ... capped at 60s, unlimited attempts.
func DefaultReconnectionOptions() ReconnectionOptions {
	return ReconnectionOptions{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// backoffDelay returns the delay preceding the given 1-based attempt.
func (o ReconnectionOptions) backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return o.InitialDelay
	}
	d := time.Duration(float64(o.InitialDelay) * math.Pow(o.Multiplier, float64(attempt-1)))
	if d > o.MaxDelay || d <= 0 {
		return o.MaxDelay
	}
	return d
}

// ReconnectorHandlers receives per-endpoint session and reconnection
// lifecycle events. Nil fields are skipped.
type ReconnectorHandlers struct {
	OnConnected          func(endpoint string, start *protocol.StartMessage)
	OnData               func(endpoint string, msg *protocol.DataMessage)
	OnError              func(endpoint string, msg *protocol.ErrorMessage)
	OnDisconnected       func(endpoint string, reason string, err error)
	OnReconnectAttempt   func(endpoint string, attempt int, delay time.Duration)
	OnReconnectSucceeded func(endpoint string)
	OnReconnectFailed    func(endpoint string, attempt int, reason string)
}

// Reconnector makes one endpoint self-healing: it owns a Session and, when
// the session drops without an explicit Disconnect, runs a reconnection loop
// with exponential backoff. A fresh session-start ticket is requested from
// the control plane on every attempt, since tickets expire within minutes.
type Reconnector struct {
	endpoint string
	tickets  apiv2.TicketSource
	opts     ReconnectionOptions
	handlers ReconnectorHandlers
	logger   *zap.Logger

	session *Session

	mu           sync.Mutex
	params       *apiv2.SocketStartParameter
	external     context.Context
	stop         chan struct{}
	stopped      bool
	reconnecting bool
}

// NewReconnector creates a reconnecting session for one endpoint. tickets
// supplies the WebSocket URL for each attempt; logger may be nil.
func NewReconnector(endpoint string, tickets apiv2.TicketSource, opts ReconnectionOptions, handlers ReconnectorHandlers, logger *zap.Logger) *Reconnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 60 * time.Second
	}
	if opts.Multiplier <= 1 {
		opts.Multiplier = 2.0
	}

	r := &Reconnector{
		endpoint: endpoint,
		tickets:  tickets,
		opts:     opts,
		handlers: handlers,
		logger:   logger.Named("reconnect").With(zap.String("endpoint", endpoint)),
		external: context.Background(),
		stop:     make(chan struct{}),
	}
	r.session = NewSession(Handlers{
		OnOpen: func(start *protocol.StartMessage) {
			if r.handlers.OnConnected != nil {
				r.handlers.OnConnected(endpoint, start)
			}
		},
		OnData: func(msg *protocol.DataMessage) {
			if r.handlers.OnData != nil {
				r.handlers.OnData(endpoint, msg)
			}
		},
		OnError: func(msg *protocol.ErrorMessage) {
			if r.handlers.OnError != nil {
				r.handlers.OnError(endpoint, msg)
			}
		},
		OnDisconnect: r.onDisconnect,
	}, logger.With(zap.String("endpoint", endpoint)))
	return r
}

// Endpoint returns the endpoint this reconnector serves.
func (r *Reconnector) Endpoint() string { return r.endpoint }

// IsConnected reports whether the underlying session is open.
func (r *Reconnector) IsConnected() bool { return r.session.IsConnected() }

// Connect stores the subscription parameters and establishes the session.
// ctx doubles as the external cancellation signal for any later reconnection
// loop: when it is done, the loop stops. Calling Connect re-arms a
// reconnector that was previously stopped by Disconnect.
func (r *Reconnector) Connect(ctx context.Context, params *apiv2.SocketStartParameter) error {
	r.mu.Lock()
	r.params = params
	r.external = ctx
	if r.stopped {
		r.stopped = false
		r.stop = make(chan struct{})
	}
	r.mu.Unlock()

	if r.session.IsConnected() {
		return nil
	}
	return r.connectOnce(ctx, params)
}

// Disconnect permanently stops the reconnection loop and closes the session.
func (r *Reconnector) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stop)
	}
	r.mu.Unlock()
	return r.session.Disconnect(ctx)
}

// connectOnce performs a single ticket request plus dial.
func (r *Reconnector) connectOnce(ctx context.Context, params *apiv2.SocketStartParameter) error {
	resp, err := r.tickets.SocketStart(ctx, r.endpoint, params)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w", r.endpoint, err)
	}
	if err := r.session.Connect(ctx, resp.WebSocket.URL); err != nil {
		return fmt.Errorf("endpoint %s: %w", r.endpoint, err)
	}
	return nil
}

// onDisconnect forwards the event and, unless the drop was requested,
// schedules the reconnection loop. The reconnecting flag guarantees at most
// one loop in flight per endpoint.
func (r *Reconnector) onDisconnect(reason string, err error) {
	if r.handlers.OnDisconnected != nil {
		r.handlers.OnDisconnected(r.endpoint, reason, err)
	}

	r.mu.Lock()
	start := !r.stopped && !r.reconnecting && r.params != nil
	if start {
		r.reconnecting = true
	}
	r.mu.Unlock()

	if start {
		go r.reconnectLoop()
	}
}

func (r *Reconnector) reconnectLoop() {
	// A disconnect arriving while this loop unwinds after a successful attempt
	// finds reconnecting still true and starts nothing, so the unwind itself
	// re-arms the loop when the session dropped in that window. rearm stays
	// false on the stop, cancellation and max-attempts exits.
	rearm := false
	defer func() {
		r.mu.Lock()
		if rearm && !r.stopped && r.params != nil && !r.session.IsConnected() {
			go r.reconnectLoop()
		} else {
			r.reconnecting = false
		}
		r.mu.Unlock()
	}()

	r.mu.Lock()
	params := r.params
	external := r.external
	stop := r.stop
	r.mu.Unlock()

	attempt := 0
	for !r.session.IsConnected() {
		attempt++
		if r.opts.MaxAttempts > 0 && attempt > r.opts.MaxAttempts {
			r.logger.Warn("giving up reconnection", zap.Int("attempts", r.opts.MaxAttempts))
			if r.handlers.OnReconnectFailed != nil {
				r.handlers.OnReconnectFailed(r.endpoint, attempt-1, "max attempts reached")
			}
			return
		}

		delay := r.opts.backoffDelay(attempt)
		r.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if r.handlers.OnReconnectAttempt != nil {
			r.handlers.OnReconnectAttempt(r.endpoint, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		case <-external.Done():
			timer.Stop()
			return
		}

		err := r.connectOnce(external, params)
		if err == nil {
			rearm = true
			break
		}
		r.logger.Warn("reconnection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if r.handlers.OnReconnectFailed != nil {
			r.handlers.OnReconnectFailed(r.endpoint, attempt, err.Error())
		}
	}

	r.logger.Info("reconnected", zap.Int("attempts", attempt))
	if r.handlers.OnReconnectSucceeded != nil {
		r.handlers.OnReconnectSucceeded(r.endpoint)
	}
}
