// Package socket implements the dmdata WebSocket v2 session layer: the
// single-connection protocol state machine and its self-healing reconnection
// wrapper. One Session owns exactly one transport connection; higher layers
// never touch the transport directly.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/otiai10/dmdata/internal/protocol"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultPingInterval    = 60 * time.Second
	defaultWatchdogTimeout = 120 * time.Second
	handshakeTimeout       = 10 * time.Second
	writeTimeout           = 10 * time.Second
)

// ErrAlreadyConnected is returned by Connect on a session that is not idle
// or closed.
var ErrAlreadyConnected = errors.New("socket: already connected")

// Handlers receives session events. All callbacks are invoked from the
// session's receive loop, one at a time, never concurrently. Nil fields are
// skipped.
type Handlers struct {
	// OnOpen fires when the server acknowledges the subscription with a
	// start message.
	OnOpen func(start *protocol.StartMessage)
	// OnData fires once per decoded data frame.
	OnData func(msg *protocol.DataMessage)
	// OnError fires for server error messages. A message with Close=true is
	// followed by OnDisconnect.
	OnError func(msg *protocol.ErrorMessage)
	// OnDisconnect fires exactly once per connection after the receive loop
	// exits, whatever the cause. err is nil for a clean shutdown.
	OnDisconnect func(reason string, err error)
}

// Session is one WebSocket connection to one dmdata endpoint. It decodes
// frames into typed messages, answers pings, and enforces liveness with a
// ping timer and a watchdog. A Session is reusable: after it closes, Connect
// may be called again.
type Session struct {
	handlers Handlers
	logger   *zap.Logger

	// cmu serializes Connect and Disconnect so concurrent callers cannot
	// race the transport into an inconsistent state.
	cmu sync.Mutex

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	explicitClose atomic.Bool
	watchdogFired atomic.Bool

	// Liveness intervals. Fixed by the protocol; overridable in tests.
	pingInterval    time.Duration
	watchdogTimeout time.Duration
}

// NewSession creates a session with the given event handlers. logger may be
// nil.
func NewSession(handlers Handlers, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		handlers:        handlers,
		logger:          logger.Named("socket"),
		state:           StateIdle,
		pingInterval:    defaultPingInterval,
		watchdogTimeout: defaultWatchdogTimeout,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the transport is open.
func (s *Session) IsConnected() bool {
	return s.State() == StateOpen
}

// Connect dials the ticket URL and starts the receive loop. It returns
// ErrAlreadyConnected unless the session is idle or closed.
func (s *Session) Connect(ctx context.Context, rawURL string) error {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	s.mu.Lock()
	if s.state != StateIdle && s.state != StateClosed {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.mu.Unlock()

	dialer := websocket.Dialer{
		Subprotocols:     []string{protocol.SubProtocol},
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.done = done
	s.state = StateOpen
	s.mu.Unlock()
	s.explicitClose.Store(false)
	s.watchdogFired.Store(false)

	activity := make(chan struct{}, 1)
	go s.keepalive(loopCtx, conn, activity)
	go s.readLoop(conn, activity, cancel, done)

	s.logger.Info("connected", zap.String("subprotocol", conn.Subprotocol()))
	return nil
}

// Disconnect closes the connection and waits for the receive loop to exit.
// It is idempotent and safe to call on a session that never connected.
func (s *Session) Disconnect(ctx context.Context) error {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	s.explicitClose.Store(true)
	s.writeControl(conn, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop is the single goroutine that consumes inbound frames. Frames are
// processed strictly in arrival order; the ping answer is written before the
// next frame is read.
func (s *Session) readLoop(conn *websocket.Conn, activity chan<- struct{}, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.writeControl(conn, websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "TOO LONG MESSAGE"))
			}
			s.finish(conn, s.classifyReadError(err), readErrOrNil(s, err))
			return
		}

		if msgType != websocket.TextMessage {
			s.logger.Warn("binary frame received, closing")
			s.writeControl(conn, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "DO NOT READ BINARY"))
			s.finish(conn, "binary frame", errors.New("socket: binary frame received"))
			return
		}

		select {
		case activity <- struct{}{}:
		default:
		}

		if closed := s.dispatch(conn, frame); closed {
			return
		}
	}
}

// dispatch decodes one text frame and routes it by kind. It returns true
// when the frame terminated the connection.
func (s *Session) dispatch(conn *websocket.Conn, frame []byte) bool {
	kind, err := protocol.ParseKind(frame)
	if err != nil {
		s.logger.Warn("undecodable frame, closing", zap.Error(err))
		s.writeControl(conn, websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, "CLIENT EXCEPTED"))
		s.finish(conn, "decode failure", err)
		return true
	}

	switch kind {
	case protocol.KindData:
		var msg protocol.DataMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn("undecodable data frame, closing", zap.Error(err))
			s.writeControl(conn, websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, "CLIENT EXCEPTED"))
			s.finish(conn, "decode failure", err)
			return true
		}
		if s.handlers.OnData != nil {
			s.handlers.OnData(&msg)
		}

	case protocol.KindStart:
		var msg protocol.StartMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn("undecodable start frame", zap.Error(err))
			return false
		}
		s.logger.Info("session started",
			zap.Int("socketId", msg.SocketID),
			zap.Strings("classifications", msg.Classifications))
		if s.handlers.OnOpen != nil {
			s.handlers.OnOpen(&msg)
		}

	case protocol.KindError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn("undecodable error frame", zap.Error(err))
			return false
		}
		s.logger.Warn("server error",
			zap.String("error", msg.Error),
			zap.Int("code", msg.Code),
			zap.Bool("close", msg.Close))
		if s.handlers.OnError != nil {
			s.handlers.OnError(&msg)
		}
		if msg.Close {
			s.writeControl(conn, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.finish(conn, "server requested close", nil)
			return true
		}

	case protocol.KindPing:
		var msg protocol.PingMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn("undecodable ping frame", zap.Error(err))
			return false
		}
		// Answered inline so the pong precedes any later inbound frame's
		// processing.
		if err := s.writeJSON(conn, protocol.NewPong(&msg)); err != nil {
			s.logger.Warn("pong write failed", zap.Error(err))
		}

	case protocol.KindPong:
		// Liveness evidence only; the activity signal already counted it.

	default:
		s.logger.Debug("unknown frame kind", zap.String("kind", string(kind)))
	}
	return false
}

// keepalive owns the ping and watchdog timers for one connection. Both reset
// on every inbound frame. The ping timer sends a client ping after
// pingInterval of silence; the watchdog force-closes the connection after
// watchdogTimeout of silence.
func (s *Session) keepalive(ctx context.Context, conn *websocket.Conn, activity <-chan struct{}) {
	ping := time.NewTimer(s.pingInterval)
	watchdog := time.NewTimer(s.watchdogTimeout)
	defer ping.Stop()
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-activity:
			resetTimer(ping, s.pingInterval)
			resetTimer(watchdog, s.watchdogTimeout)
		case <-ping.C:
			if err := s.writeJSON(conn, protocol.NewPing(uuid.NewString())); err != nil {
				s.logger.Debug("ping write failed", zap.Error(err))
			}
			ping.Reset(s.pingInterval)
		case <-watchdog.C:
			s.logger.Warn("watchdog expired, closing connection")
			s.watchdogFired.Store(true)
			s.writeControl(conn, websocket.FormatCloseMessage(websocket.CloseGoingAway, "NO DATA TIMEOUT"))
			conn.Close()
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// finish moves the session to Closed and fires OnDisconnect exactly once per
// connection (the receive loop is its only caller, and it returns after).
func (s *Session) finish(conn *websocket.Conn, reason string, err error) {
	conn.Close()

	s.mu.Lock()
	s.state = StateClosed
	s.conn = nil
	s.mu.Unlock()

	if err != nil {
		s.logger.Info("disconnected", zap.String("reason", reason), zap.Error(err))
	} else {
		s.logger.Info("disconnected", zap.String("reason", reason))
	}
	if s.handlers.OnDisconnect != nil {
		s.handlers.OnDisconnect(reason, err)
	}
}

// classifyReadError names the disconnect cause for a receive-loop error.
func (s *Session) classifyReadError(err error) string {
	switch {
	case s.explicitClose.Load():
		return "client disconnect"
	case s.watchdogFired.Load():
		return "watchdog timeout"
	case errors.Is(err, websocket.ErrReadLimit):
		return "frame too large"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "peer closed"
	default:
		return "transport error"
	}
}

// readErrOrNil suppresses the transport error for shutdowns the client
// itself initiated: those are normal disconnects, not failures.
func readErrOrNil(s *Session, err error) error {
	if s.explicitClose.Load() {
		return nil
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("socket: frame exceeds %d bytes: %w", protocol.MaxFrameSize, err)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func (s *Session) writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Session) writeControl(conn *websocket.Conn, payload []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(writeTimeout))
}
