package redundancy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otiai10/dmdata/internal/apiv2"
	"github.com/otiai10/dmdata/internal/protocol"
	"github.com/otiai10/dmdata/internal/socket"
)

// feedServer is a WebSocket endpoint that sends a start frame to every
// connection and then relays frames pushed through its frames channel.
type feedServer struct {
	server *httptest.Server
	frames chan []byte

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFeedServer(t *testing.T, socketID int) *feedServer {
	t.Helper()
	fs := &feedServer{frames: make(chan []byte, 16)}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{protocol.SubProtocol},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		start := fmt.Sprintf(`{"type":"start","socketId":%d,"classifications":["telegram.earthquake"],"formats":["xml"]}`, socketID)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
			return
		}
		for frame := range fs.frames {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.server.Close)
	// Runs before server.Close: unblocks handlers ranging over frames so
	// Close does not wait on them forever.
	t.Cleanup(func() { close(fs.frames) })
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func (fs *feedServer) send(frame string) {
	fs.frames <- []byte(frame)
}

// closeClientConns force-closes the upgraded WebSocket connections.
// httptest.Server.CloseClientConnections cannot be used for this: the server
// stops tracking a connection once the upgrade hijacks it.
func (fs *feedServer) closeClientConns() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, conn := range fs.conns {
		conn.Close()
	}
	fs.conns = nil
}

// routingTickets maps endpoint names to dial URLs, failing the endpoints
// listed in fail.
type routingTickets struct {
	mu   sync.Mutex
	urls map[string]string
	fail map[string]error
}

func (rt *routingTickets) SocketStart(ctx context.Context, endpoint string, p *apiv2.SocketStartParameter) (*apiv2.SocketStartResponse, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err, ok := rt.fail[endpoint]; ok {
		return nil, err
	}
	url, ok := rt.urls[endpoint]
	if !ok {
		return nil, fmt.Errorf("no such endpoint %q", endpoint)
	}
	return &apiv2.SocketStartResponse{
		Ticket:    "ticket-" + endpoint,
		WebSocket: apiv2.WebSocketInfo{ID: 1, URL: url, Protocol: []string{protocol.SubProtocol}, Expiration: 300},
	}, nil
}

func dataFrame(id string) string {
	return fmt.Sprintf(`{"type":"data","version":"2.0","id":%q,"classification":"telegram.earthquake","encoding":"utf-8","body":"x","head":{"type":"VXSE53","author":"JPOS","time":"2024-01-01T00:00:00Z"}}`, id)
}

func slowReconnection() socket.ReconnectionOptions {
	// Keep retries out of the picture for tests that do not exercise them.
	return socket.ReconnectionOptions{
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}
}

func waitForController(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// drainEvents empties the event channel into a slice without blocking.
func drainEvents(c *Controller) []Event {
	var out []Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// collectEventsUntil reads events until done returns true over everything
// received so far, or the deadline passes.
func collectEventsUntil(t *testing.T, c *Controller, done func([]Event) bool) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(3 * time.Second)
	for !done(out) {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("deadline waiting for events, got %d so far", len(out))
		}
	}
	return out
}

func TestController_ExactlyOncePerMessageID(t *testing.T) {
	serverA := newFeedServer(t, 1)
	serverB := newFeedServer(t, 2)
	tickets := &routingTickets{urls: map[string]string{
		"endpoint-a": serverA.url(),
		"endpoint-b": serverB.url(),
	}}

	c := NewController(tickets, Options{Reconnection: slowReconnection()}, nil)
	defer c.Close(context.Background())

	require.NoError(t, c.Connect(context.Background(), &apiv2.SocketStartParameter{
		Classifications: []string{"telegram.earthquake"},
	}, "endpoint-a", "endpoint-b"))

	waitForController(t, func() bool { return c.ActiveConnectionCount() == 2 })
	assert.Equal(t, StatusFullyConnected, c.Status())
	assert.Equal(t, []string{"endpoint-a", "endpoint-b"}, c.ConnectedEndpoints())

	// Both endpoints deliver the same telegram.
	serverA.send(dataFrame("H1"))
	serverB.send(dataFrame("H1"))

	waitForController(t, func() bool { return c.TotalMessagesReceived() == 2 })

	// Exactly one public delivery.
	select {
	case msg := <-c.Data():
		assert.Equal(t, "H1", msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for public data event")
	}
	select {
	case msg := <-c.Data():
		t.Fatalf("second public delivery of %q", msg.ID)
	case <-time.After(200 * time.Millisecond):
	}

	assert.Equal(t, int64(2), c.TotalMessagesReceived())
	assert.False(t, c.LastMessageTime().IsZero())

	// Two raw events, the second flagged as duplicate.
	events := collectEventsUntil(t, c, func(evs []Event) bool {
		n := 0
		for _, ev := range evs {
			if r, ok := ev.(RawDataEvent); ok && r.Message.ID == "H1" {
				n++
			}
		}
		return n == 2
	})
	var raw []RawDataEvent
	for _, ev := range events {
		if r, ok := ev.(RawDataEvent); ok && r.Message.ID == "H1" {
			raw = append(raw, r)
		}
	}
	require.Len(t, raw, 2)
	waitForController(t, func() bool { return c.DuplicateMessagesFiltered() == 1 })
	dupCount := 0
	for _, r := range raw {
		if r.IsDuplicate {
			dupCount++
		}
	}
	assert.Equal(t, 1, dupCount, "exactly one raw event flagged duplicate")
}

func TestController_PartialFailureIsolation(t *testing.T) {
	serverB := newFeedServer(t, 2)
	tickets := &routingTickets{
		urls: map[string]string{"endpoint-b": serverB.url()},
		fail: map[string]error{"endpoint-a": &apiv2.APIError{Status: 402, Message: "The contract is not valid"}},
	}

	c := NewController(tickets, Options{Reconnection: slowReconnection()}, nil)
	defer c.Close(context.Background())

	err := c.Connect(context.Background(), &apiv2.SocketStartParameter{
		Classifications: []string{"telegram.earthquake"},
	}, "endpoint-a", "endpoint-b")
	require.NoError(t, err, "per-endpoint failures must not escape Connect")

	waitForController(t, func() bool { return c.ActiveConnectionCount() == 1 })
	assert.Equal(t, []string{"endpoint-b"}, c.ConnectedEndpoints())
	assert.True(t, c.IsConnected())

	var connErrs []ConnectionErrorEvent
	for _, ev := range drainEvents(c) {
		if e, ok := ev.(ConnectionErrorEvent); ok {
			connErrs = append(connErrs, e)
		}
	}
	require.Len(t, connErrs, 1)
	assert.Equal(t, "endpoint-a", connErrs[0].Endpoint)
	assert.True(t, apiv2.IsNotValidContract(connErrs[0].Err))
}

func TestController_StatusChangeFiresOncePerTransition(t *testing.T) {
	server := newFeedServer(t, 1)
	tickets := &routingTickets{urls: map[string]string{"endpoint-a": server.url()}}

	c := NewController(tickets, Options{Reconnection: slowReconnection()}, nil)
	defer c.Close(context.Background())

	require.NoError(t, c.Connect(context.Background(), &apiv2.SocketStartParameter{
		Classifications: []string{"telegram.earthquake"},
	}, "endpoint-a"))
	waitForController(t, func() bool { return c.Status() == StatusFullyConnected })

	events := collectEventsUntil(t, c, func(evs []Event) bool {
		for _, ev := range evs {
			if _, ok := ev.(StatusChangedEvent); ok {
				return true
			}
		}
		return false
	})
	changes := 0
	for _, ev := range events {
		if ch, ok := ev.(StatusChangedEvent); ok {
			changes++
			assert.Equal(t, StatusFullyConnected, ch.Status)
		}
	}
	assert.Equal(t, 1, changes, "one transition, one event")

	// Repeated identical recomputation must stay silent.
	c.updateStatus()
	c.updateStatus()
	for _, ev := range drainEvents(c) {
		if _, ok := ev.(StatusChangedEvent); ok {
			t.Error("status event fired without a transition")
		}
	}
}

func TestController_RedundancyRestoredOnConnect(t *testing.T) {
	server := newFeedServer(t, 1)
	tickets := &routingTickets{urls: map[string]string{"endpoint-a": server.url()}}

	c := NewController(tickets, Options{Reconnection: slowReconnection()}, nil)
	defer c.Close(context.Background())

	require.NoError(t, c.Connect(context.Background(), &apiv2.SocketStartParameter{
		Classifications: []string{"telegram.earthquake"},
	}, "endpoint-a"))
	waitForController(t, func() bool { return c.IsConnected() })

	restored := false
	for _, ev := range drainEvents(c) {
		if _, ok := ev.(RedundancyRestoredEvent); ok {
			restored = true
		}
	}
	assert.True(t, restored, "connect from cold must report redundancy restored")
}

func TestController_AllConnectionsLostWhenEveryEndpointFails(t *testing.T) {
	tickets := &routingTickets{fail: map[string]error{
		"endpoint-a": fmt.Errorf("unreachable"),
		"endpoint-b": fmt.Errorf("unreachable"),
	}}

	c := NewController(tickets, Options{Reconnection: slowReconnection()}, nil)
	defer c.Close(context.Background())

	require.NoError(t, c.Connect(context.Background(), &apiv2.SocketStartParameter{
		Classifications: []string{"telegram.earthquake"},
	}, "endpoint-a", "endpoint-b"))

	assert.Equal(t, 0, c.ActiveConnectionCount())
	assert.Equal(t, StatusDisconnected, c.Status())

	var lost *AllConnectionsLostEvent
	for _, ev := range drainEvents(c) {
		if e, ok := ev.(AllConnectionsLostEvent); ok {
			lost = &e
		}
	}
	require.NotNil(t, lost)
	assert.ElementsMatch(t, []string{"endpoint-a", "endpoint-b"}, lost.Endpoints)
	assert.Equal(t, time.Hour, lost.NextRetryIn)
}

func TestController_AllConnectionsLostFiresOncePerOutage(t *testing.T) {
	serverA := newFeedServer(t, 1)
	serverB := newFeedServer(t, 2)
	tickets := &routingTickets{urls: map[string]string{
		"endpoint-a": serverA.url(),
		"endpoint-b": serverB.url(),
	}}

	c := NewController(tickets, Options{Reconnection: slowReconnection()}, nil)
	defer c.Close(context.Background())

	require.NoError(t, c.Connect(context.Background(), &apiv2.SocketStartParameter{
		Classifications: []string{"telegram.earthquake"},
	}, "endpoint-a", "endpoint-b"))
	waitForController(t, func() bool { return c.ActiveConnectionCount() == 2 })
	drainEvents(c)

	// Kill both connections at once so the two disconnect callbacks race.
	serverA.closeClientConns()
	serverB.closeClientConns()
	waitForController(t, func() bool { return c.ActiveConnectionCount() == 0 })

	events := collectEventsUntil(t, c, func(evs []Event) bool {
		for _, ev := range evs {
			if _, ok := ev.(AllConnectionsLostEvent); ok {
				return true
			}
		}
		return false
	})
	time.Sleep(100 * time.Millisecond)
	events = append(events, drainEvents(c)...)

	lost := 0
	for _, ev := range events {
		if _, ok := ev.(AllConnectionsLostEvent); ok {
			lost++
		}
	}
	assert.Equal(t, 1, lost, "one outage, one event")
}

func TestController_ReconnectEndpoint(t *testing.T) {
	server := newFeedServer(t, 1)
	tickets := &routingTickets{urls: map[string]string{"endpoint-a": server.url()}}

	c := NewController(tickets, Options{Reconnection: slowReconnection()}, nil)
	defer c.Close(context.Background())

	// Before any Connect there are no stored parameters.
	err := c.ReconnectEndpoint(context.Background(), "endpoint-a")
	assert.ErrorIs(t, err, ErrNoParameters)

	require.NoError(t, c.Connect(context.Background(), &apiv2.SocketStartParameter{
		Classifications: []string{"telegram.earthquake"},
	}, "endpoint-a"))
	waitForController(t, func() bool { return c.IsConnected() })

	// Reconnecting a connected endpoint is a no-op, not an error.
	require.NoError(t, c.ReconnectEndpoint(context.Background(), "endpoint-a"))

	err = c.ReconnectEndpoint(context.Background(), "endpoint-x")
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestController_DisconnectClearsTopology(t *testing.T) {
	server := newFeedServer(t, 1)
	tickets := &routingTickets{urls: map[string]string{"endpoint-a": server.url()}}

	c := NewController(tickets, Options{Reconnection: slowReconnection()}, nil)
	defer c.Close(context.Background())

	require.NoError(t, c.Connect(context.Background(), &apiv2.SocketStartParameter{
		Classifications: []string{"telegram.earthquake"},
	}, "endpoint-a"))
	waitForController(t, func() bool { return c.IsConnected() })

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, 0, c.ActiveConnectionCount())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsConnected())

	// Disconnect twice is safe.
	require.NoError(t, c.Disconnect(context.Background()))
}

func TestController_CloseRejectsFurtherUse(t *testing.T) {
	tickets := &routingTickets{}
	c := NewController(tickets, Options{Reconnection: slowReconnection()}, nil)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()), "Close is idempotent")

	err := c.Connect(context.Background(), &apiv2.SocketStartParameter{}, "endpoint-a")
	assert.ErrorIs(t, err, ErrClosed)

	err = c.ReconnectEndpoint(context.Background(), "endpoint-a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestController_DefaultEndpoints(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, DefaultEndpoints, opts.Endpoints)
	assert.Equal(t, DefaultDedupCacheSize, opts.DedupCacheSize)
	assert.Equal(t, socket.DefaultReconnectionOptions(), opts.Reconnection)
}
