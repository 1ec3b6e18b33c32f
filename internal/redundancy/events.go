package redundancy

import (
	"time"

	"github.com/otiai10/dmdata/internal/protocol"
)

// Event is the sum type delivered on the controller's Events channel. The
// deduplicated telegram stream has its own channel; these events exist for
// health monitoring and raw observability.
type Event interface {
	event()
}

// RawDataEvent fires for every inbound data message before deduplication,
// once per delivering endpoint.
type RawDataEvent struct {
	Endpoint    string
	Message     *protocol.DataMessage
	IsDuplicate bool
	ReceivedAt  time.Time
}

// ConnectionEstablishedEvent fires when an endpoint's session receives its
// start acknowledgement.
type ConnectionEstablishedEvent struct {
	Endpoint string
	Start    *protocol.StartMessage
	At       time.Time
}

// ConnectionLostEvent fires when an endpoint's session disconnects.
type ConnectionLostEvent struct {
	Endpoint      string
	Reason        string
	WillReconnect bool
	At            time.Time
}

// ConnectionErrorEvent fires for per-endpoint failures: a failed connect, or
// a server error message on an open session. Exactly one of Err and Message
// is set.
type ConnectionErrorEvent struct {
	Endpoint string
	Err      error
	Message  *protocol.ErrorMessage
}

// ReconnectionAttemptEvent fires before each backoff delay.
type ReconnectionAttemptEvent struct {
	Endpoint string
	Attempt  int
	Delay    time.Duration
}

// ReconnectionSucceededEvent fires when an endpoint's loop re-establishes
// its session.
type ReconnectionSucceededEvent struct {
	Endpoint string
}

// ReconnectionFailedEvent fires per failed attempt, and once more with
// reason "max attempts reached" when a bounded loop gives up for good.
type ReconnectionFailedEvent struct {
	Endpoint string
	Attempt  int
	Reason   string
}

// StatusChangedEvent fires once per distinct aggregate status transition.
type StatusChangedEvent struct {
	Status            Status
	ActiveConnections int
	ActiveEndpoints   []string
	At                time.Time
}

// RedundancyRestoredEvent fires when the set goes from zero connections to
// at least one.
type RedundancyRestoredEvent struct {
	Endpoint          string
	ActiveConnections int
	At                time.Time
}

// AllConnectionsLostEvent fires when the last connection drops. NextRetryIn
// is the first backoff delay of the per-endpoint reconnection loops.
type AllConnectionsLostEvent struct {
	Endpoints     []string
	WillReconnect bool
	NextRetryIn   time.Duration
	At            time.Time
}

func (RawDataEvent) event()               {}
func (ConnectionEstablishedEvent) event() {}
func (ConnectionLostEvent) event()        {}
func (ConnectionErrorEvent) event()       {}
func (ReconnectionAttemptEvent) event()   {}
func (ReconnectionSucceededEvent) event() {}
func (ReconnectionFailedEvent) event()    {}
func (StatusChangedEvent) event()         {}
func (RedundancyRestoredEvent) event()    {}
func (AllConnectionsLostEvent) event()    {}
