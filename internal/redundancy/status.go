package redundancy

// Status classifies the aggregate health of the redundant connection set.
type Status int

const (
	// StatusDisconnected means no endpoint is connected.
	StatusDisconnected Status = iota
	// StatusDegraded means fewer than half the configured endpoints are
	// connected, but at least one is.
	StatusDegraded
	// StatusPartiallyConnected means at least half the configured endpoints
	// are connected, but not all.
	StatusPartiallyConnected
	// StatusFullyConnected means every configured endpoint is connected.
	StatusFullyConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusDegraded:
		return "degraded"
	case StatusPartiallyConnected:
		return "partially_connected"
	case StatusFullyConnected:
		return "fully_connected"
	default:
		return "unknown"
	}
}

// computeStatus derives the aggregate status from the active/configured
// counts. The degraded/partial boundary is the >=50% rule: with the active
// count at or above half the configured total the set is partially
// connected, below it degraded.
func computeStatus(active, total int) Status {
	switch {
	case active == 0:
		return StatusDisconnected
	case active == total:
		return StatusFullyConnected
	case active >= total/2:
		return StatusPartiallyConnected
	default:
		return StatusDegraded
	}
}
