package apiv2

import "time"

// SocketStartParameter is the subscription request posted to socket.start.
// It is immutable once handed to the redundancy controller and is reused
// verbatim for every endpoint and every reconnect attempt.
type SocketStartParameter struct {
	// Classifications selects the telegram categories to receive,
	// e.g. "telegram.earthquake", "eew.forecast".
	Classifications []string `json:"classifications"`
	// Types optionally narrows the telegram type codes. Nil receives every
	// type the classifications cover.
	Types []string `json:"types,omitempty"`
	// Test is "including" to also receive test telegrams.
	Test string `json:"test,omitempty"`
	// AppName is echoed back in the start message and the socket list.
	AppName string `json:"appName,omitempty"`
	// FormatMode is "raw" or "json".
	FormatMode string `json:"formatMode,omitempty"`
}

// SocketStartResponse is the socket.start result carrying the one-time
// ticket URL the WebSocket session dials.
type SocketStartResponse struct {
	ResponseID      string        `json:"responseId"`
	ResponseTime    time.Time     `json:"responseTime"`
	Status          string        `json:"status"`
	Ticket          string        `json:"ticket"`
	WebSocket       WebSocketInfo `json:"websocket"`
	Classifications []string      `json:"classifications"`
	Test            string        `json:"test,omitempty"`
	Types           []string      `json:"types"`
	Formats         []string      `json:"formats"`
	AppName         *string       `json:"appName"`
}

// WebSocketInfo describes the connection the ticket opens.
type WebSocketInfo struct {
	ID int `json:"id"`
	// URL is the dial target, ticket included. Valid for Expiration seconds.
	URL string `json:"url"`
	// Protocol is fixed at ["dmdata.v2"].
	Protocol   []string `json:"protocol"`
	Expiration int      `json:"expiration"`
}

// SocketListResponse is the socket.list result.
type SocketListResponse struct {
	ResponseID   string       `json:"responseId"`
	ResponseTime time.Time    `json:"responseTime"`
	Status       string       `json:"status"`
	Items        []SocketItem `json:"items"`
}

// SocketItem is one open WebSocket session as reported by socket.list.
type SocketItem struct {
	ID              int        `json:"id"`
	Ticket          string     `json:"ticket,omitempty"`
	Classifications []string   `json:"classifications"`
	Test            string     `json:"test,omitempty"`
	AppName         *string    `json:"appName"`
	Formats         []string   `json:"formats"`
	IPAddress       string     `json:"ipAddress,omitempty"`
	Server          string     `json:"server,omitempty"`
	Start           *time.Time `json:"start,omitempty"`
}
