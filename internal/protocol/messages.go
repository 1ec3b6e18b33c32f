// Package protocol defines the dmdata WebSocket v2 wire messages.
//
// Every frame on the socket is a JSON object carrying a "type" field that
// selects one of five message shapes: start, data, error, ping and pong.
// Frames are text only; binary frames and frames over MaxFrameSize are
// protocol violations and must abort the connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubProtocol is the WebSocket sub-protocol advertised at handshake.
const SubProtocol = "dmdata.v2"

// MaxFrameSize is the largest reassembled frame the client accepts (1 MiB).
const MaxFrameSize = 1 << 20

// Kind discriminates the message shapes on the wire.
type Kind string

const (
	KindStart Kind = "start"
	KindData  Kind = "data"
	KindError Kind = "error"
	KindPing  Kind = "ping"
	KindPong  Kind = "pong"
)

// Head is the minimal envelope decoded from every frame to pick a Kind.
type Head struct {
	Type Kind `json:"type"`
}

// ParseKind reads only the type discriminator from a raw frame.
func ParseKind(frame []byte) (Kind, error) {
	var h Head
	if err := json.Unmarshal(frame, &h); err != nil {
		return "", fmt.Errorf("parse frame type: %w", err)
	}
	return h.Type, nil
}

// StartMessage is the server's application-level acknowledgement that the
// subscription is live. It echoes the accepted request back to the client.
type StartMessage struct {
	Type            Kind       `json:"type"`
	SocketID        int        `json:"socketId"`
	Classifications []string   `json:"classifications"`
	Test            string     `json:"test,omitempty"`
	Types           []string   `json:"types"`
	Formats         []string   `json:"formats"`
	AppName         *string    `json:"appName"`
	Time            *time.Time `json:"time,omitempty"`
}

// PassingInfo records one hop a telegram passed through before delivery.
type PassingInfo struct {
	Name string    `json:"name"`
	Time time.Time `json:"time"`
}

// TelegramHead carries the telegram header metadata of a data message.
type TelegramHead struct {
	Type        string    `json:"type"`
	Author      string    `json:"author"`
	Time        time.Time `json:"time"`
	Designation *string   `json:"designation"`
	Test        bool      `json:"test"`
	XML         bool      `json:"xml,omitempty"`
}

// XMLReport carries the Control/Head sections of an XML telegram, when the
// telegram is an XML report.
type XMLReport struct {
	Control XMLControl    `json:"control"`
	Head    XMLReportHead `json:"head"`
}

// XMLControl is the jmx Control section of an XML report.
type XMLControl struct {
	Title            string    `json:"title"`
	DateTime         time.Time `json:"dateTime"`
	Status           string    `json:"status"`
	EditorialOffice  string    `json:"editorialOffice"`
	PublishingOffice string    `json:"publishingOffice"`
}

// XMLReportHead is the jmx Head section of an XML report.
type XMLReportHead struct {
	Title           string     `json:"title"`
	ReportDateTime  *time.Time `json:"reportDateTime"`
	TargetDateTime  *time.Time `json:"targetDateTime"`
	EventID         string     `json:"eventId,omitempty"`
	Serial          string     `json:"serial,omitempty"`
	InfoType        string     `json:"infoType"`
	InfoKind        string     `json:"infoKind"`
	InfoKindVersion string     `json:"infoKindVersion"`
	Headline        string     `json:"headline,omitempty"`
}

// DataMessage is one delivered telegram. Id is the lowercase hex SHA-384 of
// the decoded body and is globally unique per telegram, which is what makes
// cross-connection deduplication possible.
type DataMessage struct {
	Type           Kind          `json:"type"`
	Version        string        `json:"version"`
	ID             string        `json:"id"`
	Classification string        `json:"classification"`
	Passing        []PassingInfo `json:"passing"`
	Head           TelegramHead  `json:"head"`
	XMLReport      *XMLReport    `json:"xmlReport,omitempty"`
	// Compression is "gzip", "zip", or empty for an uncompressed body.
	Compression string `json:"compression"`
	// Encoding is "base64" or "utf-8".
	Encoding string `json:"encoding"`
	Body     string `json:"body"`
}

// ErrorMessage is a server-side error report. Close=true means the server is
// about to terminate the connection and the client must treat the session as
// disconnected.
type ErrorMessage struct {
	Type  Kind   `json:"type"`
	Error string `json:"error"`
	Code  int    `json:"code"`
	Close bool   `json:"close"`
}

// PingMessage is a liveness probe. Either side may send one; the receiver
// must answer with a pong echoing the same correlation id.
type PingMessage struct {
	Type   Kind   `json:"type"`
	PingID string `json:"pingId"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type   Kind   `json:"type"`
	PingID string `json:"pingId"`
}

// NewPing builds a client-originated ping with the given correlation id.
func NewPing(pingID string) *PingMessage {
	return &PingMessage{Type: KindPing, PingID: pingID}
}

// NewPong builds the pong answering ping.
func NewPong(ping *PingMessage) *PongMessage {
	return &PongMessage{Type: KindPong, PingID: ping.PingID}
}
