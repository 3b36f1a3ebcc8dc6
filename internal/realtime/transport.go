package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope is the wire frame exchanged over the live channel.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Envelope types.
const (
	EnvMessage     = "message"
	EnvTyping      = "typing"
	EnvReadReceipt = "readReceipt"
	EnvJoinGroup   = "joinGroup"
	EnvPing        = "ping"
	EnvPong        = "pong"
)

// Conn is one established live connection. WriteEnvelope is safe for
// concurrent use; ReadEnvelope is called from a single reader goroutine.
type Conn interface {
	// ID returns the server-assigned connection identifier.
	ID() string

	// WriteEnvelope sends one frame.
	WriteEnvelope(env Envelope) error

	// ReadEnvelope blocks for the next inbound frame. It returns an error
	// once the connection drops or is closed.
	ReadEnvelope() (Envelope, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Transport establishes live connections. The production implementation
// negotiates over HTTP and dials a websocket; tests substitute a fake.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// joinGroupData is the payload of the join-group frame sent after every
// connect so the server routes the user's traffic to this connection.
type joinGroupData struct {
	Group string `json:"group"`
}

// newEnvelope builds a frame with the payload marshalled in place.
func newEnvelope(envType string, data any) (Envelope, error) {
	env := Envelope{Type: envType, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}
