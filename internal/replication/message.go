// Package replication fans CRDT updates out between server processes. The
// update bytes go to the payload store; only a small envelope crosses the
// transport.
package replication

import (
	"encoding/json"
	"fmt"
)

type Message struct {
	ID       string
	Channel  string
	SenderID string
	// TargetID addresses a single peer. Empty means broadcast.
	TargetID string
	Clock    uint64
	Payload  []byte
}

type Envelope struct {
	ID         string `json:"id"`
	Channel    string `json:"channel"`
	SenderID   string `json:"senderId"`
	TargetID   string `json:"targetId,omitempty"`
	Clock      uint64 `json:"clock"`
	PayloadRef string `json:"payloadRef"`
}

// DecodeError marks a received message that was dropped.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "replication decode: " + e.Reason
	}
	return fmt.Sprintf("replication decode: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TransportChannel truncates a logical channel name to the transport's length
// limit. Receivers still compare the envelope's logical channel.
func TransportChannel(channel string, limit int) string {
	if limit <= 0 || len(channel) <= limit {
		return channel
	}
	return channel[:limit]
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}
