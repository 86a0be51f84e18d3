package types

import (
	"context"
	"time"
)

// MessageType is the transport-level type tag of an envelope, e.g. "user_message" or "ping".
type MessageType string

const (
	MessageTypePing      MessageType = "ping"
	MessageTypePong      MessageType = "pong"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeUser      MessageType = "user_message"
	MessageTypeAgent     MessageType = "agent_request"
	MessageTypeError     MessageType = "error"
)

// Envelope is one inbound interaction after the transport has framed it.
//
// ID, Type, UserID, ThreadID and RunID are identity fields: the router stamps
// them before dispatch and middleware must not change them. Metadata is free
// for middleware to annotate.
type Envelope struct {
	ID        ID                     `json:"id"`
	Type      MessageType            `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	ThreadID  string                 `json:"thread_id,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Identity is the immutable part of an envelope.
type Identity struct {
	ID       ID
	Type     MessageType
	UserID   string
	ThreadID string
	RunID    string
}

// Identity returns the envelope's identity fields.
func (e *Envelope) Identity() Identity {
	return Identity{
		ID:       e.ID,
		Type:     e.Type,
		UserID:   e.UserID,
		ThreadID: e.ThreadID,
		RunID:    e.RunID,
	}
}

// RestoreIdentity overwrites the identity fields with id.
func (e *Envelope) RestoreIdentity(id Identity) {
	e.ID = id.ID
	e.Type = id.Type
	e.UserID = id.UserID
	e.ThreadID = id.ThreadID
	e.RunID = id.RunID
}

// SetMetadata sets a metadata label, allocating the map if needed.
func (e *Envelope) SetMetadata(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}

// TransportHandle is the connection a message arrived on. It is owned by the
// transport layer; the router only passes it through to handlers.
type TransportHandle interface {
	// ConnectionID identifies the connection, usually a websocket structured ID.
	ConnectionID() string

	// Send delivers an envelope back to the peer.
	Send(ctx context.Context, env *Envelope) error
}
