// Package protocol defines the wire frames exchanged over a relay connection.
// Frames are JSON objects discriminated by a "type" field and are decoded
// exactly once at the transport boundary.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType discriminates the closed set of wire frames.
type FrameType string

const (
	FrameHeartbeat    FrameType = "heartbeat"
	FrameHeartbeatAck FrameType = "heartbeat_ack"
	FrameTyping       FrameType = "typing"
	FrameReadReceipt  FrameType = "read_receipt"
	FrameMessage      FrameType = "message"
	FramePresence     FrameType = "presence"
	FrameHistory      FrameType = "history"
	FrameError        FrameType = "error"

	// FrameUnknown is the decode result for a syntactically valid frame whose
	// type is not part of the protocol.
	FrameUnknown FrameType = "unknown"
)

// Close codes sent when the server terminates a connection for policy reasons.
const (
	CloseNormal             = 1000
	ClosePolicyViolation    = 4000
	CloseUnauthorized       = 4001
	CloseTooManyConnections = 4008
	CloseRecoveryFailed     = 4009
	CloseChannelInactive    = 4010
	ClosePoolFull           = 4013
)

// ChatMessage is a user message as broadcast to channel members. The server
// stamps ID, UserID, ClientID, Timestamp and Sequence before fan-out.
type ChatMessage struct {
	Type      FrameType `json:"type"`
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Sequence  int64     `json:"sequence,omitempty"`
}

// Typing signals that a user started or stopped typing.
type Typing struct {
	Type     FrameType `json:"type"`
	UserID   string    `json:"user_id,omitempty"`
	ClientID string    `json:"client_id,omitempty"`
	IsTyping bool      `json:"is_typing"`
}

// ReadReceipt acknowledges that a user has read a message.
type ReadReceipt struct {
	Type      FrameType `json:"type"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Presence announces a client's online/offline transition to its channel.
type Presence struct {
	Type      FrameType `json:"type"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatAck answers a client heartbeat.
type HeartbeatAck struct {
	Type      FrameType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// History carries recent durable messages to a newly admitted connection.
type History struct {
	Type     FrameType      `json:"type"`
	Messages []*ChatMessage `json:"messages"`
}

// ErrorFrame is an in-band error that does not terminate the session.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

// NewErrorFrame builds an error frame with the given message.
func NewErrorFrame(msg string) *ErrorFrame {
	return &ErrorFrame{Type: FrameError, Message: msg}
}

// NewHeartbeatAck builds a heartbeat acknowledgement stamped with now.
func NewHeartbeatAck(now time.Time) *HeartbeatAck {
	return &HeartbeatAck{Type: FrameHeartbeatAck, Timestamp: now}
}

// NewPresence builds a presence frame for the given client transition.
func NewPresence(userID, clientID, status string, now time.Time) *Presence {
	return &Presence{
		Type:      FramePresence,
		UserID:    userID,
		ClientID:  clientID,
		Status:    status,
		Timestamp: now,
	}
}

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Inbound is the decoded form of a client frame. Exactly one of the payload
// fields is set, matching Type; FrameUnknown and FrameHeartbeat carry none.
type Inbound struct {
	Type        FrameType
	Typing      *Typing
	ReadReceipt *ReadReceipt
	Message     *ChatMessage
}

// Decode parses a raw client frame. Unrecognized types yield FrameUnknown
// rather than an error; an error means the payload was not a valid frame at
// all (bad JSON, missing type, or a malformed payload for a known type).
func Decode(data []byte) (*Inbound, error) {
	var probe struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("frame missing type field")
	}

	in := &Inbound{Type: probe.Type}
	switch probe.Type {
	case FrameHeartbeat:
		return in, nil

	case FrameTyping:
		var t Typing
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("malformed typing frame: %w", err)
		}
		in.Typing = &t
		return in, nil

	case FrameReadReceipt:
		var r ReadReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("malformed read_receipt frame: %w", err)
		}
		if r.MessageID == "" {
			return nil, fmt.Errorf("read_receipt frame missing message_id")
		}
		in.ReadReceipt = &r
		return in, nil

	case FrameMessage:
		var m ChatMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed message frame: %w", err)
		}
		if m.Content == "" {
			return nil, fmt.Errorf("message frame missing content")
		}
		in.Message = &m
		return in, nil

	default:
		in.Type = FrameUnknown
		return in, nil
	}
}
