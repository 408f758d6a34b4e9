// Package v1 defines the Murmur Realtime Protocol v1 contract.
//
// It is shared between the server and clients so the wire protocol stays authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeChannelJoin subscribes the session to a channel it is a member of (client -> server).
	TypeChannelJoin = "channel_join"
	// TypeChannelJoined confirms a join and carries the latest history page (server -> client).
	TypeChannelJoined = "channel_joined"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts a newly appended message (server -> channel members).
	TypeMessageNew = "message_new"

	// TypeTyping signals typing (client -> server) or carries the typing snapshot (server -> client).
	TypeTyping = "typing"
	// TypeTypingStop clears the sender's typing entry (client -> server).
	TypeTypingStop = "typing_stop"

	// TypePresence carries the set of online users (server -> client).
	TypePresence = "presence"

	// TypeHistoryFetch requests a history page (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a history page (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeChannelJoin,
		TypeChannelJoined,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeTyping,
		TypeTypingStop,
		TypePresence,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id and the authenticated user.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ChannelRef addresses a channel in client requests.
type ChannelRef struct {
	ChannelID string `json:"channel_id"`
}

// Channel is the public channel summary.
type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MemberIDs   []string  `json:"member_ids"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is the public message representation.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelJoinedPayload confirms a join with the most recent history page.
type ChannelJoinedPayload struct {
	Channel  Channel   `json:"channel"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// MessageSendPayload requests sending a message into a channel.
type MessageSendPayload struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

// MessageAckPayload acknowledges a send request with the canonical server ids.
type MessageAckPayload struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Seq       int64  `json:"seq"`
	Delivered int    `json:"delivered"`
}

// TypingPayload is the typing snapshot for a channel.
type TypingPayload struct {
	ChannelID string   `json:"channel_id"`
	UserIDs   []string `json:"user_ids"`
}

// PresencePayload carries the distinct online users.
type PresencePayload struct {
	UserIDs []string `json:"user_ids"`
}

// HistoryFetchPayload requests a latest-first history page.
type HistoryFetchPayload struct {
	ChannelID string `json:"channel_id"`
	Page      int    `json:"page,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns one history page, ordered oldest to newest.
type HistoryChunkPayload struct {
	ChannelID string    `json:"channel_id"`
	Page      int       `json:"page"`
	Messages  []Message `json:"messages"`
	HasMore   bool      `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
