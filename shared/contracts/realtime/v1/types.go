// Package v1 defines the Tars Realtime Protocol v1 contract.
//
// It is shared between the server and its clients so the wire protocol has
// one authoritative definition.
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

// Subprotocol is the websocket subprotocol negotiated on upgrade.
const Subprotocol = "tars.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello is an optional handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck describes the session (server -> client).
	TypeHelloAck = "hello_ack"

	// TypePresenceSnapshot lists every online username (server -> new session).
	TypePresenceSnapshot = "presence_snapshot"
	// TypeUserJoined announces an identity coming online (server -> all).
	TypeUserJoined = "user_joined"
	// TypeUserLeft announces an identity going offline (server -> all).
	TypeUserLeft = "user_left"

	// TypeMessageSend requests sending a direct message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a persisted message (server -> sender session).
	TypeMessageAck = "message_ack"
	// TypeMessageNew carries a persisted message (server -> sender and receiver sessions).
	TypeMessageNew = "message_new"

	// TypeHistoryLoad requests the conversation with a peer (client -> server).
	TypeHistoryLoad = "history_load"
	// TypeHistoryLoaded returns a conversation window (server -> requesting session).
	TypeHistoryLoaded = "history_loaded"

	// TypeMessageRead marks a peer's messages as read (client -> server).
	TypeMessageRead = "message_read"
	// TypeMessageReadAck reports how many messages were marked (server -> requesting session).
	TypeMessageReadAck = "message_read_ack"
	// TypeMessagesRead tells the original sender that a reader caught up (server -> peer).
	TypeMessagesRead = "messages_read"

	TypeSignalOffer  = "signal_offer"
	TypeSignalAnswer = "signal_answer"
	TypeSignalICE    = "signal_ice"

	TypeOfferReceived        = "offer_received"
	TypeAnswerReceived       = "answer_received"
	TypeICECandidateReceived = "ice_candidate_received"

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
	if !KnownType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// KnownType reports whether t is part of the v1 vocabulary.
func KnownType(t string) bool {
	switch t {
	case TypeHello, TypeHelloAck,
		TypePresenceSnapshot, TypeUserJoined, TypeUserLeft,
		TypeMessageSend, TypeMessageAck, TypeMessageNew,
		TypeHistoryLoad, TypeHistoryLoaded,
		TypeMessageRead, TypeMessageReadAck, TypeMessagesRead,
		TypeSignalOffer, TypeSignalAnswer, TypeSignalICE,
		TypeOfferReceived, TypeAnswerReceived, TypeICECandidateReceived,
		TypeError:
		return true
	default:
		return false
	}
}

// RelayedSignalType maps an inbound signaling type to the type delivered to the peer.
func RelayedSignalType(t string) (string, bool) {
	switch t {
	case TypeSignalOffer:
		return TypeOfferReceived, true
	case TypeSignalAnswer:
		return TypeAnswerReceived, true
	case TypeSignalICE:
		return TypeICECandidateReceived, true
	default:
		return "", false
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to request a hello_ack.
type HelloPayload struct{}

// HelloAckPayload identifies the session to its owner.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

// PresenceSnapshotPayload is the full online list at the time of attachment.
type PresenceSnapshotPayload struct {
	Online []string `json:"online"`
}

// PresenceChangePayload is used for user_joined and user_left.
type PresenceChangePayload struct {
	Username string   `json:"username"`
	Online   []string `json:"online"`
}

// MessageSendPayload requests delivery of a direct message.
type MessageSendPayload struct {
	To          string `json:"to"`
	Text        string `json:"text"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// MessageAckPayload returns the canonical server id for a send request.
type MessageAckPayload struct {
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	ID          string    `json:"id"`
	ServerTS    time.Time `json:"server_ts"`
}

// MessageNewPayload is a persisted direct message. Both ends are named so
// clients can filter by the conversation they have open.
type MessageNewPayload struct {
	ID       string    `json:"id"`
	FromID   string    `json:"from_id"`
	From     string    `json:"from"`
	ToID     string    `json:"to_id"`
	To       string    `json:"to"`
	Text     string    `json:"text"`
	ServerTS time.Time `json:"server_ts"`
	Read     bool      `json:"read"`
}

// HistoryLoadPayload requests the latest messages exchanged with Peer.
// A nil Limit selects the server default.
type HistoryLoadPayload struct {
	Peer  string `json:"peer"`
	Limit *int   `json:"limit,omitempty"`
}

// HistoryLoadedPayload returns messages ordered oldest first.
type HistoryLoadedPayload struct {
	Peer     string              `json:"peer"`
	Messages []MessageNewPayload `json:"messages"`
}

// MessageReadPayload marks every unread message from Peer as read.
type MessageReadPayload struct {
	Peer string `json:"peer"`
}

// MessageReadAckPayload reports how many rows changed.
type MessageReadAckPayload struct {
	Peer    string `json:"peer"`
	Updated int64  `json:"updated"`
}

// MessagesReadPayload tells a sender that Reader has read Count messages.
type MessagesReadPayload struct {
	Reader string `json:"reader"`
	Count  int64  `json:"count"`
}

// SignalPayload carries an opaque WebRTC blob addressed to a username.
type SignalPayload struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// SignalReceivedPayload is the relayed form of SignalPayload.
type SignalReceivedPayload struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
