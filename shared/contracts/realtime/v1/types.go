// Package v1 defines the Harbor Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
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
	// TypeHello authenticates a session with a platform access token (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend requests sending a direct message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request with the canonical record (server -> sender).
	TypeMessageAck = "message_ack"
	// TypeMessageNew delivers a newly persisted message (server -> recipient channel).
	TypeMessageNew = "message_new"

	// TypeTypingStart and TypeTypingStop are transient typing indicators (client -> server).
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	// TypeTyping is the relayed indicator (server -> counterpart channel).
	TypeTyping = "typing"

	// TypeMarkRead marks the conversation with a partner as read (client -> server).
	TypeMarkRead = "mark_read"
	// TypeReadReceipt notifies the partner that their messages were read (server -> partner channel).
	TypeReadReceipt = "read_receipt"

	// TypeMessageDelete soft-deletes a message (client -> server).
	TypeMessageDelete = "message_delete"
	// TypeMessageDeleted notifies both participants of a tombstoned message (server -> channels).
	TypeMessageDeleted = "message_deleted"

	// TypeMessageTriage updates support triage fields, admin only (client -> server).
	TypeMessageTriage = "message_triage"
	// TypeMessageUpdated carries the updated record after edit/triage (server -> channels).
	TypeMessageUpdated = "message_updated"

	// TypeQueryOnlineUsers requests the current presence snapshot (client -> server).
	TypeQueryOnlineUsers = "query_online_users"
	// TypePresenceSnapshot returns the presence snapshot (server -> client).
	TypePresenceSnapshot = "presence_snapshot"

	// TypeQueryConversationStatus requests unread count + last message for a partner (client -> server).
	TypeQueryConversationStatus = "query_conversation_status"
	// TypeConversationStatus returns the conversation status (server -> client).
	TypeConversationStatus = "conversation_status"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

var allowedTypes = map[string]struct{}{
	TypeHello:                   {},
	TypeHelloAck:                {},
	TypeMessageSend:             {},
	TypeMessageAck:              {},
	TypeMessageNew:              {},
	TypeTypingStart:             {},
	TypeTypingStop:              {},
	TypeTyping:                  {},
	TypeMarkRead:                {},
	TypeReadReceipt:             {},
	TypeMessageDelete:           {},
	TypeMessageDeleted:          {},
	TypeMessageTriage:           {},
	TypeMessageUpdated:          {},
	TypeQueryOnlineUsers:        {},
	TypePresenceSnapshot:        {},
	TypeQueryConversationStatus: {},
	TypeConversationStatus:      {},
	TypeError:                   {},
}

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
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ---- Payloads ----

// HelloPayload carries the platform-issued access token for session auth.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload confirms authentication and echoes the resolved identity.
type HelloAckPayload struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// MessageSendPayload requests sending a direct message to a recipient.
type MessageSendPayload struct {
	RecipientID string `json:"recipient_id"`
	Body        string `json:"body"`
	Kind        string `json:"kind,omitempty"`
	Category    string `json:"category,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// MessageRecord is the wire form of a persisted message.
type MessageRecord struct {
	ID                string     `json:"id"`
	SenderID          string     `json:"sender_id"`
	RecipientID       string     `json:"recipient_id"`
	SenderDisplayName string     `json:"sender_display_name,omitempty"`
	Body              string     `json:"body"`
	Kind              string     `json:"kind"`
	Category          string     `json:"category"`
	Priority          string     `json:"priority"`
	Status            string     `json:"status"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
	IsDeleted         bool       `json:"is_deleted,omitempty"`
	IsEdited          bool       `json:"is_edited,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// MessageAckPayload acknowledges a send request with the canonical record.
type MessageAckPayload struct {
	Message MessageRecord `json:"message"`
}

// MessageNewPayload delivers a newly persisted message to the recipient.
type MessageNewPayload struct {
	Message MessageRecord `json:"message"`
}

// TypingPayload requests or relays a typing indicator.
// On inbound events PartnerID names the counterpart; on relay UserID names the typist.
type TypingPayload struct {
	PartnerID string `json:"partner_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Typing    bool   `json:"typing"`
}

// MarkReadPayload marks all unread messages from PartnerID as read.
type MarkReadPayload struct {
	PartnerID string `json:"partner_id"`
}

// ReadReceiptPayload notifies a sender that their messages were read.
type ReadReceiptPayload struct {
	ReaderID      string    `json:"reader_id"`
	ModifiedCount int64     `json:"modified_count"`
	ReadAt        time.Time `json:"read_at"`
}

// MessageDeletePayload requests a soft delete of a message.
type MessageDeletePayload struct {
	MessageID string `json:"message_id"`
}

// MessageDeletedPayload notifies participants of a tombstoned message.
type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	DeletedBy string `json:"deleted_by"`
}

// MessageTriagePayload updates support triage fields on a message.
// Empty fields are left unchanged; at least one must be set.
type MessageTriagePayload struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Category  string `json:"category,omitempty"`
}

// MessageUpdatedPayload carries the updated record after an edit or triage change.
type MessageUpdatedPayload struct {
	Message MessageRecord `json:"message"`
}

// PresenceSnapshotPayload returns the set of currently online users.
type PresenceSnapshotPayload struct {
	UserIDs []string `json:"user_ids"`
}

// QueryConversationStatusPayload requests status for the conversation with a partner.
type QueryConversationStatusPayload struct {
	PartnerID string `json:"partner_id"`
}

// ConversationStatusPayload returns unread count and last message for a partner.
type ConversationStatusPayload struct {
	PartnerID   string         `json:"partner_id"`
	UnreadCount int64          `json:"unread_count"`
	LastMessage *MessageRecord `json:"last_message,omitempty"`
	Online      bool           `json:"online"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfterSeconds is set for rate-limit errors.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}
