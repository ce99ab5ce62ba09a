// Package v1 defines the relay realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the broker and clients to keep the wire protocol authoritative.
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

// Subprotocol is the websocket subprotocol negotiated at upgrade time.
const Subprotocol = "relay.v1"

// Client -> broker types (wire-stable).
const (
	// TypeJoin registers the connection as the user's active session.
	TypeJoin = "join"
	// TypeSendMessage routes a direct message to a peer.
	TypeSendMessage = "send_message"
	// TypeTyping forwards an ephemeral typing signal to a peer.
	TypeTyping = "typing"
	// TypeJoinRoom marks the sender as viewing a conversation.
	TypeJoinRoom = "join_room"
	// TypeLeaveRoom clears the viewing mark.
	TypeLeaveRoom = "leave_room"
	// TypeGetMessageHistory requests a page of a conversation log.
	TypeGetMessageHistory = "get_message_history"
	// TypeGetConversations requests the caller's conversation summaries.
	TypeGetConversations = "get_conversations"
	// TypeSendNotification relays an activity notification to another user.
	TypeSendNotification = "send_notification"
)

// Broker -> client types (wire-stable).
const (
	TypeUserStatus        = "user_status"
	TypeNewMessage        = "new_message"
	TypeUserTyping        = "user_typing"
	TypeMessageHistory    = "message_history"
	TypeConversationsList = "conversations_list"
	TypeNewNotification   = "new_notification"

	// TypeError is a generic error envelope (broker -> client).
	TypeError = "error"
)

// RoomID is the conversation key of an unordered user pair: the two ids in
// lexicographic order joined by "_". RoomID(a, b) == RoomID(b, a).
func RoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
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
	case TypeJoin,
		TypeSendMessage,
		TypeTyping,
		TypeJoinRoom,
		TypeLeaveRoom,
		TypeGetMessageHistory,
		TypeGetConversations,
		TypeSendNotification,
		TypeUserStatus,
		TypeNewMessage,
		TypeUserTyping,
		TypeMessageHistory,
		TypeConversationsList,
		TypeNewNotification,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// ---- Client -> broker payloads ----

// JoinPayload binds the connection to a user identity.
type JoinPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// SendMessagePayload requests routing a message to ReceiverID.
// Timestamp is the client clock at send time; the broker keeps it so the
// sender's optimistic copy and the broker echo carry the same value.
type SendMessagePayload struct {
	SenderID    string    `json:"senderId"`
	ReceiverID  string    `json:"receiverId"`
	Message     string    `json:"message"`
	Type        string    `json:"type,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
}

// TypingPayload carries an ephemeral typing signal.
type TypingPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// RoomPayload is used by join_room and leave_room.
type RoomPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// HistoryRequestPayload requests a 1-based page of a conversation log.
type HistoryRequestPayload struct {
	UserID      string `json:"userId"`
	OtherUserID string `json:"otherUserId"`
	Page        int    `json:"page,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// ConversationsRequestPayload requests the caller's summary list.
type ConversationsRequestPayload struct {
	UserID string `json:"userId"`
}

// SenderInfo describes the user that triggered a notification.
type SenderInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// SendNotificationPayload asks the broker to relay an activity notification.
type SendNotificationPayload struct {
	ReceiverID       string          `json:"receiverId"`
	Type             string          `json:"type"`
	Message          string          `json:"message"`
	NotificationData json.RawMessage `json:"notificationData,omitempty"`
	SenderInfo       *SenderInfo     `json:"senderInfo,omitempty"`
}

// ---- Broker -> client payloads ----

// UserStatusPayload is either a single presence transition or, when Online
// is non-nil, the initial snapshot of every other online user.
type UserStatusPayload struct {
	UserID   string          `json:"userId,omitempty"`
	Username string          `json:"username,omitempty"`
	IsOnline bool            `json:"isOnline"`
	Online   map[string]bool `json:"online,omitzero"`
}

// IsSnapshot reports whether p is a bulk snapshot rather than a transition.
func (p UserStatusPayload) IsSnapshot() bool { return p.Online != nil }

// MessagePayload is the full message as logged by the broker.
type MessagePayload struct {
	ID          string `json:"id"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName,omitempty"`
	// SenderNamePlaceholder marks SenderName as synthesized.
	SenderNamePlaceholder bool      `json:"senderNamePlaceholder,omitempty"`
	ReceiverID            string    `json:"receiverId"`
	Message               string    `json:"message"`
	Type                  string    `json:"type"`
	Timestamp             time.Time `json:"timestamp"`
	RoomID                string    `json:"roomId"`
}

// UserTypingPayload is forwarded to the typing signal's receiver.
type UserTypingPayload struct {
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

// MessageHistoryPayload returns one page of a conversation log.
type MessageHistoryPayload struct {
	OtherUserID string           `json:"otherUserId"`
	Messages    []MessagePayload `json:"messages"`
	Page        int              `json:"page"`
	HasMore     bool             `json:"hasMore"`
}

// ConversationPayload is one owner-side conversation summary.
type ConversationPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	// UsernamePlaceholder marks Username as synthesized, not the peer's own.
	UsernamePlaceholder bool      `json:"usernamePlaceholder,omitempty"`
	LastMessage         string    `json:"lastMessage"`
	LastMessageTime     time.Time `json:"lastMessageTime"`
	UnreadCount         int       `json:"unreadCount"`
}

// ConversationsListPayload carries the owner's full list, most recent first.
type ConversationsListPayload struct {
	Conversations []ConversationPayload `json:"conversations"`
}

// NewNotificationPayload is delivered live to an online recipient.
type NewNotificationPayload struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	SenderInfo *SenderInfo     `json:"senderInfo,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
