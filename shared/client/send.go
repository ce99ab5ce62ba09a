package client

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"relay/shared/chatstate"
	v1 "relay/shared/contracts/realtime/v1"
)

const messageKindText = "text"

// SendMessage sends body to receiverID. On success it returns the
// provisional local copy, also published as EventMessagePending; the
// broker's echo later confirms it through the shared ClientMsgID.
func (c *Client) SendMessage(receiverID, body string) (chatstate.Message, bool) {
	me := c.opts.Identity
	m := chatstate.Message{
		ClientMsgID: uuid.NewString(),
		SenderID:    me.UserID,
		SenderName:  me.Username,
		ReceiverID:  receiverID,
		Body:        body,
		Kind:        messageKindText,
		// Millisecond precision, matching browser clients.
		Timestamp: c.now().UTC().Truncate(time.Millisecond),
		Status:    chatstate.Provisional,
	}

	ok := c.send(v1.TypeSendMessage, v1.SendMessagePayload{
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Message:     m.Body,
		Type:        m.Kind,
		Timestamp:   m.Timestamp,
		ClientMsgID: m.ClientMsgID,
	})
	if !ok {
		return chatstate.Message{}, false
	}

	c.emitLocal(EventMessagePending, v1.MessagePayload{
		ClientMsgID: m.ClientMsgID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		ReceiverID:  m.ReceiverID,
		Message:     m.Body,
		Type:        m.Kind,
		Timestamp:   m.Timestamp,
		RoomID:      c.RoomID(receiverID),
	})
	return m, true
}

// SendTyping tells receiverID whether we are typing.
func (c *Client) SendTyping(receiverID string, isTyping bool) bool {
	return c.send(v1.TypeTyping, v1.TypingPayload{
		SenderID:   c.opts.Identity.UserID,
		ReceiverID: receiverID,
		IsTyping:   isTyping,
	})
}

// RoomID is the conversation key shared with peerID.
func (c *Client) RoomID(peerID string) string {
	return v1.RoomID(c.opts.Identity.UserID, peerID)
}

// JoinRoom marks the conversation with peerID as being viewed.
func (c *Client) JoinRoom(peerID string) bool {
	return c.send(v1.TypeJoinRoom, v1.RoomPayload{RoomID: c.RoomID(peerID), UserID: c.opts.Identity.UserID})
}

// LeaveRoom clears the viewing mark for peerID.
func (c *Client) LeaveRoom(peerID string) bool {
	return c.send(v1.TypeLeaveRoom, v1.RoomPayload{RoomID: c.RoomID(peerID), UserID: c.opts.Identity.UserID})
}

// GetHistory requests one page of the conversation with peerID. Zero page
// or limit selects the broker defaults.
func (c *Client) GetHistory(peerID string, page, limit int) bool {
	return c.send(v1.TypeGetMessageHistory, v1.HistoryRequestPayload{
		UserID:      c.opts.Identity.UserID,
		OtherUserID: peerID,
		Page:        page,
		Limit:       limit,
	})
}

// GetConversations requests the caller's conversation summaries.
func (c *Client) GetConversations() bool {
	return c.send(v1.TypeGetConversations, v1.ConversationsRequestPayload{UserID: c.opts.Identity.UserID})
}

// SendNotification relays an activity notification to receiverID. data may
// be nil.
func (c *Client) SendNotification(receiverID, kind, message string, data json.RawMessage) bool {
	me := c.opts.Identity
	return c.send(v1.TypeSendNotification, v1.SendNotificationPayload{
		ReceiverID:       receiverID,
		Type:             kind,
		Message:          message,
		NotificationData: data,
		SenderInfo:       &v1.SenderInfo{ID: me.UserID, Name: me.Username},
	})
}
