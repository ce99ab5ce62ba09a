package client

import (
	"relay/shared/chatstate"
	v1 "relay/shared/contracts/realtime/v1"
)

// Bind feeds broker and connection events into store until the returned
// subscription is closed. Payloads that fail to decode are skipped.
func (c *Client) Bind(store *chatstate.Store) *Subscription {
	me := c.opts.Identity.UserID

	messageHandler := func(status chatstate.MessageStatus) Handler {
		return func(env v1.Envelope) {
			var p v1.MessagePayload
			if env.Decode(&p) != nil {
				return
			}
			peer, inbound := p.ReceiverID, false
			if p.SenderID != me {
				peer, inbound = p.SenderID, true
			}
			if peer == "" {
				return
			}
			update := chatstate.ConversationUpdated{
				PeerID:          peer,
				LastMessage:     p.Message,
				LastMessageTime: p.Timestamp,
				Inbound:         inbound,
			}
			if inbound && !p.SenderNamePlaceholder {
				update.PeerName = p.SenderName
			}
			store.Dispatch(
				chatstate.MessageAdded{PeerID: peer, Message: toMessage(p, status)},
				update,
			)
		}
	}

	subs := []*Subscription{
		c.On(v1.TypeUserStatus, func(env v1.Envelope) {
			var p v1.UserStatusPayload
			if env.Decode(&p) != nil {
				return
			}
			if p.IsSnapshot() {
				store.Dispatch(chatstate.PresenceReplaced{Online: p.Online})
				return
			}
			store.Dispatch(chatstate.PresenceChanged{UserID: p.UserID, Online: p.IsOnline})
		}),

		c.On(v1.TypeNewMessage, messageHandler(chatstate.Confirmed)),
		c.On(EventMessagePending, messageHandler(chatstate.Provisional)),

		c.On(v1.TypeUserTyping, func(env v1.Envelope) {
			var p v1.UserTypingPayload
			if env.Decode(&p) != nil {
				return
			}
			store.Dispatch(chatstate.TypingChanged{UserID: p.SenderID, IsTyping: p.IsTyping})
		}),

		c.On(v1.TypeMessageHistory, func(env v1.Envelope) {
			var p v1.MessageHistoryPayload
			if env.Decode(&p) != nil {
				return
			}
			msgs := make([]chatstate.Message, 0, len(p.Messages))
			for _, m := range p.Messages {
				msgs = append(msgs, toMessage(m, chatstate.Confirmed))
			}
			if p.Page <= 1 {
				store.Dispatch(chatstate.MessagesReplaced{PeerID: p.OtherUserID, Messages: msgs})
				return
			}
			events := make([]chatstate.Event, 0, len(msgs))
			for _, m := range msgs {
				events = append(events, chatstate.MessageAdded{PeerID: p.OtherUserID, Message: m})
			}
			store.Dispatch(events...)
		}),

		c.On(v1.TypeConversationsList, func(env v1.Envelope) {
			var p v1.ConversationsListPayload
			if env.Decode(&p) != nil {
				return
			}
			convs := make([]chatstate.Conversation, 0, len(p.Conversations))
			for _, s := range p.Conversations {
				convs = append(convs, chatstate.Conversation{
					PeerID:          s.UserID,
					PeerName:        s.Username,
					NamePlaceholder: s.UsernamePlaceholder,
					LastMessage:     s.LastMessage,
					LastMessageTime: s.LastMessageTime,
					UnreadCount:     s.UnreadCount,
				})
			}
			store.Dispatch(chatstate.ConversationsReplaced{Conversations: convs})
		}),

		c.On(EventConnectionStatus, func(env v1.Envelope) {
			var p ConnectionStatusPayload
			if env.Decode(&p) != nil {
				return
			}
			store.Dispatch(chatstate.ConnectionStatusChanged{Connected: p.Connected, Error: p.Reason})
		}),

		c.On(EventConnectionError, func(env v1.Envelope) {
			var p ConnectionErrorPayload
			if env.Decode(&p) != nil {
				return
			}
			store.Dispatch(chatstate.ConnectionStatusChanged{Connected: false, Error: p.Error})
		}),
	}

	return &Subscription{cancel: func() {
		for _, s := range subs {
			s.Close()
		}
	}}
}

func toMessage(p v1.MessagePayload, status chatstate.MessageStatus) chatstate.Message {
	return chatstate.Message{
		ID:          p.ID,
		ClientMsgID: p.ClientMsgID,
		SenderID:    p.SenderID,
		SenderName:  p.SenderName,
		ReceiverID:  p.ReceiverID,
		Body:        p.Message,
		Kind:        p.Type,
		Timestamp:   p.Timestamp,
		Status:      status,
	}
}
