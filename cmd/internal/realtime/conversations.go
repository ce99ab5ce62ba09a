package realtime

import (
	"time"

	v1 "relay/shared/contracts/realtime/v1"
)

// PlaceholderName is the display name used for a peer with no known profile.
func PlaceholderName(userID string) string { return "User " + userID }

// Summary is one owner-side, per-peer conversation summary.
type Summary struct {
	PeerID   string
	PeerName string
	// NamePlaceholder is set while PeerName is synthesized; only then may a
	// later touch replace it.
	NamePlaceholder bool
	LastMessage     string
	LastMessageTime time.Time
	UnreadCount     int
}

// Payload converts s to its wire form.
func (s Summary) Payload() v1.ConversationPayload {
	return v1.ConversationPayload{
		UserID:              s.PeerID,
		Username:            s.PeerName,
		UsernamePlaceholder: s.NamePlaceholder,
		LastMessage:         s.LastMessage,
		LastMessageTime:     s.LastMessageTime,
		UnreadCount:         s.UnreadCount,
	}
}

// Conversations is the Conversation Aggregator: per owner, summaries ordered
// most-recently-touched first. Head-of-list position is the only ordering key.
//
// Conversations is not safe for concurrent use; the Broker serializes access.
type Conversations struct {
	byOwner map[string][]*Summary
}

// NewConversations constructs an empty aggregator.
func NewConversations() *Conversations {
	return &Conversations{byOwner: make(map[string][]*Summary)}
}

// Touch folds msg into owner's summary for peer and returns owner's full list.
//
// viewing reports whether owner currently has the conversation open; inbound
// messages then leave the unread count unchanged. peerName is the best known
// display name ("" when unknown). A placeholder name is upgraded when a later
// touch supplies a real one; there is no other rename path.
func (c *Conversations) Touch(owner, peer string, msg Message, viewing bool, peerName string) []Summary {
	list := c.byOwner[owner]
	// A note to self is never unread.
	inbound := msg.SenderID == peer && peer != owner

	idx := -1
	for i, s := range list {
		if s.PeerID == peer {
			idx = i
			break
		}
	}

	if idx < 0 {
		s := &Summary{
			PeerID:          peer,
			PeerName:        peerName,
			LastMessage:     msg.Body,
			LastMessageTime: msg.Timestamp,
		}
		if peerName == "" {
			s.PeerName = PlaceholderName(peer)
			s.NamePlaceholder = true
		}
		if inbound {
			s.UnreadCount = 1
		}
		list = append([]*Summary{s}, list...)
		c.byOwner[owner] = list
		return c.List(owner)
	}

	s := list[idx]
	s.LastMessage = msg.Body
	s.LastMessageTime = msg.Timestamp
	if peerName != "" && s.NamePlaceholder {
		s.PeerName = peerName
		s.NamePlaceholder = false
	}
	if inbound && !viewing {
		s.UnreadCount++
	}

	if idx > 0 {
		copy(list[1:idx+1], list[:idx])
		list[0] = s
	}
	return c.List(owner)
}

// MarkRead resets owner's unread count for peer. It reports whether a
// summary existed and changed.
func (c *Conversations) MarkRead(owner, peer string) bool {
	for _, s := range c.byOwner[owner] {
		if s.PeerID == peer {
			if s.UnreadCount == 0 {
				return false
			}
			s.UnreadCount = 0
			return true
		}
	}
	return false
}

// Get returns owner's summary for peer.
func (c *Conversations) Get(owner, peer string) (Summary, bool) {
	for _, s := range c.byOwner[owner] {
		if s.PeerID == peer {
			return *s, true
		}
	}
	return Summary{}, false
}

// List returns a copy of owner's summaries, most recent first.
func (c *Conversations) List(owner string) []Summary {
	list := c.byOwner[owner]
	out := make([]Summary, len(list))
	for i, s := range list {
		out[i] = *s
	}
	return out
}

func summariesPayload(list []Summary) v1.ConversationsListPayload {
	out := make([]v1.ConversationPayload, len(list))
	for i, s := range list {
		out[i] = s.Payload()
	}
	return v1.ConversationsListPayload{Conversations: out}
}
