package chatstate

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"
)

// ErrMalformed reports an event missing a field the reducer needs.
var ErrMalformed = errors.New("chatstate: malformed event")

// Event is one state transition. The set of events is closed.
type Event interface {
	apply(State) (State, error)
}

// Apply folds e into s and returns the next state. A malformed event leaves
// s unchanged.
func Apply(s State, e Event) State {
	next, err := reduce(s, e)
	if err != nil {
		return s
	}
	return next
}

// Strict is Apply for tests: a malformed event panics instead of being ignored.
func Strict(s State, e Event) State {
	next, err := reduce(s, e)
	if err != nil {
		panic(err)
	}
	return next
}

func reduce(s State, e Event) (State, error) {
	if e == nil {
		return s, fmt.Errorf("%w: nil event", ErrMalformed)
	}
	return e.apply(s)
}

func malformed(event, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, event, msg)
}

// ---- conversations ----

// ConversationsReplaced installs the broker's authoritative summary list.
type ConversationsReplaced struct {
	Conversations []Conversation
}

func (e ConversationsReplaced) apply(s State) (State, error) {
	s.Conversations = append([]Conversation(nil), e.Conversations...)
	if s.OpenChat != "" {
		// The open chat is read on this device even if the push raced the open.
		for i := range s.Conversations {
			if s.Conversations[i].PeerID == s.OpenChat {
				s.Conversations[i].UnreadCount = 0
			}
		}
	}
	return s, nil
}

// ConversationUpdated folds one message into the peer's summary: create at
// the head when absent, otherwise update and move to the head. Inbound
// messages count as unread unless the chat with that peer is open; a freshly
// created summary always starts at 1 for an inbound message. A placeholder
// name is replaced when a real one is supplied.
type ConversationUpdated struct {
	PeerID          string
	PeerName        string
	LastMessage     string
	LastMessageTime time.Time
	Inbound         bool
}

func (e ConversationUpdated) apply(s State) (State, error) {
	if e.PeerID == "" {
		return s, malformed("ConversationUpdated", "missing peer")
	}

	idx := -1
	for i, c := range s.Conversations {
		if c.PeerID == e.PeerID {
			idx = i
			break
		}
	}

	var c Conversation
	if idx < 0 {
		c = Conversation{PeerID: e.PeerID, PeerName: e.PeerName}
		if c.PeerName == "" {
			c.PeerName, c.NamePlaceholder = placeholderName(e.PeerID), true
		}
		if e.Inbound {
			c.UnreadCount = 1
		}
	} else {
		c = s.Conversations[idx]
		if e.PeerName != "" && c.NamePlaceholder {
			c.PeerName, c.NamePlaceholder = e.PeerName, false
		}
		if e.Inbound && s.OpenChat != e.PeerID {
			c.UnreadCount++
		}
	}
	c.LastMessage = e.LastMessage
	c.LastMessageTime = e.LastMessageTime

	out := make([]Conversation, 0, len(s.Conversations)+1)
	out = append(out, c)
	for i, old := range s.Conversations {
		if i != idx {
			out = append(out, old)
		}
	}
	s.Conversations = out
	return s, nil
}

// ---- messages ----

// MessageAdded inserts one message into the peer's list.
//
// The message is discarded when the list already holds the same id or the
// same (timestamp, sender) pair. A confirmed message whose ClientMsgID matches
// a provisional entry replaces that entry instead.
type MessageAdded struct {
	PeerID  string
	Message Message
}

func (e MessageAdded) apply(s State) (State, error) {
	m := e.Message
	if e.PeerID == "" || m.SenderID == "" || m.Timestamp.IsZero() {
		return s, malformed("MessageAdded", "missing peer, sender or timestamp")
	}

	cur := s.Messages[e.PeerID]

	if m.Status == Confirmed && m.ClientMsgID != "" {
		for i, old := range cur {
			if old.Status == Provisional && old.ClientMsgID == m.ClientMsgID {
				next := append([]Message(nil), cur...)
				next[i] = m
				sortMessages(next)
				return withMessages(s, e.PeerID, next), nil
			}
		}
	}

	for _, old := range cur {
		if m.ID != "" && old.ID == m.ID {
			return s, nil
		}
		if old.SenderID == m.SenderID && old.Timestamp.Equal(m.Timestamp) {
			return s, nil
		}
		if m.ClientMsgID != "" && old.ClientMsgID == m.ClientMsgID {
			return s, nil
		}
	}

	next := make([]Message, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, m)
	sortMessages(next)
	return withMessages(s, e.PeerID, next), nil
}

// MessagesReplaced installs a history page as the peer's message list.
type MessagesReplaced struct {
	PeerID   string
	Messages []Message
}

func (e MessagesReplaced) apply(s State) (State, error) {
	if e.PeerID == "" {
		return s, malformed("MessagesReplaced", "missing peer")
	}
	next := append([]Message(nil), e.Messages...)
	sortMessages(next)
	return withMessages(s, e.PeerID, next), nil
}

// sortMessages orders ascending by timestamp; equal timestamps keep
// insertion order.
func sortMessages(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Timestamp.Before(ms[j].Timestamp) })
}

func withMessages(s State, peerID string, ms []Message) State {
	next := maps.Clone(s.Messages)
	if next == nil {
		next = map[string][]Message{}
	}
	next[peerID] = ms
	s.Messages = next
	return s
}

// ---- presence & typing ----

// TypingChanged records whether UserID is typing to us.
type TypingChanged struct {
	UserID   string
	IsTyping bool
}

func (e TypingChanged) apply(s State) (State, error) {
	if e.UserID == "" {
		return s, malformed("TypingChanged", "missing user")
	}
	next := maps.Clone(s.Typing)
	if next == nil {
		next = map[string]bool{}
	}
	if e.IsTyping {
		next[e.UserID] = true
	} else {
		delete(next, e.UserID)
	}
	s.Typing = next
	return s, nil
}

// PresenceReplaced installs a full presence snapshot.
type PresenceReplaced struct {
	Online map[string]bool
}

func (e PresenceReplaced) apply(s State) (State, error) {
	next := make(map[string]bool, len(e.Online))
	for id, on := range e.Online {
		if on {
			next[id] = true
		}
	}
	s.Online = next
	return s, nil
}

// PresenceChanged records a single presence transition.
type PresenceChanged struct {
	UserID string
	Online bool
}

func (e PresenceChanged) apply(s State) (State, error) {
	if e.UserID == "" {
		return s, malformed("PresenceChanged", "missing user")
	}
	next := maps.Clone(s.Online)
	if next == nil {
		next = map[string]bool{}
	}
	if e.Online {
		next[e.UserID] = true
	} else {
		delete(next, e.UserID)
		if s.Typing[e.UserID] {
			typing := maps.Clone(s.Typing)
			delete(typing, e.UserID)
			s.Typing = typing
		}
	}
	s.Online = next
	return s, nil
}

// ---- connection & navigation ----

// ConnectionStatusChanged records the transport state. Error is kept only
// while disconnected.
type ConnectionStatusChanged struct {
	Connected bool
	Error     string
}

func (e ConnectionStatusChanged) apply(s State) (State, error) {
	s.Connected = e.Connected
	s.ConnectionError = ""
	if !e.Connected {
		s.ConnectionError = e.Error
	}
	return s, nil
}

// ChatOpened puts PeerID's conversation on screen and marks it read locally.
type ChatOpened struct {
	PeerID string
}

func (e ChatOpened) apply(s State) (State, error) {
	if e.PeerID == "" {
		return s, malformed("ChatOpened", "missing peer")
	}
	s.OpenChat = e.PeerID
	for i, c := range s.Conversations {
		if c.PeerID == e.PeerID && c.UnreadCount != 0 {
			next := append([]Conversation(nil), s.Conversations...)
			next[i].UnreadCount = 0
			s.Conversations = next
			break
		}
	}
	return s, nil
}

// ChatClosed clears the open chat.
type ChatClosed struct{}

func (ChatClosed) apply(s State) (State, error) {
	s.OpenChat = ""
	return s, nil
}

// Reset discards everything (logout).
type Reset struct{}

func (Reset) apply(State) (State, error) {
	return Initial(), nil
}
