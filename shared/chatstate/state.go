// Package chatstate is the client's local event store: a pure reducer that
// folds broker events into a chat view, and a concurrency-safe holder for it.
package chatstate

import "time"

// MessageStatus distinguishes an optimistic local copy from the broker's echo.
type MessageStatus uint8

const (
	// Provisional messages were created locally before the broker confirmed them.
	Provisional MessageStatus = iota
	// Confirmed messages carry the broker-assigned id.
	Confirmed
)

func (s MessageStatus) String() string {
	switch s {
	case Provisional:
		return "provisional"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Message is one chat message as seen by the client.
type Message struct {
	ID          string
	ClientMsgID string
	SenderID    string
	SenderName  string
	ReceiverID  string
	Body        string
	Kind        string
	Timestamp   time.Time
	Status      MessageStatus
}

// Conversation is the client's cached summary for one peer.
type Conversation struct {
	PeerID   string
	PeerName string
	// NamePlaceholder is set while PeerName is synthesized from PeerID.
	NamePlaceholder bool
	LastMessage     string
	LastMessageTime time.Time
	UnreadCount     int
}

// State is the chat view. Reducers never mutate a State in place; treat
// values returned by Apply and Store.Snapshot as read-only.
type State struct {
	// Conversations are ordered most recently touched first.
	Conversations []Conversation
	// Messages holds each peer's messages sorted ascending by timestamp.
	Messages map[string][]Message
	// OpenChat is the peer whose conversation is on screen ("" for none).
	OpenChat string

	Typing map[string]bool
	Online map[string]bool

	Connected       bool
	ConnectionError string
}

// Initial returns the empty state.
func Initial() State {
	return State{
		Conversations: []Conversation{},
		Messages:      map[string][]Message{},
		Typing:        map[string]bool{},
		Online:        map[string]bool{},
	}
}

// Conversation returns the cached summary for peerID.
func (s State) Conversation(peerID string) (Conversation, bool) {
	for _, c := range s.Conversations {
		if c.PeerID == peerID {
			return c, true
		}
	}
	return Conversation{}, false
}

// UnreadTotal sums unread counts over every conversation.
func (s State) UnreadTotal() int {
	n := 0
	for _, c := range s.Conversations {
		n += c.UnreadCount
	}
	return n
}

func placeholderName(peerID string) string { return "User " + peerID }
