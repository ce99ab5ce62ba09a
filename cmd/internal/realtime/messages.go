package realtime

import (
	"sort"
	"time"

	v1 "relay/shared/contracts/realtime/v1"
)

// MessageKindText is the default message kind.
const MessageKindText = "text"

// Message is an immutable routed message.
type Message struct {
	ID          string
	ClientMsgID string
	SenderID    string
	SenderName  string
	// SenderNamePlaceholder is set when SenderName was synthesized.
	SenderNamePlaceholder bool
	ReceiverID            string
	Body                  string
	Kind                  string
	Timestamp             time.Time
	ConversationKey       string
}

// ConversationKey derives the deterministic key of an unordered user pair.
// key(a, b) == key(b, a) for all a, b.
func ConversationKey(a, b string) string { return v1.RoomID(a, b) }

// Payload converts m to its wire form.
func (m Message) Payload() v1.MessagePayload {
	return v1.MessagePayload{
		ID:                    m.ID,
		ClientMsgID:           m.ClientMsgID,
		SenderID:              m.SenderID,
		SenderName:            m.SenderName,
		SenderNamePlaceholder: m.SenderNamePlaceholder,
		ReceiverID:            m.ReceiverID,
		Message:               m.Body,
		Type:                  m.Kind,
		Timestamp:             m.Timestamp,
		RoomID:                m.ConversationKey,
	}
}

// MessageLog is the in-memory, per-conversation append-only log.
// It is ephemeral: a broker restart is a cold start with no history.
//
// MessageLog is not safe for concurrent use; the Broker serializes access.
type MessageLog struct {
	max   int
	convs map[string][]Message
}

// NewMessageLog constructs a log bounded to maxPerConversation entries per key.
func NewMessageLog(maxPerConversation int) *MessageLog {
	if maxPerConversation <= 0 {
		maxPerConversation = maxMessagesPerConversation
	}
	return &MessageLog{
		max:   maxPerConversation,
		convs: make(map[string][]Message),
	}
}

// Append logs m at the end of its conversation. Messages keep arrival order;
// a message stamped earlier than the tail is inserted after every entry with
// a timestamp <= its own, so ties stay in insertion order.
func (l *MessageLog) Append(m Message) {
	msgs := l.convs[m.ConversationKey]
	n := len(msgs)
	if n == 0 || !m.Timestamp.Before(msgs[n-1].Timestamp) {
		msgs = append(msgs, m)
	} else {
		i := sort.Search(n, func(i int) bool { return msgs[i].Timestamp.After(m.Timestamp) })
		msgs = append(msgs, Message{})
		copy(msgs[i+1:], msgs[i:])
		msgs[i] = m
	}

	// Bound memory; the oldest entries go first.
	if len(msgs) > l.max {
		msgs = append([]Message(nil), msgs[len(msgs)-l.max:]...)
	}
	l.convs[m.ConversationKey] = msgs
}

// Len returns the number of logged messages for key.
func (l *MessageLog) Len(key string) int { return len(l.convs[key]) }

// Page returns messages[(page-1)*limit : page*limit] of the conversation and
// hasMore = page*limit < total. page is 1-based.
func (l *MessageLog) Page(key string, page, limit int) (msgs []Message, hasMore bool) {
	if page <= 0 {
		page = defaultHistoryPage
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	all := l.convs[key]
	total := len(all)

	// Bound page before multiplying so (page-1)*limit cannot overflow.
	if page-1 > total/limit {
		return []Message{}, false
	}
	start := (page - 1) * limit
	end := total
	if limit < total-start {
		end = start + limit
	}
	hasMore = end < total
	if start >= total {
		return []Message{}, false
	}
	return append([]Message(nil), all[start:end]...), hasMore
}
