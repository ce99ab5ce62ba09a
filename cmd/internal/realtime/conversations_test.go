package realtime

import (
	"testing"
	"time"
)

func msgFrom(sender, receiver, body string, at time.Time) Message {
	return Message{
		ID:              body,
		SenderID:        sender,
		ReceiverID:      receiver,
		Body:            body,
		Timestamp:       at,
		ConversationKey: ConversationKey(sender, receiver),
	}
}

func TestConversations_CreateAtHead(t *testing.T) {
	t.Parallel()

	c := NewConversations()
	now := time.Now().UTC()

	// Inbound: starts unread.
	list := c.Touch("alice", "bob", msgFrom("bob", "alice", "hi", now), false, "Bob")
	if len(list) != 1 || list[0].PeerID != "bob" || list[0].UnreadCount != 1 || list[0].PeerName != "Bob" {
		t.Fatalf("list=%+v", list)
	}

	// Outbound to a new peer: head, unread 0, placeholder name.
	list = c.Touch("alice", "carol", msgFrom("alice", "carol", "yo", now.Add(time.Second)), false, "")
	if len(list) != 2 || list[0].PeerID != "carol" || list[0].UnreadCount != 0 {
		t.Fatalf("list=%+v", list)
	}
	if list[0].PeerName != PlaceholderName("carol") {
		t.Fatalf("name=%q want placeholder", list[0].PeerName)
	}
}

func TestConversations_UnreadAndViewing(t *testing.T) {
	t.Parallel()

	c := NewConversations()
	now := time.Now().UTC()

	c.Touch("alice", "bob", msgFrom("bob", "alice", "1", now), false, "")
	c.Touch("alice", "bob", msgFrom("bob", "alice", "2", now), false, "")
	if s, _ := c.Get("alice", "bob"); s.UnreadCount != 2 {
		t.Fatalf("unread=%d want=2", s.UnreadCount)
	}

	// Owner viewing the room: unchanged.
	c.Touch("alice", "bob", msgFrom("bob", "alice", "3", now), true, "")
	if s, _ := c.Get("alice", "bob"); s.UnreadCount != 2 || s.LastMessage != "3" {
		t.Fatalf("summary=%+v", s)
	}

	// Owner's own message never counts.
	c.Touch("alice", "bob", msgFrom("alice", "bob", "4", now), false, "")
	if s, _ := c.Get("alice", "bob"); s.UnreadCount != 2 {
		t.Fatalf("unread=%d want=2", s.UnreadCount)
	}

	if !c.MarkRead("alice", "bob") {
		t.Fatalf("MarkRead reported no change")
	}
	if s, _ := c.Get("alice", "bob"); s.UnreadCount != 0 {
		t.Fatalf("unread=%d want=0", s.UnreadCount)
	}
	if c.MarkRead("alice", "bob") || c.MarkRead("alice", "nobody") {
		t.Fatalf("MarkRead should be a no-op")
	}
}

func TestConversations_MoveToHeadNoDuplicates(t *testing.T) {
	t.Parallel()

	c := NewConversations()
	now := time.Now().UTC()
	for i, peer := range []string{"p1", "p2", "p3"} {
		c.Touch("o", peer, msgFrom("o", peer, peer, now.Add(time.Duration(i)*time.Second)), false, "")
	}
	list := c.Touch("o", "p1", msgFrom("p1", "o", "again", now.Add(5*time.Second)), false, "")

	want := []string{"p1", "p3", "p2"}
	if len(list) != len(want) {
		t.Fatalf("len=%d want=%d", len(list), len(want))
	}
	for i, s := range list {
		if s.PeerID != want[i] {
			t.Fatalf("order[%d]=%s want=%s", i, s.PeerID, want[i])
		}
	}
	if list[0].LastMessage != "again" || list[0].UnreadCount != 1 {
		t.Fatalf("head=%+v", list[0])
	}
}

func TestConversations_PlaceholderUpgrade(t *testing.T) {
	t.Parallel()

	c := NewConversations()
	now := time.Now().UTC()

	c.Touch("o", "p", msgFrom("o", "p", "1", now), false, "")
	if s, _ := c.Get("o", "p"); !s.NamePlaceholder || !s.Payload().UsernamePlaceholder {
		t.Fatalf("summary=%+v want placeholder", s)
	}
	c.Touch("o", "p", msgFrom("o", "p", "2", now), false, "Pat")
	if s, _ := c.Get("o", "p"); s.PeerName != "Pat" || s.NamePlaceholder {
		t.Fatalf("summary=%+v want Pat", s)
	}

	// A real name is never overwritten.
	c.Touch("o", "p", msgFrom("o", "p", "3", now), false, "Patricia")
	if s, _ := c.Get("o", "p"); s.PeerName != "Pat" {
		t.Fatalf("name=%q want=Pat", s.PeerName)
	}
}

func TestConversations_NoteToSelfNeverUnread(t *testing.T) {
	t.Parallel()

	c := NewConversations()
	c.Touch("o", "o", msgFrom("o", "o", "memo", time.Now().UTC()), false, "")
	if s, _ := c.Get("o", "o"); s.UnreadCount != 0 {
		t.Fatalf("unread=%d want=0", s.UnreadCount)
	}
}

func TestConversations_RealNameLookingLikePlaceholder(t *testing.T) {
	t.Parallel()

	c := NewConversations()
	now := time.Now().UTC()

	c.Touch("o", "p", msgFrom("p", "o", "1", now), false, "User P")
	c.Touch("o", "p", msgFrom("p", "o", "2", now), false, "Pat")
	s, _ := c.Get("o", "p")
	if s.PeerName != "User P" || s.NamePlaceholder {
		t.Fatalf("summary=%+v", s)
	}
	if p := s.Payload(); p.Username != "User P" || p.UsernamePlaceholder {
		t.Fatalf("payload=%+v", p)
	}
}

func TestConversations_ListIsACopy(t *testing.T) {
	t.Parallel()

	c := NewConversations()
	c.Touch("o", "p", msgFrom("p", "o", "1", time.Now().UTC()), false, "")
	list := c.List("o")
	list[0].UnreadCount = 99

	if s, _ := c.Get("o", "p"); s.UnreadCount != 1 {
		t.Fatalf("caller mutation leaked: unread=%d", s.UnreadCount)
	}
}
