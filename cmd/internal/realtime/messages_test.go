package realtime

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func TestConversationKey_Symmetric(t *testing.T) {
	t.Parallel()

	pairs := [][2]string{{"a", "b"}, {"user-9", "user-10"}, {"x", "x"}, {"Zed", "amy"}}
	for _, p := range pairs {
		if ConversationKey(p[0], p[1]) != ConversationKey(p[1], p[0]) {
			t.Fatalf("key(%s,%s) != key(%s,%s)", p[0], p[1], p[1], p[0])
		}
	}
	if got := ConversationKey("b", "a"); got != "a_b" {
		t.Fatalf("key=%q want=a_b", got)
	}
}

func TestPeerFromKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		key, user, peer string
		ok              bool
	}{
		{"a_b", "a", "b", true},
		{"a_b", "b", "a", true},
		{"u_1_u_2", "u_1", "u_2", true},
		{"a_b", "c", "", false},
		{"b_a", "a", "", false},
		{"a_", "a", "", false},
	}
	for _, tc := range cases {
		peer, ok := PeerFromKey(tc.key, tc.user)
		if peer != tc.peer || ok != tc.ok {
			t.Fatalf("PeerFromKey(%q,%q)=%q,%v want=%q,%v", tc.key, tc.user, peer, ok, tc.peer, tc.ok)
		}
	}
}

func appendN(l *MessageLog, key string, n int, base time.Time) {
	for i := 0; i < n; i++ {
		l.Append(Message{
			ID:              fmt.Sprintf("m%03d", i),
			Body:            fmt.Sprintf("msg %d", i),
			Timestamp:       base.Add(time.Duration(i) * time.Second),
			ConversationKey: key,
		})
	}
}

func TestMessageLog_PagePartition(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, n := range []int{0, 1, 7, 10, 23} {
		for _, limit := range []int{1, 3, 10} {
			l := NewMessageLog(0)
			appendN(l, "a_b", n, base)

			seen := 0
			for page := 1; ; page++ {
				msgs, hasMore := l.Page("a_b", page, limit)
				for i, m := range msgs {
					if want := fmt.Sprintf("m%03d", seen+i); m.ID != want {
						t.Fatalf("n=%d limit=%d page=%d: got %s want %s", n, limit, page, m.ID, want)
					}
				}
				seen += len(msgs)
				if wantMore := page*limit < n; hasMore != wantMore {
					t.Fatalf("n=%d limit=%d page=%d: hasMore=%v want=%v", n, limit, page, hasMore, wantMore)
				}
				if !hasMore {
					break
				}
			}
			if seen != n {
				t.Fatalf("n=%d limit=%d: pages covered %d messages", n, limit, seen)
			}
		}
	}
}

func TestMessageLog_PageBeyondEnd(t *testing.T) {
	t.Parallel()

	l := NewMessageLog(0)
	appendN(l, "a_b", 5, time.Now().UTC())

	msgs, hasMore := l.Page("a_b", 4, 2)
	if msgs == nil || len(msgs) != 0 || hasMore {
		t.Fatalf("msgs=%v hasMore=%v want empty,false", msgs, hasMore)
	}
	if msgs, _ := l.Page("missing", 1, 10); len(msgs) != 0 {
		t.Fatalf("unknown key returned %d messages", len(msgs))
	}
}

func TestMessageLog_PageDoesNotOverflow(t *testing.T) {
	t.Parallel()

	l := NewMessageLog(0)
	appendN(l, "a_b", 5, time.Now().UTC())

	for _, page := range []int{1<<56 + 1, math.MaxInt} {
		msgs, hasMore := l.Page("a_b", page, 128)
		if len(msgs) != 0 || hasMore {
			t.Fatalf("page=%d msgs=%d hasMore=%v want empty,false", page, len(msgs), hasMore)
		}
	}
	if msgs, hasMore := l.Page("a_b", 1, math.MaxInt); len(msgs) != 5 || hasMore {
		t.Fatalf("huge limit msgs=%d hasMore=%v", len(msgs), hasMore)
	}
}

func TestMessageLog_OrderedByTimestamp(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMessageLog(0)
	l.Append(Message{ID: "1", Timestamp: base, ConversationKey: "k"})
	l.Append(Message{ID: "3", Timestamp: base.Add(2 * time.Second), ConversationKey: "k"})
	l.Append(Message{ID: "2", Timestamp: base.Add(time.Second), ConversationKey: "k"})
	l.Append(Message{ID: "2b", Timestamp: base.Add(time.Second), ConversationKey: "k"})

	msgs, _ := l.Page("k", 1, 10)
	want := []string{"1", "2", "2b", "3"}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Fatalf("order[%d]=%s want=%s", i, m.ID, want[i])
		}
	}
}

func TestMessageLog_Bounded(t *testing.T) {
	t.Parallel()

	l := NewMessageLog(5)
	appendN(l, "k", 8, time.Now().UTC())
	if l.Len("k") != 5 {
		t.Fatalf("len=%d want=5", l.Len("k"))
	}
	msgs, _ := l.Page("k", 1, 10)
	if msgs[0].ID != "m003" {
		t.Fatalf("oldest=%s want=m003", msgs[0].ID)
	}
}
