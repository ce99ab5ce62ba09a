package notify

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func mustOpenSQLite(t *testing.T, dsn string) *SQLiteStore {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewSQLiteStore(ctx, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mustOpenSQLite(t, ":memory:")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := testNotification("n1", "u1", base)
	second := testNotification("n2", "u1", base.Add(time.Minute))
	second.Kind = KindLike
	second.Payload = nil

	for _, n := range []Notification{first, second, first} {
		if err := s.Add(ctx, n); err != nil {
			t.Fatalf("add %s: %v", n.ID, err)
		}
	}

	got, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d want=2", len(got))
	}
	if got[0].ID != "n2" || got[1].ID != "n1" {
		t.Fatalf("order=%s,%s want=n2,n1", got[0].ID, got[1].ID)
	}
	if got[0].Kind != KindLike || got[0].Payload != nil {
		t.Fatalf("got[0]=%+v", got[0])
	}
	if string(got[1].Payload) != `{"postId":"p1"}` {
		t.Fatalf("payload=%s", got[1].Payload)
	}
	if !got[1].CreatedAt.Equal(base) {
		t.Fatalf("created_at=%v want=%v", got[1].CreatedAt, base)
	}
	if got[1].SenderName != "Sender" || got[1].IsRead {
		t.Fatalf("got[1]=%+v", got[1])
	}
}

func TestSQLiteStore_MarkReadDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mustOpenSQLite(t, ":memory:")
	if err := s.Add(ctx, testNotification("n1", "u1", time.Now().UTC())); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := s.MarkRead(ctx, "n1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	got, _ := s.List(ctx, "u1")
	if len(got) != 1 || !got[0].IsRead {
		t.Fatalf("got=%+v want read", got)
	}

	if err := s.Delete(ctx, "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "n1"); !IsNotFound(err) {
		t.Fatalf("delete again err=%v want not found", err)
	}
	if err := s.MarkRead(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("mark read missing err=%v want not found", err)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "notifications.db")

	s, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Add(ctx, testNotification("n1", "u1", time.Now().UTC())); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := mustOpenSQLite(t, path)
	got, err := reopened.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "n1" {
		t.Fatalf("got=%+v want n1", got)
	}
}

func TestSQLiteStore_RejectsInvalid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mustOpenSQLite(t, ":memory:")

	if err := s.Add(ctx, Notification{ID: "x"}); !IsInvalidInput(err) {
		t.Fatalf("add err=%v want invalid input", err)
	}
	if _, err := s.List(ctx, " "); !IsInvalidInput(err) {
		t.Fatalf("list err=%v want invalid input", err)
	}
}
