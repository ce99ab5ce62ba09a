package notify

import (
	"context"
	"sort"
	"sync"
)

const memMaxPerRecipient = 500

// MemoryStore is a dev-only Store used when no durable backend is configured.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]Notification
	order map[string][]string // recipient -> ids, oldest first
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]Notification),
		order: make(map[string][]string),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Add stores n. Re-adding an existing id is idempotent.
func (s *MemoryStore) Add(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[n.ID]; ok {
		return nil
	}
	s.byID[n.ID] = n
	ids := append(s.order[n.RecipientID], n.ID)
	if len(ids) > memMaxPerRecipient {
		for _, old := range ids[:len(ids)-memMaxPerRecipient] {
			delete(s.byID, old)
		}
		ids = append([]string(nil), ids[len(ids)-memMaxPerRecipient:]...)
	}
	s.order[n.RecipientID] = ids
	return nil
}

// List returns recipientID's notifications, newest first.
func (s *MemoryStore) List(ctx context.Context, recipientID string) ([]Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	ids := s.order[recipientID]
	out := make([]Notification, 0, len(ids))
	for _, id := range ids {
		if n, ok := s.byID[id]; ok {
			out = append(out, n)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// MarkRead flags id as read.
func (s *MemoryStore) MarkRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return notFound("notify.MemoryStore.MarkRead", id)
	}
	n.IsRead = true
	s.byID[id] = n
	return nil
}

// Delete removes id.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return notFound("notify.MemoryStore.Delete", id)
	}
	delete(s.byID, id)
	ids := s.order[n.RecipientID]
	for i, v := range ids {
		if v == id {
			s.order[n.RecipientID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}
