package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Kind is the activity that produced a notification.
type Kind string

const (
	KindLike    Kind = "like"
	KindComment Kind = "comment"
	KindReply   Kind = "reply"
	KindMessage Kind = "message"
)

// ParseKind validates a wire kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindLike, KindComment, KindReply, KindMessage:
		return k, nil
	default:
		return "", invalid("notify.ParseKind", "unknown kind "+s)
	}
}

// Notification is one activity event addressed to RecipientID.
type Notification struct {
	ID          string          `json:"id"`
	RecipientID string          `json:"recipientId"`
	Kind        Kind            `json:"type"`
	Message     string          `json:"message"`
	Payload     json.RawMessage `json:"data,omitempty"`
	SenderID    string          `json:"senderId,omitempty"`
	SenderName  string          `json:"senderName,omitempty"`
	IsRead      bool            `json:"isRead"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Validate checks the fields every backend relies on.
func (n Notification) Validate() error {
	const op = "notify.Validate"
	if strings.TrimSpace(n.ID) == "" {
		return invalid(op, "missing id")
	}
	if strings.TrimSpace(n.RecipientID) == "" {
		return invalid(op, "missing recipient")
	}
	if _, err := ParseKind(string(n.Kind)); err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		return invalid(op, "missing created_at")
	}
	return nil
}

// Sink accepts notifications for recipients without a live session.
type Sink interface {
	Add(ctx context.Context, n Notification) error
}

// Store is the durable notification state owned by an external collaborator.
// The relay only writes through Add; the remaining operations serve pull
// clients and tests.
type Store interface {
	Sink
	// List returns recipientID's notifications, newest first.
	List(ctx context.Context, recipientID string) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Close() error
}
