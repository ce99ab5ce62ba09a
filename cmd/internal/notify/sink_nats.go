package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the JetStream outbox.
type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

// NATSSink publishes notifications for offline recipients to a JetStream
// stream, one subject per recipient (<prefix>.<recipient>). An external
// notification service consumes the stream into its durable store.
type NATSSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// NewNATSSink connects to NATS and ensures the stream exists.
func NewNATSSink(ctx context.Context, cfg NATSConfig) (*NATSSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("notify: empty nats url")
	}
	if cfg.Stream == "" {
		cfg.Stream = "RELAY_NOTIFICATIONS"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "relay.notifications"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("relay-notify"))
	if err != nil {
		return nil, fmt.Errorf("notify: connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("notify: jetstream: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Notifications for recipients without a live session",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("notify: ensure stream %q: %w", cfg.Stream, err)
	}

	return &NATSSink{nc: nc, js: js, prefix: cfg.SubjectPrefix}, nil
}

// Add publishes n. The notification id is used as the JetStream message id,
// so retried publishes are deduplicated by the server.
func (s *NATSSink) Add(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	subject := Subject(s.prefix, n.RecipientID)
	if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(n.ID)); err != nil {
		return fmt.Errorf("notify: publish %q: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

// Subject returns the per-recipient subject. The id becomes a single token:
// letters, digits and '-' pass through, every other byte (including '_')
// is written as _XX hex, so distinct ids never share a subject.
func Subject(prefix, recipientID string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 1 + len(recipientID))
	b.WriteString(prefix)
	b.WriteByte('.')
	for i := 0; i < len(recipientID); i++ {
		c := recipientID[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02X", c)
		}
	}
	return b.String()
}
