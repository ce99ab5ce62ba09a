package realtime

import (
	"sync"

	v1 "relay/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the broker so concurrent broadcasters cannot panic;
// done signals the session goroutines to stop. Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	mu       sync.RWMutex
	userID   string
	username string

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Identity returns the user bound to this session by join ("" before join).
func (c *Client) Identity() (userID, username string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.username
}

func (c *Client) bind(userID, username string) {
	c.mu.Lock()
	c.userID = userID
	c.username = username
	c.mu.Unlock()
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// CloseReason returns the reason passed to the first Close call.
func (c *Client) CloseReason() string {
	select {
	case <-c.Done():
		return c.reason
	default:
		return ""
	}
}

// enqueue is a non-blocking send. It reports false when the queue is full or
// the client is shutting down.
func (c *Client) enqueue(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
