package client

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	v1 "relay/shared/contracts/realtime/v1"
)

// Client-local event types. They never travel on the wire.
const (
	// EventConnectionStatus reports every lifecycle transition.
	EventConnectionStatus = "connection_status"
	// EventConnectionError reports a discovery round in which every
	// candidate failed.
	EventConnectionError = "connection_error"
	// EventMessagePending carries the provisional copy of a message the
	// client just sent.
	EventMessagePending = "message_pending"
)

// ConnectionStatusPayload is the payload of EventConnectionStatus.
type ConnectionStatusPayload struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Endpoint  string `json:"endpoint,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ConnectionErrorPayload is the payload of EventConnectionError.
type ConnectionErrorPayload struct {
	Error      string   `json:"error"`
	Candidates []string `json:"candidates"`
}

// Handler observes one event. Handlers run on the client's read goroutine
// (or the goroutine that caused a local event) and must not block.
type Handler func(v1.Envelope)

// Subscription is a handle returned by On and Bind.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Close stops delivery. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// On registers fn for events of type typ ("*" observes every event).
func (c *Client) On(typ string, fn Handler) *Subscription {
	if fn == nil {
		return &Subscription{}
	}

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.subs[typ] == nil {
		c.subs[typ] = make(map[uint64]Handler)
	}
	c.subs[typ][id] = fn
	c.subsMu.Unlock()

	return &Subscription{cancel: func() {
		c.subsMu.Lock()
		delete(c.subs[typ], id)
		if len(c.subs[typ]) == 0 {
			delete(c.subs, typ)
		}
		c.subsMu.Unlock()
	}}
}

func (c *Client) emit(env v1.Envelope) {
	c.subsMu.RLock()
	fns := make([]Handler, 0, len(c.subs[env.Type])+len(c.subs["*"]))
	for _, fn := range c.subs[env.Type] {
		fns = append(fns, fn)
	}
	for _, fn := range c.subs["*"] {
		fns = append(fns, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range fns {
		fn(env)
	}
}

func (c *Client) emitLocal(typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("client.event.marshal.fail", "type", typ, "err", err)
		return
	}
	c.emit(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEnvelopeID(),
		TS:      c.now().UTC(),
		Payload: raw,
	})
}

func (c *Client) emitStatus(s State, endpoint, reason string) {
	c.emitLocal(EventConnectionStatus, ConnectionStatusPayload{
		State:     s.String(),
		Connected: s == Connected,
		Endpoint:  endpoint,
		Reason:    reason,
	})
}

func newEnvelopeID() string { return uuid.NewString() }
