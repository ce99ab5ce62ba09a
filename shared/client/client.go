// Package client is the relay's client-side connection manager: endpoint
// discovery with failover, a connection state machine, event subscriptions
// and the send API. It feeds a chatstate.Store through Bind.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	v1 "relay/shared/contracts/realtime/v1"
)

const (
	defaultAttemptTimeout = 5 * time.Second
	defaultReconnectDelay = 1 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

var (
	// ErrNoEndpoint is returned by Connect when every candidate failed.
	ErrNoEndpoint = errors.New("client: no reachable endpoint")
	// ErrNotConnected is returned by Send while no connection is established.
	ErrNotConnected = errors.New("client: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: closed")
	// ErrInvalidOptions reports unusable Options.
	ErrInvalidOptions = errors.New("client: invalid options")

	errAttemptTimeout = errors.New("connect attempt timed out")
	errBadFrame       = errors.New("bad frame")
)

// State is the connection lifecycle state.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Identity is the user this client joins as.
type Identity struct {
	UserID   string
	Username string
}

// Options configures a Client. Zero durations select defaults.
type Options struct {
	// Candidates are tried in order on every discovery round.
	Candidates []string
	Identity   Identity

	// AttemptTimeout bounds one candidate's dial and handshake.
	AttemptTimeout time.Duration
	// ReconnectDelay is waited between teardown and rediscovery.
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration

	Dialer Dialer
	Logger *slog.Logger
}

// Client manages one logical connection to the relay.
type Client struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	connectSF singleflight.Group

	mu       sync.Mutex
	state    State
	conn     Conn
	endpoint string
	lastErr  string
	// gen increments on every install and teardown so a stale read loop
	// cannot report a drop for a newer connection.
	gen        uint64
	stopReader context.CancelFunc

	subsMu  sync.RWMutex
	subs    map[string]map[uint64]Handler
	nextSub uint64
}

// New validates opts and returns a disconnected client.
func New(opts Options) (*Client, error) {
	opts.Identity.UserID = strings.TrimSpace(opts.Identity.UserID)
	opts.Identity.Username = strings.TrimSpace(opts.Identity.Username)
	if opts.Identity.UserID == "" {
		return nil, fmt.Errorf("%w: identity user id is required", ErrInvalidOptions)
	}

	candidates := make([]string, 0, len(opts.Candidates))
	for _, c := range opts.Candidates {
		if c = strings.TrimSpace(c); c != "" {
			candidates = append(candidates, c)
		}
	}
	opts.Candidates = candidates

	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		opts: opts,
		log:  log.With("user_id", opts.Identity.UserID),
		now:  time.Now,
		subs: make(map[string]map[uint64]Handler),
	}, nil
}

// Identity returns the identity the client joins as.
func (c *Client) Identity() Identity { return c.opts.Identity }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the candidate of the current connection, "" when not
// connected.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// LastError is the error annotation of the last failed discovery.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect establishes a connection if there is none. Candidates are tried in
// order; the first completed handshake wins. Concurrent calls share one
// discovery round.
func (c *Client) Connect(ctx context.Context) error {
	ch := c.connectSF.DoChan("connect", func() (any, error) {
		return nil, c.discover(ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect tears the current connection down, waits ReconnectDelay and runs
// discovery again.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.teardown("reconnect", Disconnected); err != nil {
		return err
	}

	t := time.NewTimer(c.opts.ReconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return c.Connect(ctx)
}

// Close disconnects for good. Later Connect calls return ErrClosed.
func (c *Client) Close() error {
	err := c.teardown("closed", Closed)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) discover(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return ErrClosed
	case Connected:
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()
	c.emitStatus(Connecting, "", "")

	var errs []error
	for _, endpoint := range c.opts.Candidates {
		conn, pending, err := c.attempt(ctx, endpoint)
		if err != nil {
			c.log.Info("client.connect.attempt.fail", "endpoint", endpoint, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return c.install(endpoint, conn, pending)
	}

	cause := errors.Join(errs...)
	if cause == nil {
		cause = errors.New("no candidates configured")
	}
	reason := cause.Error()

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = Disconnected
	c.lastErr = reason
	c.mu.Unlock()

	c.log.Warn("client.connect.fail", "candidates", len(c.opts.Candidates), "err", reason)
	c.emitStatus(Disconnected, "", reason)
	c.emitLocal(EventConnectionError, ConnectionErrorPayload{
		Error:      reason,
		Candidates: append([]string(nil), c.opts.Candidates...),
	})
	return fmt.Errorf("%w: %w", ErrNoEndpoint, cause)
}

type attemptResult struct {
	conn    Conn
	pending []v1.Envelope
	err     error
}

// attempt races one candidate's handshake against AttemptTimeout. A
// handshake that completes after losing the race is closed without surfacing.
func (c *Client) attempt(ctx context.Context, endpoint string) (Conn, []v1.Envelope, error) {
	hsCtx, cancel := context.WithCancel(ctx)
	done := make(chan attemptResult, 1)
	go func() {
		conn, pending, err := c.handshake(hsCtx, endpoint)
		done <- attemptResult{conn: conn, pending: pending, err: err}
	}()

	t := time.NewTimer(c.opts.AttemptTimeout)
	defer t.Stop()

	var err error
	select {
	case res := <-done:
		cancel()
		return res.conn, res.pending, res.err
	case <-t.C:
		err = errAttemptTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	cancel()
	go func() {
		if res := <-done; res.conn != nil {
			_ = res.conn.Close()
			c.log.Debug("client.connect.orphan.closed", "endpoint", endpoint)
		}
	}()
	return nil, nil, err
}

// handshake dials, joins and waits for the presence snapshot. Envelopes that
// arrive before the snapshot are returned for delivery after install.
func (c *Client) handshake(ctx context.Context, endpoint string) (Conn, []v1.Envelope, error) {
	conn, err := c.opts.Dialer.Dial(ctx, endpoint, c.opts.Identity)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	fail := func(err error) (Conn, []v1.Envelope, error) {
		_ = conn.Close()
		return nil, nil, err
	}

	join, err := newEnvelope(v1.TypeJoin, v1.JoinPayload{
		UserID:   c.opts.Identity.UserID,
		Username: c.opts.Identity.Username,
	}, c.now())
	if err != nil {
		return fail(err)
	}
	if err := conn.Write(ctx, join); err != nil {
		return fail(fmt.Errorf("write join: %w", err))
	}

	var pending []v1.Envelope
	for {
		env, err := conn.Read(ctx)
		if errors.Is(err, errBadFrame) {
			continue
		}
		if err != nil {
			return fail(fmt.Errorf("await snapshot: %w", err))
		}

		switch env.Type {
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			return fail(fmt.Errorf("join rejected: %s: %s", p.Code, p.Message))
		case v1.TypeUserStatus:
			var p v1.UserStatusPayload
			if err := env.Decode(&p); err == nil && p.IsSnapshot() {
				return conn, append(pending, env), nil
			}
		}
		pending = append(pending, env)
	}
}

func (c *Client) install(endpoint string, conn Conn, pending []v1.Envelope) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	readCtx, stop := context.WithCancel(context.Background())
	c.state = Connected
	c.conn = conn
	c.endpoint = endpoint
	c.lastErr = ""
	c.stopReader = stop
	c.mu.Unlock()

	c.log.Info("client.connect.ok", "endpoint", endpoint)
	c.emitStatus(Connected, endpoint, "")
	for _, env := range pending {
		c.emit(env)
	}
	go c.readLoop(readCtx, gen, conn)
	return nil
}

func (c *Client) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		env, err := conn.Read(ctx)
		if errors.Is(err, errBadFrame) {
			c.log.Debug("client.read.bad_frame", "err", err)
			continue
		}
		if err != nil {
			c.dropped(gen, err)
			return
		}
		c.emit(env)
	}
}

// dropped handles a connection lost mid-session. There is no automatic
// retry; callers react to the connection_status event.
func (c *Client) dropped(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	c.endpoint = ""
	c.state = Disconnected
	if c.stopReader != nil {
		c.stopReader()
		c.stopReader = nil
	}
	c.mu.Unlock()

	_ = conn.Close()
	reason := cause.Error()
	c.log.Info("client.connection.lost", "err", reason)
	c.emitStatus(Disconnected, "", reason)
}

// teardown closes the current connection and moves to next. It reports
// ErrClosed when the client was already closed.
func (c *Client) teardown(reason string, next State) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	c.endpoint = ""
	c.state = next
	if c.stopReader != nil {
		c.stopReader()
		c.stopReader = nil
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.emitStatus(next, "", reason)
	return nil
}

// Send writes one envelope on the current connection.
func (c *Client) Send(ctx context.Context, typ string, payload any) error {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()

	if state == Closed {
		return ErrClosed
	}
	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	env, err := newEnvelope(typ, payload, c.now())
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, env); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// send is the bool-returning form used by the convenience methods.
func (c *Client) send(typ string, payload any) bool {
	if err := c.Send(context.Background(), typ, payload); err != nil {
		c.log.Debug("client.send.fail", "type", typ, "err", err)
		return false
	}
	return true
}

func newEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEnvelopeID(),
		TS:      ts.UTC(),
		Payload: raw,
	}, nil
}
