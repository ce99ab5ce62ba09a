package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayOptions tunes the websocket gateway. Zero values select defaults.
type GatewayOptions struct {
	// OriginRequired rejects upgrades without an Origin header. Native mobile
	// clients send none, so it is off by default.
	OriginRequired bool
	AllowedOrigins []string
	// DevInsecure disables websocket.Accept origin verification (dev only).
	DevInsecure bool

	WriteTimeout time.Duration
	// ReadIdleTimeout closes connections that send nothing for this long.
	// Zero disables it; dead peers are still caught by the heartbeat.
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (o GatewayOptions) withDefaults() GatewayOptions {
	if o.AllowedOrigins == nil {
		o.AllowedOrigins = strings.Split(wsDefaultAllowedOrigins, ",")
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = wsDefaultWriteTimeout
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = wsDefaultSendQueueSize
	}
	if o.SendQueueSize < wsMinSendQueueSize {
		o.SendQueueSize = wsMinSendQueueSize
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = heartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = heartbeatTimeout
	}
	if o.RateEvents <= 0 {
		o.RateEvents = rateLimitEvents
	}
	if o.RateWindow <= 0 {
		o.RateWindow = rateLimitWindow
	}
	return o
}

// WSGateway is the WebSocket entrypoint of the relay.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and translates validated envelopes into Broker operations.
type WSGateway struct {
	log    *slog.Logger
	broker *Broker
	opts   GatewayOptions

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway in front of broker.
func NewWSGateway(log *slog.Logger, broker *Broker, opts GatewayOptions) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if broker == nil {
		broker = NewBroker(BrokerConfig{Logger: log})
	}
	opts = opts.withDefaults()

	return &WSGateway{
		log:    log,
		broker: broker,
		opts:   opts,
		// websocket.Accept enforces its own origin policy; derive its patterns
		// from the allowlist so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(opts.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state shared by the read loop handlers.
type session struct {
	client *Client
	// hint is the identity from the upgrade URL, used when join omits it.
	hintUserID   string
	hintUsername string
	userID       string
}

func (s *session) requireJoined() (string, error) {
	if s.userID == "" {
		return "", ErrNotJoined
	}
	return s.userID, nil
}

// checkSelf accepts an empty claimed id (meaning "me") or the session's own id.
func (s *session) checkSelf(claimed string) (string, error) {
	me, err := s.requireJoined()
	if err != nil {
		return "", err
	}
	claimed = strings.TrimSpace(claimed)
	if claimed != "" && claimed != me {
		return "", ErrIdentityMismatch
	}
	return me, nil
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the relay loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.opts.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	client := NewClient(NewSessionID(now), g.opts.SendQueueSize)
	sess := &session{
		client:       client,
		hintUserID:   strings.TrimSpace(r.URL.Query().Get("userId")),
		hintUsername: strings.TrimSpace(r.URL.Query().Get("username")),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// The broker forgets the session before the client is closed, so no
	// broadcast can target a half-closed session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.broker.Disconnect(client)
			client.Close(reason)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.opts.RateEvents, g.opts.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed from outside the loop (session replaced).
				reason := client.CloseReason()
				if reason == "" {
					reason = "closed"
				}
				shutdown(websocket.StatusNormalClosure, reason)
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.opts.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.opts.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.opts.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := g.readContext(ctx)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.sendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		if err := g.dispatch(ctx, sess, env); err != nil {
			g.sendError(client, errorCode(err), err.Error())
			if !IsClientError(err) {
				g.log.Warn("ws.handler.fail", "session_id", client.SessionID, "type", env.Type, "err", err)
			}
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// dispatch runs one event handler. A panicking handler fails only that
// event; the connection and the broker keep serving.
func (g *WSGateway) dispatch(ctx context.Context, s *session, env v1.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("ws.handler.panic",
				"session_id", s.client.SessionID,
				"type", env.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %s", errHandlerPanic, env.Type)
		}
	}()

	switch env.Type {
	case v1.TypeJoin:
		return g.onJoin(s, env)
	case v1.TypeSendMessage:
		return g.onSendMessage(ctx, s, env)
	case v1.TypeTyping:
		return g.onTyping(s, env)
	case v1.TypeJoinRoom:
		return g.onJoinRoom(s, env)
	case v1.TypeLeaveRoom:
		return g.onLeaveRoom(s, env)
	case v1.TypeGetMessageHistory:
		return g.onHistory(s, env)
	case v1.TypeGetConversations:
		return g.onConversations(s, env)
	case v1.TypeSendNotification:
		return g.onSendNotification(ctx, s, env)
	default:
		return fmt.Errorf("%w: unsupported type %s", ErrInvalidInput, env.Type)
	}
}

func (g *WSGateway) onJoin(s *session, env v1.Envelope) error {
	var p v1.JoinPayload
	if len(env.Payload) > 0 {
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		userID = s.hintUserID
	}
	username := strings.TrimSpace(p.Username)
	if username == "" {
		username = s.hintUsername
	}

	if err := g.broker.Join(s.client, userID, username); err != nil {
		return err
	}
	s.userID = userID
	return nil
}

func (g *WSGateway) onSendMessage(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.SendMessagePayload
	if err := decodeInto(env, &p); err != nil {
		return err
	}
	me, err := s.checkSelf(p.SenderID)
	if err != nil {
		return err
	}
	_, err = g.broker.Route(ctx, RouteInput{
		SenderID:    me,
		ReceiverID:  p.ReceiverID,
		Body:        p.Message,
		Kind:        p.Type,
		Timestamp:   p.Timestamp,
		ClientMsgID: p.ClientMsgID,
	})
	return err
}

func (g *WSGateway) onTyping(s *session, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := decodeInto(env, &p); err != nil {
		return err
	}
	me, err := s.checkSelf(p.SenderID)
	if err != nil {
		return err
	}
	g.broker.Typing(me, strings.TrimSpace(p.ReceiverID), p.IsTyping)
	return nil
}

func (g *WSGateway) onJoinRoom(s *session, env v1.Envelope) error {
	var p v1.RoomPayload
	if err := decodeInto(env, &p); err != nil {
		return err
	}
	me, err := s.checkSelf(p.UserID)
	if err != nil {
		return err
	}
	return g.broker.EnterRoom(me, p.RoomID)
}

func (g *WSGateway) onLeaveRoom(s *session, env v1.Envelope) error {
	var p v1.RoomPayload
	if err := decodeInto(env, &p); err != nil {
		return err
	}
	me, err := s.checkSelf(p.UserID)
	if err != nil {
		return err
	}
	g.broker.LeaveRoom(me, p.RoomID)
	return nil
}

func (g *WSGateway) onHistory(s *session, env v1.Envelope) error {
	var p v1.HistoryRequestPayload
	if err := decodeInto(env, &p); err != nil {
		return err
	}
	me, err := s.checkSelf(p.UserID)
	if err != nil {
		return err
	}
	out, err := g.broker.History(HistoryQuery{
		UserID:      me,
		OtherUserID: p.OtherUserID,
		Page:        p.Page,
		Limit:       p.Limit,
	})
	if err != nil {
		return err
	}
	g.reply(s.client, v1.TypeMessageHistory, out)
	return nil
}

func (g *WSGateway) onConversations(s *session, env v1.Envelope) error {
	var p v1.ConversationsRequestPayload
	if len(env.Payload) > 0 {
		if err := decodeInto(env, &p); err != nil {
			return err
		}
	}
	me, err := s.checkSelf(p.UserID)
	if err != nil {
		return err
	}
	g.reply(s.client, v1.TypeConversationsList, summariesPayload(g.broker.Conversations(me)))
	return nil
}

func (g *WSGateway) onSendNotification(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.SendNotificationPayload
	if err := decodeInto(env, &p); err != nil {
		return err
	}
	me, err := s.requireJoined()
	if err != nil {
		return err
	}
	sender := p.SenderInfo
	if sender == nil {
		_, name := s.client.Identity()
		sender = &v1.SenderInfo{ID: me, Name: name}
	} else if sender.ID != "" && sender.ID != me {
		return ErrIdentityMismatch
	} else {
		cp := *sender
		cp.ID = me
		sender = &cp
	}

	_, _, err = g.broker.Notify(ctx, NotifyInput{
		RecipientID: p.ReceiverID,
		Kind:        p.Type,
		Message:     p.Message,
		Data:        p.NotificationData,
		Sender:      sender,
	})
	return err
}

// ---- send helpers ----

func (g *WSGateway) reply(client *Client, typ string, payload any) {
	if !client.enqueue(newEnvelope(typ, payload, time.Now().UTC())) {
		g.broker.metrics.dropped(typ)
	}
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	_ = client.enqueue(newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC()))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, ErrMessageTooLong):
		return "too_long"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}

func decodeInto(env v1.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ---- envelope IO ----

func (g *WSGateway) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.opts.ReadIdleTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.opts.ReadIdleTimeout)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.opts.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.opts.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.opts.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
