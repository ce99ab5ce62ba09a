package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	v1 "relay/shared/contracts/realtime/v1"
)

// defaultReadLimit matches the broker's inbound frame cap with headroom for
// history pages.
const defaultReadLimit = 1 << 20

// Conn is one established transport to a broker.
type Conn interface {
	Read(ctx context.Context) (v1.Envelope, error)
	Write(ctx context.Context, env v1.Envelope) error
	Close() error
}

// Dialer opens a Conn to endpoint on behalf of id.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, id Identity) (Conn, error)
}

// WebSocketDialer dials brokers over websocket with the v1 subprotocol.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, endpoint string, id Identity) (Conn, error) {
	u, err := EndpointURL(endpoint, id)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.Header,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

// EndpointURL turns a candidate ("host:port", "http://host", "wss://host/ws")
// into the broker's websocket URL carrying the identity as query parameters.
func EndpointURL(endpoint string, id Identity) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("empty endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint missing host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	q := u.Query()
	q.Set("userId", id.UserID)
	if id.Username != "" {
		q.Set("username", id.Username)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (v1.Envelope, error) {
	mt, data, err := c.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("%w: message type %v", errBadFrame, mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	return env, nil
}

func (c *wsConn) Write(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
