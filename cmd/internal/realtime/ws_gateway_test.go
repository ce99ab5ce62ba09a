package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func newTestGateway(t *testing.T, opts GatewayOptions) (*WSGateway, *Broker) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := NewBroker(BrokerConfig{Logger: log})
	return NewWSGateway(log, b, opts), b
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, baseHTTPURL, query, origin string, subprotocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = query

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if subprotocols == nil {
		subprotocols = []string{v1.Subprotocol}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: subprotocols,
		HTTPHeader:   h,
	})
}

func mustDialJoined(t *testing.T, baseURL, userID, username string) *websocket.Conn {
	t.Helper()

	conn, resp, err := dialWS(t, baseURL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoin,
		ID:      "join-" + userID,
		Payload: mustJSONRaw(t, v1.JoinPayload{UserID: userID, Username: username}),
	})
	snap := readUntilType(t, conn, v1.TypeUserStatus, 4)
	var p v1.UserStatusPayload
	if err := json.Unmarshal(snap.Payload, &p); err != nil || !p.IsSnapshot() {
		t.Fatalf("first user_status is not a snapshot: %s err=%v", snap.Payload, err)
	}
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestWSGateway_JoinSendAndReceive(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, GatewayOptions{})
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	alice := mustDialJoined(t, ts.URL, "alice", "Alice")
	defer func() { _ = alice.Close(websocket.StatusNormalClosure, "bye") }()
	bob := mustDialJoined(t, ts.URL, "bob", "Bob")
	defer func() { _ = bob.Close(websocket.StatusNormalClosure, "bye") }()

	online := readUntilType(t, alice, v1.TypeUserStatus, 4)
	var st v1.UserStatusPayload
	_ = json.Unmarshal(online.Payload, &st)
	if st.UserID != "bob" || !st.IsOnline {
		t.Fatalf("alice presence=%+v", st)
	}

	writeEnvelopeWS(t, alice, v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSendMessage,
		ID:   "send-1",
		Payload: mustJSONRaw(t, v1.SendMessagePayload{
			SenderID:    "alice",
			ReceiverID:  "bob",
			Message:     "hello over the wire",
			ClientMsgID: "c-1",
		}),
	})

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := readUntilType(t, conn, v1.TypeNewMessage, 6)
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("%s decode: %v", name, err)
		}
		if p.Message != "hello over the wire" || p.ClientMsgID != "c-1" || p.SenderName != "Alice" || p.RoomID != "alice_bob" {
			t.Fatalf("%s payload=%+v", name, p)
		}
	}

	writeEnvelopeWS(t, bob, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeGetMessageHistory,
		Payload: mustJSONRaw(t, v1.HistoryRequestPayload{OtherUserID: "alice"}),
	})
	hist := readUntilType(t, bob, v1.TypeMessageHistory, 6)
	var hp v1.MessageHistoryPayload
	_ = json.Unmarshal(hist.Payload, &hp)
	if len(hp.Messages) != 1 || hp.HasMore || hp.Page != 1 {
		t.Fatalf("history=%+v", hp)
	}

	writeEnvelopeWS(t, bob, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeGetConversations,
		Payload: mustJSONRaw(t, v1.ConversationsRequestPayload{UserID: "bob"}),
	})
	convs := readUntilType(t, bob, v1.TypeConversationsList, 6)
	var cp v1.ConversationsListPayload
	_ = json.Unmarshal(convs.Payload, &cp)
	if len(cp.Conversations) != 1 || cp.Conversations[0].UserID != "alice" || cp.Conversations[0].UnreadCount != 1 {
		t.Fatalf("conversations=%+v", cp)
	}
}

func TestWSGateway_EventBeforeJoinIsRejected(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, GatewayOptions{})
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn, resp, err := dialWS(t, ts.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSendMessage,
		Payload: mustJSONRaw(t, v1.SendMessagePayload{SenderID: "x", ReceiverID: "y", Message: "m"}),
	})
	env := readUntilType(t, conn, v1.TypeError, 2)
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != "not_joined" {
		t.Fatalf("code=%q want=not_joined", p.Code)
	}
}

func TestWSGateway_IdentityMismatch(t *testing.T) {
	t.Parallel()

	gw, b := newTestGateway(t, GatewayOptions{})
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn := mustDialJoined(t, ts.URL, "alice", "")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSendMessage,
		Payload: mustJSONRaw(t, v1.SendMessagePayload{SenderID: "mallory", ReceiverID: "bob", Message: "spoof"}),
	})
	env := readUntilType(t, conn, v1.TypeError, 4)
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != "identity_mismatch" {
		t.Fatalf("code=%q want=identity_mismatch", p.Code)
	}
	if got := b.Conversations("bob"); len(got) != 0 {
		t.Fatalf("spoofed message was routed: %+v", got)
	}
}

func TestWSGateway_QueryIdentityFallback(t *testing.T) {
	t.Parallel()

	gw, b := newTestGateway(t, GatewayOptions{})
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn, resp, err := dialWS(t, ts.URL, "userId=u-42&username=Quinn", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeJoin})
	readUntilType(t, conn, v1.TypeUserStatus, 2)

	if !b.IsOnline("u-42") {
		t.Fatalf("query identity not registered")
	}
}

func TestWSGateway_DisconnectGoesOffline(t *testing.T) {
	t.Parallel()

	gw, b := newTestGateway(t, GatewayOptions{})
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	watcher := mustDialJoined(t, ts.URL, "watcher", "")
	defer func() { _ = watcher.Close(websocket.StatusNormalClosure, "bye") }()
	leaver := mustDialJoined(t, ts.URL, "leaver", "")
	readUntilType(t, watcher, v1.TypeUserStatus, 4)

	_ = leaver.Close(websocket.StatusNormalClosure, "bye")

	env := readUntilType(t, watcher, v1.TypeUserStatus, 4)
	var p v1.UserStatusPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.UserID != "leaver" || p.IsOnline {
		t.Fatalf("offline transition=%+v", p)
	}
	waitFor(t, func() bool { return !b.IsOnline("leaver") })
}

func TestWSGateway_ReplacementClosesOldConnection(t *testing.T) {
	t.Parallel()

	gw, b := newTestGateway(t, GatewayOptions{})
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	old := mustDialJoined(t, ts.URL, "alice", "")
	cur := mustDialJoined(t, ts.URL, "alice", "")
	defer func() { _ = cur.Close(websocket.StatusNormalClosure, "bye") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := old.Read(ctx); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() != nil {
				t.Fatalf("old connection not closed: %v", err)
			}
			break
		}
	}
	if !b.IsOnline("alice") {
		t.Fatalf("alice offline after replacement")
	}
}

func TestWSGateway_RejectsMissingSubprotocol(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, GatewayOptions{})
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn, resp, err := dialWS(t, ts.URL, "", "", []string{}...)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusProtocolError {
		t.Fatalf("close status=%v err=%v want protocol error", websocket.CloseStatus(err), err)
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, GatewayOptions{
		OriginRequired: true,
		AllowedOrigins: []string{"https://app.example.com"},
	})
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	cases := []struct {
		origin string
		ok     bool
	}{
		{"", false},
		{"https://evil.example.net", false},
		{"https://app.example.com", true},
	}
	for _, tc := range cases {
		conn, resp, err := dialWS(t, ts.URL, "", tc.origin)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if tc.ok {
			if err != nil {
				t.Fatalf("origin %q rejected: %v", tc.origin, err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			continue
		}
		if err == nil {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			t.Fatalf("origin %q accepted", tc.origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: resp=%v want 403", tc.origin, resp)
		}
	}
}

func TestOriginHelpers(t *testing.T) {
	t.Parallel()

	if got := originHostOnly("HTTPS://App.Example.com:8443"); got != "app.example.com" {
		t.Fatalf("originHostOnly=%q", got)
	}
	if got := originHostOnly("localhost:3000"); got != "localhost" {
		t.Fatalf("originHostOnly=%q", got)
	}
	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://b.test", "http://a.test:1", "http://b.test:2"})
	if strings.Join(got, ",") != "a.test,b.test" {
		t.Fatalf("patterns=%v", got)
	}
	if got := deriveOriginPatternsFromAllowedOrigins([]string{"*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard patterns=%v", got)
	}
}

type panickingDirectory struct{ userID string }

func (d panickingDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	if userID == d.userID {
		panic("directory exploded")
	}
	return "", nil
}

func TestWSGateway_HandlerPanicFailsOnlyThatEvent(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := NewBroker(BrokerConfig{Logger: log, Directory: panickingDirectory{userID: "cursed"}})
	gw := NewWSGateway(log, b, GatewayOptions{})
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	alice := mustDialJoined(t, ts.URL, "alice", "Alice")
	defer func() { _ = alice.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, alice, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSendMessage,
		Payload: mustJSONRaw(t, v1.SendMessagePayload{SenderID: "alice", ReceiverID: "cursed", Message: "hi"}),
	})
	errEnv := readUntilType(t, alice, v1.TypeError, 4)
	var ep v1.ErrorPayload
	_ = json.Unmarshal(errEnv.Payload, &ep)
	if ep.Code != "internal" {
		t.Fatalf("error=%+v want code=internal", ep)
	}

	// The broker lock was not left held and the connection still serves.
	if !b.IsOnline("alice") {
		t.Fatalf("alice offline after handler panic")
	}
	writeEnvelopeWS(t, alice, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSendMessage,
		Payload: mustJSONRaw(t, v1.SendMessagePayload{SenderID: "alice", ReceiverID: "bob", Message: "still here"}),
	})
	env := readUntilType(t, alice, v1.TypeNewMessage, 4)
	var p v1.MessagePayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Message != "still here" {
		t.Fatalf("payload=%+v", p)
	}
}
