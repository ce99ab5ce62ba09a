package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"relay/cmd/internal/notify"
	v1 "relay/shared/contracts/realtime/v1"
)

const directoryTimeout = 2 * time.Second

// Delivery is the outcome of a notification relay.
type Delivery string

const (
	// DeliveryLive means the recipient's session received the notification.
	DeliveryLive Delivery = outcomeDelivered
	// DeliveryStored means the notification was handed to the durable sink.
	DeliveryStored Delivery = outcomeStored
	// DeliveryDropped means no session and no sink could take it.
	DeliveryDropped Delivery = outcomeDropped
)

// BrokerConfig wires the broker's collaborators. Every field is optional.
type BrokerConfig struct {
	Logger    *slog.Logger
	Metrics   *Metrics
	Sink      notify.Sink
	Directory Directory

	// MaxMessagesPerConversation bounds the in-memory log (default 10 000).
	MaxMessagesPerConversation int

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Broker owns all relay state: sessions, rooms, the message log and the
// conversation summaries. Every mutation happens under mu, so ordering between
// messages, room changes and presence is total. Delivery never blocks under
// the lock; a full session queue drops the event and counts it.
type Broker struct {
	log       *slog.Logger
	metrics   *Metrics
	sink      notify.Sink
	directory Directory
	now       func() time.Time

	mu       sync.Mutex
	sessions *Sessions
	rooms    *Rooms
	messages *MessageLog
	convs    *Conversations
	names    map[string]string // userID -> last known real display name
}

// NewBroker constructs a broker with empty state.
func NewBroker(cfg BrokerConfig) *Broker {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Broker{
		log:       log,
		metrics:   cfg.Metrics,
		sink:      cfg.Sink,
		directory: cfg.Directory,
		now:       now,
		sessions:  NewSessions(),
		rooms:     NewRooms(),
		messages:  NewMessageLog(cfg.MaxMessagesPerConversation),
		convs:     NewConversations(),
		names:     make(map[string]string),
	}
}

// ---- Session Registry & Presence ----

// Join registers c as userID's active session.
//
// The new session receives a user_status snapshot of every other online user.
// Everyone else receives a single online transition, unless the user was
// already online on another session: that session is closed with reason
// "replaced" and presence does not change.
func (b *Broker) Join(c *Client, userID, username string) error {
	userID = strings.TrimSpace(userID)
	username = strings.TrimSpace(username)
	if c == nil || userID == "" {
		return fmt.Errorf("join: %w: missing userId", ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.sessions.UserFor(c.SessionID); ok && prev != userID {
		b.disconnectLocked(c.SessionID)
	}

	if username == "" {
		username = b.names[userID]
	}
	if username != "" {
		b.names[userID] = username
	}

	wasOnline := b.sessions.IsOnline(userID)
	replaced, others := b.sessions.Register(userID, username, c)

	if replaced != nil {
		// The new session re-enters whatever it has open; stale viewing
		// state would suppress unread counts.
		b.rooms.LeaveAll(userID)
		replaced.Close("replaced")
		b.metrics.replaced()
		b.log.Info("session.replaced", "user_id", userID, "old_session_id", replaced.SessionID, "session_id", c.SessionID)
	}

	snapshot := make(map[string]bool, len(others))
	for _, id := range others {
		snapshot[id] = true
	}
	b.deliverLocked(c, v1.TypeUserStatus, v1.UserStatusPayload{Online: snapshot})

	if !wasOnline {
		b.broadcastPresenceLocked(userID, username, true)
	}
	b.metrics.setOnline(b.sessions.Len())

	b.log.Info("session.joined", "user_id", userID, "session_id", c.SessionID, "online", b.sessions.Len())
	return nil
}

// Disconnect removes the session identified by c. A replaced or never-joined
// session is a no-op. Otherwise the user leaves every room and an offline
// transition is broadcast.
func (b *Broker) Disconnect(c *Client) {
	if c == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.disconnectLocked(c.SessionID)
}

func (b *Broker) disconnectLocked(sessionID string) {
	userID, ok := b.sessions.Unregister(sessionID)
	if !ok {
		return
	}
	if b.sessions.IsOnline(userID) {
		return
	}
	rooms := b.rooms.LeaveAll(userID)
	b.broadcastPresenceLocked(userID, b.names[userID], false)
	b.metrics.setOnline(b.sessions.Len())

	b.log.Info("session.left", "user_id", userID, "session_id", sessionID, "rooms_left", len(rooms), "online", b.sessions.Len())
}

func (b *Broker) broadcastPresenceLocked(userID, username string, online bool) {
	p := v1.UserStatusPayload{UserID: userID, Username: username, IsOnline: online}
	env := newEnvelope(v1.TypeUserStatus, p, b.now())
	for _, c := range b.sessions.All(userID) {
		if !c.enqueue(env) {
			b.metrics.dropped(v1.TypeUserStatus)
		}
	}
	b.metrics.presence()
}

// IsOnline reports whether userID has an active session.
func (b *Broker) IsOnline(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions.IsOnline(userID)
}

// OnlineCount returns the number of users with an active session.
func (b *Broker) OnlineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions.Len()
}

// OnlineUsers returns a snapshot of every online user id.
func (b *Broker) OnlineUsers() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]bool, b.sessions.Len())
	for _, c := range b.sessions.All("") {
		if id, ok := b.sessions.UserFor(c.SessionID); ok {
			out[id] = true
		}
	}
	return out
}

// ---- Message Router ----

// RouteInput is one send_message request.
type RouteInput struct {
	SenderID    string
	ReceiverID  string
	Body        string
	Kind        string
	Timestamp   time.Time
	ClientMsgID string
}

// Route logs a direct message and fans it out to exactly the sender's and the
// receiver's sessions. Both participants' conversation summaries are updated
// and pushed to whichever of them is online. An offline receiver gets a
// "message" notification through the durable sink instead.
func (b *Broker) Route(ctx context.Context, in RouteInput) (Message, error) {
	in.SenderID = strings.TrimSpace(in.SenderID)
	in.ReceiverID = strings.TrimSpace(in.ReceiverID)
	if in.SenderID == "" || in.ReceiverID == "" {
		return Message{}, fmt.Errorf("route: %w: missing sender or receiver", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Body) == "" {
		return Message{}, fmt.Errorf("route: %w: empty message", ErrInvalidInput)
	}
	if utf8.RuneCountInString(in.Body) > maxMessageChars {
		return Message{}, fmt.Errorf("route: %w: max=%d chars", ErrMessageTooLong, maxMessageChars)
	}
	if in.Kind == "" {
		in.Kind = MessageKindText
	}

	b.resolveNames(ctx, in.SenderID, in.ReceiverID)

	msg, receiverOnline := b.commitRoute(in)

	b.log.Debug("router.message.routed",
		"message_id", msg.ID,
		"conversation", msg.ConversationKey,
		"sender_id", msg.SenderID,
		"receiver_online", receiverOnline,
	)

	if !receiverOnline && in.ReceiverID != in.SenderID {
		b.storeMessageNotification(ctx, msg)
	}
	return msg, nil
}

// commitRoute stores the message and fans it out under the broker lock.
func (b *Broker) commitRoute(in RouteInput) (msg Message, receiverOnline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	ts := in.Timestamp
	if ts.IsZero() {
		ts = now
	}
	senderName, placeholder := b.displayNameLocked(in.SenderID)
	msg = Message{
		ID:                    NewMessageID(now),
		ClientMsgID:           in.ClientMsgID,
		SenderID:              in.SenderID,
		SenderName:            senderName,
		SenderNamePlaceholder: placeholder,
		ReceiverID:            in.ReceiverID,
		Body:                  in.Body,
		Kind:                  in.Kind,
		Timestamp:             ts.UTC(),
		ConversationKey:       ConversationKey(in.SenderID, in.ReceiverID),
	}
	b.messages.Append(msg)
	b.metrics.routed()

	payload := msg.Payload()
	sender := b.sessions.Lookup(in.SenderID)
	receiver := b.sessions.Lookup(in.ReceiverID)
	b.deliverLocked(sender, v1.TypeNewMessage, payload)
	if in.ReceiverID != in.SenderID {
		b.deliverLocked(receiver, v1.TypeNewMessage, payload)
	}

	b.touchLocked(in.SenderID, in.ReceiverID, msg)
	if in.ReceiverID != in.SenderID {
		b.touchLocked(in.ReceiverID, in.SenderID, msg)
	}
	return msg, receiver != nil
}

func (b *Broker) touchLocked(owner, peer string, msg Message) {
	viewing := b.rooms.IsMember(msg.ConversationKey, owner)
	list := b.convs.Touch(owner, peer, msg, viewing, b.names[peer])
	if c := b.sessions.Lookup(owner); c != nil {
		b.deliverLocked(c, v1.TypeConversationsList, summariesPayload(list))
	}
}

func (b *Broker) storeMessageNotification(ctx context.Context, msg Message) {
	if b.sink == nil {
		return
	}
	data, _ := json.Marshal(map[string]string{
		"senderId":   msg.SenderID,
		"senderName": msg.SenderName,
		"chatId":     msg.SenderID,
	})
	n := notify.Notification{
		ID:          NewULID(msg.Timestamp),
		RecipientID: msg.ReceiverID,
		Kind:        notify.KindMessage,
		Message:     truncateRunes(msg.SenderName+": "+msg.Body, maxNotificationChars),
		Payload:     data,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		CreatedAt:   b.now(),
	}
	if err := b.sink.Add(ctx, n); err != nil {
		b.metrics.notification(outcomeDropped)
		b.log.Warn("notify.store.fail", "recipient_id", n.RecipientID, "kind", n.Kind, "err", err)
		return
	}
	b.metrics.notification(outcomeStored)
}

// resolveNames fills the name cache for ids nobody has announced yet. The
// directory is consulted outside the broker lock.
func (b *Broker) resolveNames(ctx context.Context, ids ...string) {
	if b.directory == nil {
		return
	}

	b.mu.Lock()
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := b.names[id]; !ok {
			missing = append(missing, id)
		}
	}
	b.mu.Unlock()

	for _, id := range missing {
		lctx, cancel := context.WithTimeout(ctx, directoryTimeout)
		name, err := b.directory.DisplayName(lctx, id)
		cancel()
		if err != nil {
			b.log.Warn("directory.lookup.fail", "user_id", id, "err", err)
			continue
		}
		if name == "" {
			continue
		}
		b.mu.Lock()
		if _, ok := b.names[id]; !ok {
			b.names[id] = name
		}
		b.mu.Unlock()
	}
}

// displayNameLocked returns the best known name for userID, or a
// placeholder flagged as such.
func (b *Broker) displayNameLocked(userID string) (name string, placeholder bool) {
	if n, ok := b.sessions.Username(userID); ok && n != "" {
		return n, false
	}
	if n := b.names[userID]; n != "" {
		return n, false
	}
	return PlaceholderName(userID), true
}

// ---- Typing relay ----

// Typing forwards a typing signal to the receiver's session only. It reports
// whether the signal was enqueued.
func (b *Broker) Typing(senderID, receiverID string, isTyping bool) bool {
	if senderID == "" || receiverID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.sessions.Lookup(receiverID)
	if c == nil {
		return false
	}
	return b.deliverLocked(c, v1.TypeUserTyping, v1.UserTypingPayload{SenderID: senderID, IsTyping: isTyping})
}

// ---- Room Membership ----

// EnterRoom marks userID as viewing roomID. When roomID names a conversation
// between userID and a peer, userID's unread count for that peer is reset and
// the updated summary list is pushed.
func (b *Broker) EnterRoom(userID, roomID string) error {
	userID = strings.TrimSpace(userID)
	roomID = strings.TrimSpace(roomID)
	if userID == "" || roomID == "" {
		return fmt.Errorf("join_room: %w: missing roomId", ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rooms.Enter(roomID, userID)
	if peer, ok := PeerFromKey(roomID, userID); ok && b.convs.MarkRead(userID, peer) {
		if c := b.sessions.Lookup(userID); c != nil {
			b.deliverLocked(c, v1.TypeConversationsList, summariesPayload(b.convs.List(userID)))
		}
	}
	return nil
}

// LeaveRoom clears the viewing mark for userID on roomID.
func (b *Broker) LeaveRoom(userID, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms.Leave(strings.TrimSpace(roomID), strings.TrimSpace(userID))
}

// RoomMembers returns the users currently viewing roomID.
func (b *Broker) RoomMembers(roomID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rooms.Members(roomID)
}

// PeerFromKey returns the other participant of a conversation key that
// includes userID.
func PeerFromKey(key, userID string) (string, bool) {
	if peer, ok := strings.CutPrefix(key, userID+"_"); ok && peer != "" && ConversationKey(userID, peer) == key {
		return peer, true
	}
	if peer, ok := strings.CutSuffix(key, "_"+userID); ok && peer != "" && ConversationKey(userID, peer) == key {
		return peer, true
	}
	return "", false
}

// ---- Queries ----

// HistoryQuery selects one page of a conversation log.
type HistoryQuery struct {
	UserID      string
	OtherUserID string
	Page        int
	Limit       int
}

// History returns messages[(page-1)*limit : page*limit] of the conversation
// between the two users. Defaults: page 1, limit 50; limit is capped at 200.
func (b *Broker) History(q HistoryQuery) (v1.MessageHistoryPayload, error) {
	if strings.TrimSpace(q.UserID) == "" || strings.TrimSpace(q.OtherUserID) == "" {
		return v1.MessageHistoryPayload{}, fmt.Errorf("history: %w: missing user ids", ErrInvalidInput)
	}
	if q.Page <= 0 {
		q.Page = defaultHistoryPage
	}
	if q.Limit <= 0 {
		q.Limit = defaultHistoryLimit
	}
	if q.Limit > maxHistoryLimit {
		q.Limit = maxHistoryLimit
	}

	msgs, hasMore := b.historyPage(ConversationKey(q.UserID, q.OtherUserID), q.Page, q.Limit)

	out := make([]v1.MessagePayload, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload()
	}
	return v1.MessageHistoryPayload{
		OtherUserID: q.OtherUserID,
		Messages:    out,
		Page:        q.Page,
		HasMore:     hasMore,
	}, nil
}

func (b *Broker) historyPage(key string, page, limit int) ([]Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages.Page(key, page, limit)
}

// Conversations returns userID's summaries, most recently touched first.
func (b *Broker) Conversations(userID string) []Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.convs.List(userID)
}

// ---- Notification Relay ----

// NotifyInput is one activity notification.
type NotifyInput struct {
	RecipientID string
	Kind        string
	Message     string
	Data        json.RawMessage
	Sender      *v1.SenderInfo
}

// Notify delivers a notification live when the recipient is online and hands
// it to the durable sink otherwise.
func (b *Broker) Notify(ctx context.Context, in NotifyInput) (notify.Notification, Delivery, error) {
	kind, err := notify.ParseKind(in.Kind)
	if err != nil {
		return notify.Notification{}, DeliveryDropped, fmt.Errorf("notify: %w: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(in.RecipientID) == "" {
		return notify.Notification{}, DeliveryDropped, fmt.Errorf("notify: %w: missing receiverId", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Message) == "" {
		return notify.Notification{}, DeliveryDropped, fmt.Errorf("notify: %w: empty message", ErrInvalidInput)
	}
	if utf8.RuneCountInString(in.Message) > maxNotificationChars {
		return notify.Notification{}, DeliveryDropped, fmt.Errorf("notify: %w: max=%d chars", ErrMessageTooLong, maxNotificationChars)
	}
	if len(in.Data) > 0 && !json.Valid(in.Data) {
		return notify.Notification{}, DeliveryDropped, fmt.Errorf("notify: %w: data is not valid JSON", ErrInvalidInput)
	}

	now := b.now()
	n := notify.Notification{
		ID:          NewULID(now),
		RecipientID: strings.TrimSpace(in.RecipientID),
		Kind:        kind,
		Message:     in.Message,
		Payload:     in.Data,
		CreatedAt:   now,
	}
	if in.Sender != nil {
		n.SenderID = in.Sender.ID
		n.SenderName = in.Sender.Name
	}

	if b.deliverNotification(n, in.Sender) {
		b.metrics.notification(outcomeDelivered)
		b.log.Debug("notify.delivered", "notification_id", n.ID, "recipient_id", n.RecipientID, "kind", n.Kind)
		return n, DeliveryLive, nil
	}

	if b.sink == nil {
		b.metrics.notification(outcomeDropped)
		return n, DeliveryDropped, nil
	}
	if err := b.sink.Add(ctx, n); err != nil {
		b.metrics.notification(outcomeDropped)
		return n, DeliveryDropped, fmt.Errorf("notify: store: %w", err)
	}
	b.metrics.notification(outcomeStored)
	b.log.Debug("notify.stored", "notification_id", n.ID, "recipient_id", n.RecipientID, "kind", n.Kind)
	return n, DeliveryStored, nil
}

// deliverNotification enqueues n on the recipient's session, if any.
func (b *Broker) deliverNotification(n notify.Notification, sender *v1.SenderInfo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.sessions.Lookup(n.RecipientID)
	if c == nil {
		return false
	}
	return b.deliverLocked(c, v1.TypeNewNotification, v1.NewNotificationPayload{
		ID:         n.ID,
		Type:       string(n.Kind),
		Message:    n.Message,
		Data:       n.Payload,
		SenderInfo: sender,
		CreatedAt:  n.CreatedAt,
	})
}

// ---- delivery ----

// deliverLocked enqueues one event for c without blocking. A nil client is
// an offline user and is skipped silently.
func (b *Broker) deliverLocked(c *Client, typ string, payload any) bool {
	if c == nil {
		return false
	}
	if c.enqueue(newEnvelope(typ, payload, b.now())) {
		return true
	}
	b.metrics.dropped(typ)
	b.log.Info("session.queue.full", "session_id", c.SessionID, "event", typ)
	return false
}

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: raw,
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// IsClientError reports whether err was caused by the request rather than
// the broker.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrMessageTooLong) ||
		errors.Is(err, ErrNotJoined) ||
		errors.Is(err, ErrIdentityMismatch)
}
