package realtime

import "sort"

// Sessions is the Session Registry: one active session per user, and the
// source of truth for presence.
//
// Sessions is not safe for concurrent use; the Broker serializes access.
type Sessions struct {
	byUser    map[string]*Client // userID -> active session
	byHandle  map[string]string  // sessionID -> userID
	usernames map[string]string  // userID -> display name announced at join
}

// NewSessions constructs an empty registry.
func NewSessions() *Sessions {
	return &Sessions{
		byUser:    make(map[string]*Client),
		byHandle:  make(map[string]string),
		usernames: make(map[string]string),
	}
}

// Register binds userID to c. A prior session for the same user is replaced
// (last-connect-wins) and returned so the caller can close it. others lists
// every other online user, sorted, for the new session's presence snapshot.
func (s *Sessions) Register(userID, username string, c *Client) (replaced *Client, others []string) {
	if prev, ok := s.byUser[userID]; ok && prev != c {
		delete(s.byHandle, prev.SessionID)
		replaced = prev
	}
	if prevUser, ok := s.byHandle[c.SessionID]; ok && prevUser != userID {
		// Same connection re-joining under another identity.
		delete(s.byUser, prevUser)
		delete(s.usernames, prevUser)
	}

	s.byUser[userID] = c
	s.byHandle[c.SessionID] = userID
	if username != "" {
		s.usernames[userID] = username
	}
	c.bind(userID, username)

	others = make([]string, 0, len(s.byUser)-1)
	for id := range s.byUser {
		if id != userID {
			others = append(others, id)
		}
	}
	sort.Strings(others)
	return replaced, others
}

// Unregister removes the session owning sessionID and returns its user.
// Unknown handles (including sessions already replaced) are a no-op.
func (s *Sessions) Unregister(sessionID string) (userID string, ok bool) {
	userID, ok = s.byHandle[sessionID]
	if !ok {
		return "", false
	}
	delete(s.byHandle, sessionID)
	if cur, exists := s.byUser[userID]; exists && cur.SessionID == sessionID {
		delete(s.byUser, userID)
		delete(s.usernames, userID)
	}
	return userID, true
}

// Lookup returns the active session for userID, or nil when offline.
func (s *Sessions) Lookup(userID string) *Client {
	return s.byUser[userID]
}

// UserFor returns the user bound to sessionID.
func (s *Sessions) UserFor(sessionID string) (string, bool) {
	u, ok := s.byHandle[sessionID]
	return u, ok
}

// Username returns the display name announced by an online user.
func (s *Sessions) Username(userID string) (string, bool) {
	n, ok := s.usernames[userID]
	return n, ok && n != ""
}

// IsOnline reports presence for userID.
func (s *Sessions) IsOnline(userID string) bool {
	_, ok := s.byUser[userID]
	return ok
}

// Len returns the number of online users.
func (s *Sessions) Len() int { return len(s.byUser) }

// All returns every active session except the one owned by exceptUserID.
func (s *Sessions) All(exceptUserID string) []*Client {
	out := make([]*Client, 0, len(s.byUser))
	for id, c := range s.byUser {
		if id == exceptUserID {
			continue
		}
		out = append(out, c)
	}
	return out
}
