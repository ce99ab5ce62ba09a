package realtime

import "sort"

// Rooms is the Room Membership Tracker: per conversation key, the users that
// currently have the conversation open. A reverse index (user -> keys) makes
// disconnect cleanup exact instead of a scan over every room.
//
// Rooms is not safe for concurrent use; the Broker serializes access.
type Rooms struct {
	members map[string]map[string]struct{} // key -> set(userID)
	byUser  map[string]map[string]struct{} // userID -> set(key)
}

// NewRooms constructs an empty tracker.
func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]struct{}),
		byUser:  make(map[string]map[string]struct{}),
	}
}

// Enter marks userID as viewing key.
func (r *Rooms) Enter(key, userID string) {
	if key == "" || userID == "" {
		return
	}
	set := r.members[key]
	if set == nil {
		set = make(map[string]struct{})
		r.members[key] = set
	}
	set[userID] = struct{}{}

	keys := r.byUser[userID]
	if keys == nil {
		keys = make(map[string]struct{})
		r.byUser[userID] = keys
	}
	keys[key] = struct{}{}
}

// Leave clears the viewing mark for userID on key.
func (r *Rooms) Leave(key, userID string) {
	if set := r.members[key]; set != nil {
		delete(set, userID)
		if len(set) == 0 {
			delete(r.members, key)
		}
	}
	if keys := r.byUser[userID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// IsMember reports whether userID currently views key.
func (r *Rooms) IsMember(key, userID string) bool {
	_, ok := r.members[key][userID]
	return ok
}

// Members returns the sorted viewers of key.
func (r *Rooms) Members(key string) []string {
	set := r.members[key]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// LeaveAll removes userID from every room it was in and returns those keys, sorted.
func (r *Rooms) LeaveAll(userID string) []string {
	keys := r.byUser[userID]
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	for _, k := range out {
		r.Leave(k, userID)
	}
	return out
}

// RoomsOf returns the sorted keys userID currently views.
func (r *Rooms) RoomsOf(userID string) []string {
	keys := r.byUser[userID]
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
