package chatstate

import "sync"

// Store holds the current State behind a mutex and notifies subscribers
// after every dispatch.
type Store struct {
	// dispatchMu orders fold and notify together, so subscribers see
	// states in the order they were produced.
	dispatchMu sync.Mutex

	mu     sync.RWMutex
	state  State
	reduce func(State, Event) State

	subsMu  sync.Mutex
	subs    map[uint64]func(State)
	nextSub uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStrict makes the store panic on malformed events.
func WithStrict() StoreOption {
	return func(s *Store) { s.reduce = Strict }
}

// NewStore returns a store holding Initial().
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		state:  Initial(),
		reduce: Apply,
		subs:   make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Dispatch folds events in order and returns the resulting state.
// Subscribers are notified before the next Dispatch may fold, so the last
// state a subscriber sees is the current one. Subscribers must not call
// Dispatch.
func (s *Store) Dispatch(events ...Event) State {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	next := s.fold(events)

	s.subsMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return next
}

func (s *Store) fold(events []Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.state = s.reduce(s.state, e)
	}
	return s.state
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn to observe every dispatched state. The returned
// function unsubscribes and is safe to call more than once.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}
