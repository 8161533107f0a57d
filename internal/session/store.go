package session

import (
	"slices"
	"sync"
)

// Identity is the application-level view of a signed-in user.
type Identity struct {
	ID      string
	Email   string
	Name    string
	IsStaff bool
	Events  []string
}

// IsRegistered reports whether eventID is among the identity's registrations.
func (i Identity) IsRegistered(eventID string) bool {
	return slices.Contains(i.Events, eventID)
}

func (i Identity) clone() *Identity {
	copied := i
	copied.Events = slices.Clone(i.Events)
	if copied.Events == nil {
		copied.Events = []string{}
	}
	return &copied
}

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	Identity *Identity
	Loading  bool
	Error    string
	Message  string
}

// IsAuthenticated reports whether an identity is present.
func (s Snapshot) IsAuthenticated() bool {
	return s.Identity != nil
}

type storeState struct {
	identity *Identity
	err      string
	message  string
}

// Store holds the current identity and operation feedback. Only the
// controller mutates it; readers take snapshots.
type Store struct {
	mu        sync.RWMutex
	state     storeState
	inflight  int
	pending   bool
	nextSeq   uint64
	committed uint64
}

// NewStore returns an empty store that reports Loading until the first
// controller operation, normally Bootstrap, has finished. Readers must not
// treat the missing identity as signed out before then.
func NewStore() *Store {
	return &Store{pending: true}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := Snapshot{
		Loading: s.loading(),
		Error:   s.state.err,
		Message: s.state.message,
	}
	if s.state.identity != nil {
		snapshot.Identity = s.state.identity.clone()
	}
	return snapshot
}

// Identity returns the current identity, if any.
func (s *Store) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.identity == nil {
		return Identity{}, false
	}
	return *s.state.identity.clone(), true
}

// IsAuthenticated reports whether an identity is present.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.identity != nil
}

// Loading reports whether any operation is in flight or the store has not
// been initialised yet.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading()
}

func (s *Store) loading() bool {
	return s.pending || s.inflight > 0
}

// begin registers an in-flight operation and hands out its sequence token.
func (s *Store) begin(clearFeedback bool) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	s.inflight++
	if clearFeedback {
		s.state.err = ""
		s.state.message = ""
	}
	return s.nextSeq
}

// finish releases an in-flight operation.
func (s *Store) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	if s.inflight > 0 {
		s.inflight--
	}
}

// supersede hands out a token that outranks every operation begun so far
// without registering a new in-flight operation.
func (s *Store) supersede() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	return s.nextSeq
}

// commit applies mutate unless an operation that started later has already
// committed. It reports whether the write was applied.
func (s *Store) commit(seq uint64, mutate func(*storeState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.committed {
		return false
	}
	s.committed = seq
	mutate(&s.state)
	return true
}

// report records operation feedback regardless of sequencing.
func (s *Store) report(err, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.err = err
	s.state.message = message
}

func setIdentity(identity *Identity) func(*storeState) {
	return func(state *storeState) {
		state.identity = identity
	}
}

func setIdentityAndError(identity *Identity, message string) func(*storeState) {
	return func(state *storeState) {
		state.identity = identity
		state.err = message
	}
}

func setFailure(message string) func(*storeState) {
	return func(state *storeState) {
		state.identity = nil
		state.err = message
		state.message = ""
	}
}
