package session

import (
	"errors"
	"sync"
)

// ErrCapacityExceeded is returned when inserting or resuming a session would
// push the live-process count past the configured maximum.
var ErrCapacityExceeded = errors.New("maximum concurrent sessions exceeded")

// UnknownSessionSentinel is the session-id label some agent approval paths
// send before their init event has fired.
const UnknownSessionSentinel = "unknown"

// Store is a concurrent map of session id to Session. Insert enforces the
// live-process cap; Rekey atomically moves a session from its temp id to the
// agent-assigned real id.
//
// Lock ordering: store methods may acquire individual session locks, so
// callers must never invoke the store while holding a session lock.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	nextSeq     uint64
}

// NewStore creates a store capped at maxSessions live processes.
func NewStore(maxSessions int) *Store {
	return &Store{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
	}
}

// Insert adds a session under its current id. It fails with
// ErrCapacityExceeded when the session would push the occupied-slot count
// past the cap. A slot is occupied by a live process or a reservation;
// sessions in terminal states do not count.
func (st *Store) Insert(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.countOccupiedLocked() >= st.maxSessions {
		return ErrCapacityExceeded
	}
	st.nextSeq++
	s.seq = st.nextSeq
	st.sessions[s.ID] = s
	return nil
}

// ReserveSlot atomically claims a slot for a process attach into an existing
// session. Resume paths call this before spawning; the claim counts toward
// the cap until the attach completes or fails and clears Spawning.
func (st *Store) ReserveSlot(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.countOccupiedLocked() >= st.maxSessions {
		return ErrCapacityExceeded
	}
	s.Lock()
	s.Spawning = true
	s.Unlock()
	return nil
}

// Get returns the session for id, or nil.
func (st *Store) Get(id string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// Rekey atomically moves the session from oldID to newID. After it returns,
// the session is reachable only under newID.
func (st *Store) Rekey(oldID, newID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[oldID]
	if !ok {
		return false
	}
	delete(st.sessions, oldID)
	st.sessions[newID] = s
	return true
}

// Remove deletes the session for id.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// ForEach calls fn for every session. The map lock is held for the
// duration; fn must not call back into the store.
func (st *Store) ForEach(fn func(*Session)) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.sessions {
		fn(s)
	}
}

// CountActive returns the number of sessions occupying a slot, either with a
// live process or a spawn reservation.
func (st *Store) CountActive() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.countOccupiedLocked()
}

func (st *Store) countOccupiedLocked() int {
	count := 0
	for _, s := range st.sessions {
		s.Lock()
		if s.Spawning || (s.Proc != nil && s.Proc.Alive()) {
			count++
		}
		s.Unlock()
	}
	return count
}

// ResolveApprovalTarget finds the session an approval request labelled with
// the given session id belongs to. Exact match wins; a not-yet-initialized
// sentinel falls back to the most recently inserted session still on its
// temp id; anything else falls back to the most recently created session
// that is active or awaiting input. Covers the race where the agent's
// approval path fires before the init event.
func (st *Store) ResolveApprovalTarget(label string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if s, ok := st.sessions[label]; ok {
		return s
	}

	if label == "" || label == UnknownSessionSentinel {
		var best *Session
		for _, s := range st.sessions {
			s.Lock()
			onTempID := !s.HasRealID()
			seq := s.seq
			s.Unlock()
			if onTempID && (best == nil || seq > best.seq) {
				best = s
			}
		}
		if best != nil {
			return best
		}
	}

	var best *Session
	for _, s := range st.sessions {
		s.Lock()
		eligible := s.Status == StatusActive || s.Status == StatusAwaitingInput
		seq := s.seq
		s.Unlock()
		if eligible && (best == nil || seq > best.seq) {
			best = s
		}
	}
	return best
}
