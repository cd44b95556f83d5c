package session

import (
	"sync"
	"time"

	"github.com/xtmp-net/xtmp-node/pkg/keys"
)

// State is the session lifecycle state
type State uint8

const (
	StateHandshaking State = iota
	StateActive
	StateRotating // Sub-state of Active while a new key set is installed
	StateExpiring
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateRotating:
		return "rotating"
	case StateExpiring:
		return "expiring"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionError describes a session-level failure (unknown or expired
// session, replayed sequence). Recoverable by forcing a fresh handshake.
type SessionError struct {
	Reason string
}

func (e *SessionError) Error() string {
	return "session error: " + e.Reason
}

var (
	ErrNotFound = &SessionError{Reason: "session not found"}
	ErrExpired  = &SessionError{Reason: "session expired"}
	ErrReplay   = &SessionError{Reason: "replayed or reordered sequence number"}
	ErrClosed   = &SessionError{Reason: "session closed"}
	ErrNotReady = &SessionError{Reason: "session not active"}
)

// Session is a logical, bidirectional, ordered channel between two peers.
// It survives transport reconnects within its expiry window.
type Session struct {
	ID           uint64
	PeerAddress  string
	PeerClientID string
	PeerIdentity [32]byte
	Role         keys.Direction // This peer's role in the session

	mu            sync.Mutex
	state         State
	establishedAt time.Time
	lastActivity  time.Time
	expiresAt     time.Time

	sendSeq     uint64 // Last sequence number we assigned outbound
	lastSeenSeq uint64 // Highest inbound sequence accepted

	// Delivery quality bookkeeping, surfaced through the status API.
	delivered uint64
	dropped   uint64
}

func newSession(id uint64, peer string, role keys.Direction, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		PeerAddress:   peer,
		Role:          role,
		state:         StateHandshaking,
		establishedAt: now,
		lastActivity:  now,
		expiresAt:     now.Add(ttl),
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// EstablishedAt returns when the session was created
func (s *Session) EstablishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.establishedAt
}

// LastActivity returns the time of the last traffic in either direction
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ExpiresAt returns the current expiry deadline
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// touch refreshes activity and pushes the expiry deadline out
func (s *Session) touch(ttl time.Duration) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.expiresAt = s.lastActivity.Add(ttl)
	s.mu.Unlock()
}

// idle reports whether the session has seen no traffic since the cutoff
func (s *Session) idle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity.Before(cutoff)
}

// NextSequence assigns the next outbound sequence number
func (s *Session) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendSeq++
	return s.sendSeq
}

// SendSequence returns the last outbound sequence assigned
func (s *Session) SendSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendSeq
}

// advanceSendSequence moves the outbound counter forward, never backward.
// Used on resume so sequences assigned after a restart stay fresh.
func (s *Session) advanceSendSequence(to uint64) {
	s.mu.Lock()
	if to > s.sendSeq {
		s.sendSeq = to
	}
	s.mu.Unlock()
}

// CheckSequence reports whether an inbound sequence number would be fresh,
// without advancing the replay window. Used before the frame has
// authenticated; sequence 0 is control plane and is never tracked.
func (s *Session) CheckSequence(seq uint64) error {
	if seq == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.lastSeenSeq {
		s.dropped++
		return ErrReplay
	}
	return nil
}

// AcceptSequence validates an inbound sequence number and advances the
// replay window. Only call this for frames that authenticated under the
// session's keys; a non-increasing sequence is a replay and is rejected.
// Sequence 0 is control plane and is never tracked.
func (s *Session) AcceptSequence(seq uint64) error {
	if seq == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.lastSeenSeq {
		s.dropped++
		return ErrReplay
	}
	s.lastSeenSeq = seq
	s.delivered++
	return nil
}

// LastSeenSequence returns the highest inbound sequence accepted so far
func (s *Session) LastSeenSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenSeq
}

// Quality returns delivered and dropped inbound message counts
func (s *Session) Quality() (delivered, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered, s.dropped
}
