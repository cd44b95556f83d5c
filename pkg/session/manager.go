package session

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xtmp-net/xtmp-node/pkg/keys"
	"github.com/xtmp-net/xtmp-node/pkg/metrics"
)

// Config controls session lifetimes
type Config struct {
	InactivityTimeout time.Duration // Idle time before a session starts expiring
	RotationInterval  time.Duration // Key rotation cadence for active sessions
	SweepInterval     time.Duration // How often the expiry sweeper runs
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 10 * time.Minute,
		RotationInterval:  time.Hour,
		SweepInterval:     30 * time.Second,
	}
}

// Manager owns the session table. It is the only place sessions are
// created, looked up, or removed; the router and connection manager never
// touch session state directly.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session

	keys    *keys.Manager
	store   *Store // Optional resumption store
	cfg     Config
	log     *zap.Logger
	counter atomic.Uint64

	// onExpire is invoked (outside the table lock) before an idle session
	// is closed, giving the owner a chance at a best-effort teardown
	// message.
	onExpire func(*Session)

	stopOnce sync.Once
	done     chan struct{}
}

// NewManager creates a session manager
func NewManager(cfg Config, km *keys.Manager, store *Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = def.RotationInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	return &Manager{
		sessions: make(map[uint64]*Session),
		keys:     km,
		store:    store,
		cfg:      cfg,
		log:      log,
		done:     make(chan struct{}),
	}
}

// OnExpire registers the expiry notification callback
func (m *Manager) OnExpire(fn func(*Session)) {
	m.onExpire = fn
}

// AllocateID returns a fresh session identifier (hub side)
func (m *Manager) AllocateID() uint64 {
	return m.counter.Add(1)
}

// Create inserts a new session in the Handshaking state
func (m *Manager) Create(id uint64, peer string, role keys.Direction) *Session {
	s := newSession(id, peer, role, m.cfg.InactivityTimeout)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return s
}

// Activate transitions a session out of Handshaking once authentication and
// key derivation have both succeeded.
func (m *Manager) Activate(id uint64) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.setState(StateActive)
	s.touch(m.cfg.InactivityTimeout)

	if m.store != nil {
		if err := m.persist(s); err != nil {
			m.log.Warn("failed to persist session", zap.Uint64("session_id", id), zap.Error(err))
		}
	}

	m.log.Info("session active",
		zap.Uint64("session_id", id),
		zap.String("peer", s.PeerAddress))

	return nil
}

// Get returns an active, non-expired session
func (m *Manager) Get(id uint64) (*Session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	switch s.State() {
	case StateActive, StateRotating:
		return s, nil
	case StateHandshaking:
		return nil, ErrNotReady
	case StateExpiring:
		return nil, ErrExpired
	default:
		return nil, ErrClosed
	}
}

func (m *Manager) lookup(id uint64) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Touch refreshes a session's activity clock
func (m *Manager) Touch(id uint64) {
	if s, err := m.lookup(id); err == nil {
		s.touch(m.cfg.InactivityTimeout)
	}
}

// NextSequence assigns the next outbound sequence for an active session
func (m *Manager) NextSequence(id uint64) (uint64, error) {
	s, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	return s.NextSequence(), nil
}

// ValidateInbound checks that an envelope's session is live and its sequence
// number is fresh. It does not advance the replay window: the caller
// authenticates the frame first and then confirms it with AcceptInbound, so
// forged plaintext can never move the window.
func (m *Manager) ValidateInbound(id uint64, seq uint64) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	if err := s.CheckSequence(seq); err != nil {
		return nil, err
	}
	return s, nil
}

// AcceptInbound advances the replay window and the activity clock for a
// frame that authenticated under the session's keys.
func (m *Manager) AcceptInbound(id uint64, seq uint64) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	if err := s.AcceptSequence(seq); err != nil {
		return err
	}

	s.touch(m.cfg.InactivityTimeout)
	return nil
}

// Close removes a session and releases its keys, reporting whether a session
// was actually removed. Closing an unknown or already-closed session is a
// no-op, so callers can gate their own teardown on the return value.
func (m *Manager) Close(id uint64) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	s.setState(StateClosed)
	m.keys.Remove(id)

	if m.store != nil {
		if err := m.store.Delete(id); err != nil {
			m.log.Warn("failed to delete persisted session", zap.Uint64("session_id", id), zap.Error(err))
		}
	}

	m.log.Info("session closed", zap.Uint64("session_id", id))
	return true
}

// Start launches the expiry sweeper and rotation timer
func (m *Manager) Start() {
	go m.sweepLoop()
	go m.rotateLoop()
}

// Stop cancels the background loops
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

// sweepLoop expires idle sessions
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.InactivityTimeout)

	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		st := s.State()
		if (st == StateActive || st == StateRotating) && s.idle(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		s.setState(StateExpiring)
		m.log.Info("session expiring after inactivity", zap.Uint64("session_id", s.ID))

		if m.onExpire != nil {
			m.onExpire(s)
		}
		m.Close(s.ID)
	}
}

// rotateLoop rotates keys for all active sessions on the configured interval
func (m *Manager) rotateLoop() {
	ticker := time.NewTicker(m.cfg.RotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.rotateAll()
		}
	}
}

func (m *Manager) rotateAll() {
	m.mu.RLock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.State() == StateActive {
			active = append(active, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range active {
		s.setState(StateRotating)
		if _, err := m.keys.Rotate(s.ID); err != nil {
			m.log.Warn("key rotation failed", zap.Uint64("session_id", s.ID), zap.Error(err))
		} else {
			metrics.KeyRotations.Inc()
			if m.store != nil {
				if err := m.persist(s); err != nil {
					m.log.Warn("failed to persist rotated session", zap.Uint64("session_id", s.ID), zap.Error(err))
				}
			}
		}
		s.setState(StateActive)
	}
}

// persist saves a session and its exported key chain for resumption
func (m *Manager) persist(s *Session) error {
	suite, secret, generation, establishedAt, err := m.keys.Export(s.ID)
	if err != nil {
		return err
	}

	return m.store.Save(&PersistedSession{
		ID:            s.ID,
		PeerAddress:   s.PeerAddress,
		PeerClientID:  s.PeerClientID,
		PeerIdentity:  s.PeerIdentity,
		Role:          s.Role,
		Suite:         suite,
		Secret:        secret,
		Generation:    generation,
		SendSeq:       s.SendSequence(),
		EstablishedAt: establishedAt,
		ExpiresAt:     s.ExpiresAt(),
	})
}

// resumeSequenceGap is added to a resumed session's persisted outbound
// counter. The counter is only persisted on activation and rotation, so the
// gap covers sequences assigned between the last save and the restart.
const resumeSequenceGap = 1 << 20

// Resume reloads unexpired persisted sessions into the table and reinstalls
// their key chains. Expired rows are purged.
func (m *Manager) Resume() (int, error) {
	if m.store == nil {
		return 0, nil
	}

	rows, err := m.store.LoadAll()
	if err != nil {
		return 0, err
	}

	resumed := 0
	var maxID uint64
	for _, row := range rows {
		if time.Now().After(row.ExpiresAt) {
			if err := m.store.Delete(row.ID); err != nil {
				m.log.Warn("failed to purge expired session", zap.Uint64("session_id", row.ID), zap.Error(err))
			}
			continue
		}

		if _, err := m.keys.Resume(row.ID, row.Suite, row.Secret, row.EstablishedAt, row.Generation); err != nil {
			m.log.Warn("failed to resume session keys", zap.Uint64("session_id", row.ID), zap.Error(err))
			continue
		}

		s := m.Create(row.ID, row.PeerAddress, row.Role)
		s.PeerClientID = row.PeerClientID
		s.PeerIdentity = row.PeerIdentity
		s.advanceSendSequence(row.SendSeq + resumeSequenceGap)
		s.setState(StateActive)

		if row.ID > maxID {
			maxID = row.ID
		}
		resumed++
	}

	// Keep allocating above any resumed ID.
	for {
		cur := m.counter.Load()
		if cur >= maxID || m.counter.CompareAndSwap(cur, maxID) {
			break
		}
	}

	if resumed > 0 {
		m.log.Info("resumed persisted sessions", zap.Int("count", resumed))
	}
	return resumed, nil
}

// Count returns the number of tracked sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshot returns a copy of the current session list for the status API
func (m *Manager) Snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
