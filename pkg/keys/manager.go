package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

// HKDF info prefix for session key derivation
const derivationInfo = "xtmp v1 session keys"

var (
	ErrNoKeys             = errors.New("no keys installed for session")
	ErrUnknownGeneration  = errors.New("key generation not current and outside grace window")
	ErrAuthFailure        = errors.New("message authentication failed")
	ErrSessionCompromised = errors.New("repeated authentication failures, session must be torn down")
)

// Config controls rotation and tamper detection
type Config struct {
	RotationInterval time.Duration // How often Rotate derives a new generation
	GracePeriod      time.Duration // How long the previous generation stays valid
	FailureBudget    int           // Auth failures within FailureWindow before teardown
	FailureWindow    time.Duration
}

// DefaultConfig returns the documented secure defaults
func DefaultConfig() Config {
	return Config{
		RotationInterval: time.Hour,
		GracePeriod:      2 * time.Minute,
		FailureBudget:    5,
		FailureWindow:    time.Minute,
	}
}

// keyChain is the per-session key state: the handshake root secret plus the
// current and (during the grace window) previous derived key sets.
type keyChain struct {
	suite         uint8
	secret        []byte
	keyID         protocol.KeyID
	establishedAt time.Time

	current   *KeySet
	previous  *KeySet
	retiredAt time.Time // When previous was rotated out

	// One send counter per direction; only this peer's own direction is
	// ever incremented, the other slot tracks nothing.
	counters [3]uint64

	failures []time.Time
}

// Manager owns all per-session key material. It is constructed once and
// shared; all methods are safe for concurrent use. Sessions are independent:
// a per-session chain is looked up under a read lock and mutated under the
// manager lock only for counter and rotation updates.
type Manager struct {
	mu     sync.RWMutex
	chains map[uint64]*keyChain
	cfg    Config
	log    *zap.Logger
}

// NewManager creates a key manager
func NewManager(cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = DefaultConfig().RotationInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	if cfg.FailureBudget <= 0 {
		cfg.FailureBudget = DefaultConfig().FailureBudget
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultConfig().FailureWindow
	}

	return &Manager{
		chains: make(map[uint64]*keyChain),
		cfg:    cfg,
		log:    log,
	}
}

// Install derives generation 1 keys for a freshly handshaken session.
// Installing over an existing session replaces its chain (resumption).
func (m *Manager) Install(sessionID uint64, suite uint8, secret []byte, establishedAt time.Time) (*KeySet, error) {
	return m.install(sessionID, suite, secret, establishedAt, 1)
}

func (m *Manager) install(sessionID uint64, suite uint8, secret []byte, establishedAt time.Time, generation uint32) (*KeySet, error) {
	if len(secret) == 0 {
		return nil, ErrNoKeys
	}
	if _, err := newAEAD(suite, make([]byte, SessionKeyLen)); err != nil {
		return nil, err
	}

	chain := &keyChain{
		suite:         suite,
		secret:        append([]byte(nil), secret...),
		keyID:         chainKeyID(secret),
		establishedAt: establishedAt,
	}

	ks, err := m.derive(chain, sessionID, generation)
	if err != nil {
		return nil, err
	}
	chain.current = ks

	m.mu.Lock()
	m.chains[sessionID] = chain
	m.mu.Unlock()

	m.log.Debug("session keys installed",
		zap.Uint64("session_id", sessionID),
		zap.Uint8("suite", suite),
		zap.Uint32("generation", generation))

	return ks, nil
}

// Resume reinstalls a persisted session at its last known generation
func (m *Manager) Resume(sessionID uint64, suite uint8, secret []byte, establishedAt time.Time, generation uint32) (*KeySet, error) {
	if generation == 0 {
		generation = 1
	}
	return m.install(sessionID, suite, secret, establishedAt, generation)
}

// derive expands the root secret into one generation's key set. The HKDF
// context pins session ID, generation, and handshake timestamp, so no two
// sessions or generations share keys even under a shared identity.
func (m *Manager) derive(chain *keyChain, sessionID uint64, generation uint32) (*KeySet, error) {
	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, sessionID)

	info := make([]byte, 0, len(derivationInfo)+8+4+8)
	info = append(info, derivationInfo...)
	info = binary.BigEndian.AppendUint64(info, sessionID)
	info = binary.BigEndian.AppendUint32(info, generation)
	info = binary.BigEndian.AppendUint64(info, uint64(chain.establishedAt.UnixMilli()))

	reader := hkdf.New(sha256.New, chain.secret, salt, info)

	ks := &KeySet{
		Generation: generation,
		ExpiresAt:  time.Now().Add(m.cfg.RotationInterval + m.cfg.GracePeriod),
	}
	if _, err := reader.Read(ks.SessionKey[:]); err != nil {
		return nil, err
	}
	if _, err := reader.Read(ks.AuthKey[:]); err != nil {
		return nil, err
	}

	return ks, nil
}

// Rotate derives the next generation's key set. The outgoing generation
// remains valid for the grace period to absorb in-flight messages. Rotation
// is transparent to message flow.
func (m *Manager) Rotate(sessionID uint64) (*KeySet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[sessionID]
	if !ok {
		return nil, ErrNoKeys
	}

	next, err := m.derive(chain, sessionID, chain.current.Generation+1)
	if err != nil {
		return nil, err
	}

	chain.previous = chain.current
	chain.retiredAt = time.Now()
	chain.current = next

	m.log.Debug("session keys rotated",
		zap.Uint64("session_id", sessionID),
		zap.Uint32("generation", next.Generation))

	return next, nil
}

// Encrypt seals a payload under the session's current key set and returns
// the ciphertext plus a filled-in security section. The nonce embeds this
// peer's per-direction counter and the key generation.
func (m *Manager) Encrypt(sessionID uint64, direction Direction, plaintext []byte) ([]byte, protocol.Security, error) {
	var sec protocol.Security

	m.mu.Lock()
	chain, ok := m.chains[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, sec, ErrNoKeys
	}
	chain.counters[direction]++
	counter := chain.counters[direction]
	ks := chain.current
	suite := chain.suite
	keyID := chain.keyID
	m.mu.Unlock()

	aead, err := newAEAD(suite, ks.SessionKey[:])
	if err != nil {
		return nil, sec, err
	}

	nonce := BuildNonce(counter, ks.Generation, direction)
	ciphertext := aead.Seal(nil, suiteNonce(suite, nonce), plaintext, nil)

	sec.EncryptionType = suite
	sec.KeyGeneration = ks.Generation
	sec.KeyID = keyID
	sec.Nonce = nonce
	sec.AuthTag = computeTag(ks.AuthKey, nonce, ciphertext)

	return ciphertext, sec, nil
}

// Decrypt authenticates and opens a payload. The auth tag is verified before
// the AEAD open is attempted. An authentication failure rejects the message,
// not the session; once failures exceed the budget within the window,
// ErrSessionCompromised is returned and the caller must tear the session down.
func (m *Manager) Decrypt(sessionID uint64, direction Direction, sec *protocol.Security, ciphertext []byte) ([]byte, error) {
	m.mu.RLock()
	chain, ok := m.chains[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNoKeys
	}

	ks, err := m.selectKeySet(chain, sec.KeyGeneration)
	if err != nil {
		return nil, err
	}

	if sec.EncryptionType != chain.suite {
		return nil, m.recordFailure(sessionID, chain, fmt.Errorf("%w: suite mismatch", ErrAuthFailure))
	}
	if sec.Nonce[12] != byte(direction) {
		return nil, m.recordFailure(sessionID, chain, fmt.Errorf("%w: wrong nonce direction", ErrAuthFailure))
	}

	want := computeTag(ks.AuthKey, sec.Nonce, ciphertext)
	if !hmac.Equal(want[:], sec.AuthTag[:]) {
		return nil, m.recordFailure(sessionID, chain, ErrAuthFailure)
	}

	aead, err := newAEAD(chain.suite, ks.SessionKey[:])
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, suiteNonce(chain.suite, sec.Nonce), ciphertext, nil)
	if err != nil {
		return nil, m.recordFailure(sessionID, chain, fmt.Errorf("%w: %v", ErrAuthFailure, err))
	}

	return plaintext, nil
}

// selectKeySet resolves a generation to the current key set, or the previous
// one while inside the grace window.
func (m *Manager) selectKeySet(chain *keyChain, generation uint32) (*KeySet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if chain.current != nil && chain.current.Generation == generation {
		return chain.current, nil
	}
	if chain.previous != nil && chain.previous.Generation == generation {
		if time.Since(chain.retiredAt) <= m.cfg.GracePeriod {
			return chain.previous, nil
		}
	}
	return nil, ErrUnknownGeneration
}

// recordFailure tracks authentication failures and escalates to
// ErrSessionCompromised when the budget is exhausted within the window.
func (m *Manager) recordFailure(sessionID uint64, chain *keyChain, cause error) error {
	now := time.Now()
	cutoff := now.Add(-m.cfg.FailureWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := chain.failures[:0]
	for _, ts := range chain.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	chain.failures = append(kept, now)

	if len(chain.failures) >= m.cfg.FailureBudget {
		m.log.Warn("authentication failure budget exhausted",
			zap.Uint64("session_id", sessionID),
			zap.Int("failures", len(chain.failures)))
		return fmt.Errorf("%w: %w", ErrSessionCompromised, cause)
	}

	return cause
}

// Export returns the chain state needed to persist a session for resumption
func (m *Manager) Export(sessionID uint64) (suite uint8, secret []byte, generation uint32, establishedAt time.Time, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain, ok := m.chains[sessionID]
	if !ok {
		return 0, nil, 0, time.Time{}, ErrNoKeys
	}

	return chain.suite, append([]byte(nil), chain.secret...), chain.current.Generation, chain.establishedAt, nil
}

// Generation returns the session's current key generation
func (m *Manager) Generation(sessionID uint64) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain, ok := m.chains[sessionID]
	if !ok {
		return 0, ErrNoKeys
	}
	return chain.current.Generation, nil
}

// Remove wipes a session's key material. Removing twice is a no-op.
func (m *Manager) Remove(sessionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[sessionID]
	if !ok {
		return
	}
	for i := range chain.secret {
		chain.secret[i] = 0
	}
	delete(m.chains, sessionID)
}

// chainKeyID derives the stable key chain identifier from the root secret
func chainKeyID(secret []byte) protocol.KeyID {
	sum := blake2b.Sum256(secret)

	var id protocol.KeyID
	copy(id[:], sum[:protocol.KeyIDSize])
	return id
}

// computeTag produces the envelope auth tag: keyed BLAKE2b-256 over
// nonce || ciphertext, truncated to 16 bytes.
func computeTag(authKey [AuthKeyLen]byte, nonce protocol.Nonce, ciphertext []byte) protocol.AuthTag {
	h, err := blake2b.New256(authKey[:])
	if err != nil {
		// Only reachable with an oversized key, which the fixed-size
		// AuthKey type rules out.
		panic(err)
	}
	h.Write(nonce[:])
	h.Write(ciphertext)

	var tag protocol.AuthTag
	copy(tag[:], h.Sum(nil)[:protocol.AuthTagSize])
	return tag
}
