package transport

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

type outboxKey struct {
	sessionID uint64
	sequence  uint64
}

type pendingEnvelope struct {
	env      *protocol.Envelope
	lastSent time.Time
	attempts int
}

// Outbox tracks envelopes flagged RequiresAck until the peer acknowledges
// them. Unacknowledged envelopes are resent on a timer and redelivered in
// order after a reconnect.
type Outbox struct {
	mu      sync.Mutex
	pending map[outboxKey]*pendingEnvelope

	retryInterval time.Duration
	maxAttempts   int
	resend        func(*protocol.Envelope) error
	log           *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewOutbox creates an outbox. resend is called off the outbox lock for every
// envelope whose ack is overdue.
func NewOutbox(retryInterval time.Duration, maxAttempts int, resend func(*protocol.Envelope) error, log *zap.Logger) *Outbox {
	if log == nil {
		log = zap.NewNop()
	}
	if retryInterval <= 0 {
		retryInterval = 3 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Outbox{
		pending:       make(map[outboxKey]*pendingEnvelope),
		retryInterval: retryInterval,
		maxAttempts:   maxAttempts,
		resend:        resend,
		log:           log,
		done:          make(chan struct{}),
	}
}

// Track registers an envelope awaiting acknowledgment. Envelopes without the
// RequiresAck flag and control-plane envelopes (sequence 0) are ignored.
func (o *Outbox) Track(e *protocol.Envelope) {
	if !e.Header.HasFlag(protocol.FlagRequiresAck) || e.Header.SequenceNumber == 0 {
		return
	}

	o.mu.Lock()
	o.pending[outboxKey{e.Header.SessionID, e.Header.SequenceNumber}] = &pendingEnvelope{
		env:      e,
		lastSent: time.Now(),
		attempts: 1,
	}
	o.mu.Unlock()
}

// Ack clears a delivered envelope. Returns false for unknown acks (already
// acknowledged, or never tracked).
func (o *Outbox) Ack(sessionID, sequence uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := outboxKey{sessionID, sequence}
	if _, ok := o.pending[key]; !ok {
		return false
	}
	delete(o.pending, key)
	return true
}

// PendingForSession returns a session's unacknowledged envelopes in sequence
// order, for redelivery after a reconnect.
func (o *Outbox) PendingForSession(sessionID uint64) []*protocol.Envelope {
	o.mu.Lock()
	var out []*protocol.Envelope
	for key, p := range o.pending {
		if key.sessionID == sessionID {
			out = append(out, p.env)
		}
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Header.SequenceNumber < out[j].Header.SequenceNumber
	})
	return out
}

// All returns every tracked envelope in (session, sequence) order
func (o *Outbox) All() []*protocol.Envelope {
	o.mu.Lock()
	out := make([]*protocol.Envelope, 0, len(o.pending))
	for _, p := range o.pending {
		out = append(out, p.env)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		hi, hj := out[i].Header, out[j].Header
		if hi.SessionID != hj.SessionID {
			return hi.SessionID < hj.SessionID
		}
		return hi.SequenceNumber < hj.SequenceNumber
	})
	return out
}

// DropSession discards all tracked envelopes for a closed session
func (o *Outbox) DropSession(sessionID uint64) {
	o.mu.Lock()
	for key := range o.pending {
		if key.sessionID == sessionID {
			delete(o.pending, key)
		}
	}
	o.mu.Unlock()
}

// Len returns the number of envelopes awaiting acknowledgment
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Start launches the retry timer
func (o *Outbox) Start() {
	go o.retryLoop()
}

// Stop cancels the retry timer
func (o *Outbox) Stop() {
	o.stopOnce.Do(func() {
		close(o.done)
	})
}

func (o *Outbox) retryLoop() {
	ticker := time.NewTicker(o.retryInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.retryDue()
		}
	}
}

func (o *Outbox) retryDue() {
	cutoff := time.Now().Add(-o.retryInterval)

	o.mu.Lock()
	var due []*protocol.Envelope
	for key, p := range o.pending {
		if !p.lastSent.Before(cutoff) {
			continue
		}
		if p.attempts >= o.maxAttempts {
			o.log.Warn("giving up on unacknowledged envelope",
				zap.Uint64("session_id", key.sessionID),
				zap.Uint64("sequence", key.sequence),
				zap.Int("attempts", p.attempts))
			delete(o.pending, key)
			continue
		}
		p.attempts++
		p.lastSent = time.Now()
		due = append(due, p.env)
	}
	o.mu.Unlock()

	for _, e := range due {
		if err := o.resend(e); err != nil {
			o.log.Warn("ack retry send failed",
				zap.Uint64("session_id", e.Header.SessionID),
				zap.Uint64("sequence", e.Header.SequenceNumber),
				zap.Error(err))
		}
	}
}
