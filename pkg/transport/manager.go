package transport

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xtmp-net/xtmp-node/pkg/metrics"
	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

// Config controls the connection manager
type Config struct {
	Primary  Endpoint  // Stream endpoint carrying the session (TCP or WebSocket)
	Fallback *Endpoint // Optional WebSocket fallback tried when Primary won't dial
	Datagram *Endpoint // Optional UDP endpoint for stream data

	MaxFrame      int           // Fragmentation threshold for stream transports
	ParityShards  int           // FEC parity shards for datagram fragments
	RetryInterval time.Duration // Ack retry cadence
	MaxAttempts   int           // Send attempts before an envelope is abandoned
	ReassemblyAge time.Duration // Incomplete fragment sets older than this are pruned
}

// Manager multiplexes one peer's traffic over the available transports. It
// owns the read loops, reconnects the stream transport with exponential
// backoff, acknowledges inbound envelopes that ask for it, and retries
// outbound envelopes until acknowledged.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	primary  Conn
	datagram Conn
	closed   bool

	handler     func(*protocol.Envelope)
	onReconnect func(Conn) error

	outbox      *Outbox
	reassembler *protocol.Reassembler

	stopOnce sync.Once
	done     chan struct{}
}

// NewManager creates a connection manager
func NewManager(cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = MaxDatagram
	}
	if cfg.ReassemblyAge <= 0 {
		cfg.ReassemblyAge = 30 * time.Second
	}

	m := &Manager{
		cfg:         cfg,
		log:         log,
		reassembler: protocol.NewReassembler(),
		done:        make(chan struct{}),
	}
	m.outbox = NewOutbox(cfg.RetryInterval, cfg.MaxAttempts, m.resend, log)
	return m
}

// OnEnvelope registers the inbound delivery callback. Must be set before
// Start.
func (m *Manager) OnEnvelope(fn func(*protocol.Envelope)) {
	m.handler = fn
}

// OnReconnect registers a callback invoked with each freshly dialed stream
// connection, after queued envelopes are redelivered. Used by the owner to
// prove the session live on the new connection.
func (m *Manager) OnReconnect(fn func(Conn) error) {
	m.onReconnect = fn
}

// Start adopts an established stream connection and begins serving it. The
// datagram transport, if configured, is dialed here too.
func (m *Manager) Start(primary Conn) error {
	m.mu.Lock()
	m.primary = primary
	m.mu.Unlock()

	if m.cfg.Datagram != nil {
		dc, err := DialUDP(context.Background(), *m.cfg.Datagram)
		if err != nil {
			m.log.Warn("datagram transport unavailable", zap.Error(err))
		} else {
			m.mu.Lock()
			m.datagram = dc
			m.mu.Unlock()
			go m.readLoop(dc, false)
		}
	}

	m.outbox.Start()
	go m.readLoop(primary, true)
	go m.pruneLoop()
	return nil
}

// Send routes an envelope to a transport. Stream data goes over the datagram
// transport when one is up; everything else uses the stream connection.
// Oversized envelopes are fragmented, with FEC parity on lossy transports.
func (m *Manager) Send(e *protocol.Envelope) error {
	conn := m.pick(e)
	if conn == nil {
		return ErrNoTransport
	}

	m.outbox.Track(e)
	return m.sendOn(conn, e)
}

func (m *Manager) pick(e *protocol.Envelope) Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Header.HasFlag(protocol.FlagStreamData) && !e.Header.HasFlag(protocol.FlagRequiresAck) && m.datagram != nil {
		return m.datagram
	}
	return m.primary
}

func (m *Manager) sendOn(conn Conn, e *protocol.Envelope) error {
	maxFrame := m.cfg.MaxFrame
	parity := 0
	if conn.Mode() == ModeUDP {
		maxFrame = MaxDatagram
		parity = m.cfg.ParityShards
	}

	if e.WireSize() <= maxFrame {
		if err := conn.Send(e); err != nil {
			return err
		}
		metrics.FramesSent.WithLabelValues(conn.Mode().String()).Inc()
		return nil
	}

	frags, err := protocol.Split(e, maxFrame, parity)
	if err != nil {
		return err
	}
	for _, frag := range frags {
		if err := conn.Send(frag); err != nil {
			return err
		}
		metrics.FramesSent.WithLabelValues(conn.Mode().String()).Inc()
	}
	return nil
}

// resend is the outbox retry path: always the stream transport, since only
// acked traffic is tracked.
func (m *Manager) resend(e *protocol.Envelope) error {
	m.mu.Lock()
	conn := m.primary
	m.mu.Unlock()
	if conn == nil {
		return ErrNoTransport
	}

	metrics.AckRetries.Inc()
	return m.sendOn(conn, e)
}

// Close shuts the manager down. Safe to call more than once.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		primary, datagram := m.primary, m.datagram
		m.mu.Unlock()

		close(m.done)
		m.outbox.Stop()
		if primary != nil {
			primary.Close()
		}
		if datagram != nil {
			datagram.Close()
		}
	})
}

// DropSession discards a closed session's queued envelopes
func (m *Manager) DropSession(sessionID uint64) {
	m.outbox.DropSession(sessionID)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) readLoop(conn Conn, reconnectable bool) {
	for {
		e, err := conn.Recv()
		if err != nil {
			if m.isClosed() {
				return
			}
			if !reconnectable {
				m.log.Warn("datagram transport lost", zap.Error(err))
				return
			}

			m.log.Warn("connection lost, reconnecting", zap.String("peer", conn.RemoteAddr()), zap.Error(err))
			next := m.reconnect()
			if next == nil {
				return
			}
			conn = next
			continue
		}

		m.handleInbound(e, conn)
	}
}

// reconnect redials the stream transport with exponential backoff,
// alternating to the fallback endpoint when one is configured. Returns nil
// only if the manager is closed.
func (m *Manager) reconnect() Conn {
	backoff := NewBackoff()
	useFallback := false

	for {
		select {
		case <-m.done:
			return nil
		case <-time.After(backoff.Next()):
		}

		ep := m.cfg.Primary
		if useFallback && m.cfg.Fallback != nil {
			ep = *m.cfg.Fallback
		}
		useFallback = !useFallback

		conn, err := Dial(context.Background(), ep)
		if err != nil {
			m.log.Warn("reconnect failed", zap.String("endpoint", ep.String()), zap.Error(err))
			continue
		}

		// Queued envelopes go out first: they were sealed with sequence
		// numbers assigned before the drop, and the peer only accepts
		// increasing sequences, so anything sent ahead of them would make
		// them look like replays.
		m.redeliver(conn)

		if m.onReconnect != nil {
			if err := m.onReconnect(conn); err != nil {
				m.log.Warn("session resume on new connection failed", zap.Error(err))
				conn.Close()
				continue
			}
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return nil
		}
		m.primary = conn
		m.mu.Unlock()

		metrics.Reconnects.Inc()
		m.log.Info("reconnected", zap.String("peer", conn.RemoteAddr()), zap.String("transport", conn.Mode().String()))
		return conn
	}
}

// redeliver resends every unacknowledged envelope over a fresh connection
func (m *Manager) redeliver(conn Conn) {
	pending := m.outbox.All()
	for _, e := range pending {
		if err := m.sendOn(conn, e); err != nil {
			m.log.Warn("redelivery failed",
				zap.Uint64("session_id", e.Header.SessionID),
				zap.Uint64("sequence", e.Header.SequenceNumber),
				zap.Error(err))
			return
		}
	}
	if len(pending) > 0 {
		m.log.Info("redelivered queued envelopes", zap.Int("count", len(pending)))
	}
}

func (m *Manager) handleInbound(e *protocol.Envelope, conn Conn) {
	metrics.FramesReceived.WithLabelValues(conn.Mode().String()).Inc()

	if e.Header.HasFlag(protocol.FlagFragmented) {
		full, err := m.reassembler.Add(e)
		if err != nil {
			metrics.FramesRejected.WithLabelValues("bad_fragment").Inc()
			m.log.Warn("dropping bad fragment", zap.Uint64("session_id", e.Header.SessionID), zap.Error(err))
			return
		}
		if full == nil {
			return
		}
		e = full
	}

	if e.Header.Type == protocol.MsgTypeAck {
		if acked, ok := ParseAckPayload(e.Payload); ok {
			m.outbox.Ack(e.Header.SessionID, acked)
		}
		return
	}

	if e.Header.HasFlag(protocol.FlagRequiresAck) {
		ack := protocol.NewEnvelope(protocol.MsgTypeAck, e.Header.SessionID, 0, AckPayload(e.Header.SequenceNumber))
		if err := conn.Send(ack); err != nil {
			m.log.Warn("failed to send ack", zap.Uint64("session_id", e.Header.SessionID), zap.Error(err))
		}
	}

	if m.handler != nil {
		m.handler(e)
	}
}

func (m *Manager) pruneLoop() {
	ticker := time.NewTicker(m.cfg.ReassemblyAge)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if n := m.reassembler.Prune(m.cfg.ReassemblyAge); n > 0 {
				m.log.Debug("pruned stale fragment sets", zap.Int("count", n))
			}
		}
	}
}

// AckPayload encodes the acknowledged sequence number for MsgTypeAck frames
func AckPayload(sequence uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sequence)
	return buf
}

// ParseAckPayload decodes a MsgTypeAck payload
func ParseAckPayload(payload []byte) (uint64, bool) {
	if len(payload) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(payload), true
}
