// Package node implements the local side of an XTMP link: it dials the hub,
// runs the handshake, and multiplexes encrypted requests and stream
// subscriptions over one session.
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xtmp-net/xtmp-node/pkg/keys"
	"github.com/xtmp-net/xtmp-node/pkg/metrics"
	"github.com/xtmp-net/xtmp-node/pkg/protocol"
	"github.com/xtmp-net/xtmp-node/pkg/router"
	"github.com/xtmp-net/xtmp-node/pkg/session"
	"github.com/xtmp-net/xtmp-node/pkg/transport"
)

var (
	ErrNotConnected  = errors.New("not connected to hub")
	ErrHandshakeWire = errors.New("unexpected frame during handshake")
)

// RemoteError is a hub-reported failure for one request
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("hub error %s: %s", e.Code, e.Message)
}

// Config controls a node
type Config struct {
	ClientID string
	Identity ed25519.PrivateKey

	Hub      transport.Endpoint
	Fallback *transport.Endpoint
	Datagram *transport.Endpoint

	MaxFrame      int
	ParityShards  int
	RetryInterval time.Duration
	MaxAttempts   int
	Heartbeat     time.Duration

	Session session.Config
	Keys    keys.Config
	Router  router.Config

	// StorePath enables session resumption across restarts
	StorePath string
}

type response struct {
	msgType uint8
	payload []byte
}

// Node is one local peer holding a single session to its hub
type Node struct {
	cfg Config
	log *zap.Logger

	keys     *keys.Manager
	sessions *session.Manager
	store    *session.Store
	conns    *transport.Manager
	router   *router.Router

	mu        sync.Mutex
	sessionID uint64
	sctx      *router.SessionContext

	pendingMu sync.Mutex
	pending   map[uint64]chan response

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a node. Connect must be called before any traffic flows.
func New(cfg Config, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.Identity) != ed25519.PrivateKeySize {
		return nil, errors.New("node needs an Ed25519 identity key")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}

	n := &Node{
		cfg:     cfg,
		log:     log,
		keys:    keys.NewManager(cfg.Keys, log),
		pending: make(map[uint64]chan response),
		done:    make(chan struct{}),
	}

	if cfg.StorePath != "" {
		store, err := session.NewStore(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		n.store = store
	}

	n.sessions = session.NewManager(cfg.Session, n.keys, n.store, log)
	n.sessions.OnExpire(n.onSessionExpire)
	n.router = router.NewRouter(cfg.Router, n.respond, log)

	n.conns = transport.NewManager(transport.Config{
		Primary:       cfg.Hub,
		Fallback:      cfg.Fallback,
		Datagram:      cfg.Datagram,
		MaxFrame:      cfg.MaxFrame,
		ParityShards:  cfg.ParityShards,
		RetryInterval: cfg.RetryInterval,
		MaxAttempts:   cfg.MaxAttempts,
	}, log)
	n.conns.OnEnvelope(n.handleInbound)
	n.conns.OnReconnect(n.resumeOn)

	return n, nil
}

// Connect dials the hub and establishes an authenticated session. A session
// persisted by an earlier run is resumed without a fresh handshake when the
// hub still accepts it. The fallback endpoint is tried when the primary
// won't dial.
func (n *Node) Connect(ctx context.Context) error {
	conn, err := transport.Dial(ctx, n.cfg.Hub)
	if err != nil && n.cfg.Fallback != nil {
		n.log.Warn("primary endpoint unreachable, trying fallback", zap.Error(err))
		conn, err = transport.Dial(ctx, *n.cfg.Fallback)
	}
	if err != nil {
		return fmt.Errorf("failed to reach hub: %w", err)
	}

	if n.tryResume(conn) {
		return nil
	}

	result, err := n.handshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	if _, err := n.keys.Install(result.SessionID, result.Suite, result.Secret, result.EstablishedAt); err != nil {
		conn.Close()
		return err
	}

	s := n.sessions.Create(result.SessionID, n.cfg.Hub.String(), keys.DirectionInitiator)
	s.PeerIdentity = result.PeerIdentity
	if err := n.sessions.Activate(result.SessionID); err != nil {
		conn.Close()
		return err
	}

	n.mu.Lock()
	n.sessionID = result.SessionID
	n.sctx = &router.SessionContext{
		SessionID:    result.SessionID,
		PeerAddress:  conn.RemoteAddr(),
		PeerIdentity: result.PeerIdentity,
	}
	n.mu.Unlock()

	n.sessions.Start()
	if err := n.conns.Start(conn); err != nil {
		return err
	}
	go n.heartbeatLoop()

	metrics.ActiveSessions.Inc()
	n.log.Info("connected to hub",
		zap.Uint64("session_id", result.SessionID),
		zap.String("hub", conn.RemoteAddr()),
		zap.Uint8("suite", result.Suite))
	return nil
}

// tryResume reinstalls a persisted session and proves it live over the new
// connection. Returns false when there is nothing to resume, leaving the
// caller to run a full handshake.
func (n *Node) tryResume(conn transport.Conn) bool {
	if n.store == nil {
		return false
	}

	resumed, err := n.sessions.Resume()
	if err != nil || resumed == 0 {
		return false
	}

	var s *session.Session
	for _, candidate := range n.sessions.Snapshot() {
		if candidate.State() == session.StateActive {
			s = candidate
			break
		}
	}
	if s == nil {
		return false
	}

	n.mu.Lock()
	n.sessionID = s.ID
	n.sctx = &router.SessionContext{
		SessionID:    s.ID,
		PeerAddress:  conn.RemoteAddr(),
		PeerIdentity: s.PeerIdentity,
	}
	n.mu.Unlock()

	if err := n.resumeOn(conn); err != nil {
		n.log.Warn("session resume failed, falling back to handshake", zap.Error(err))
		n.sessions.Close(s.ID)
		n.mu.Lock()
		n.sessionID = 0
		n.sctx = nil
		n.mu.Unlock()
		return false
	}

	n.sessions.Start()
	if err := n.conns.Start(conn); err != nil {
		return false
	}
	go n.heartbeatLoop()

	metrics.ActiveSessions.Inc()
	n.log.Info("resumed session",
		zap.Uint64("session_id", s.ID),
		zap.String("hub", conn.RemoteAddr()))
	return true
}

// handshake runs the three-message exchange over a fresh connection
func (n *Node) handshake(conn transport.Conn) (*keys.HandshakeResult, error) {
	init, req, err := keys.NewInitiator(n.cfg.Identity, n.cfg.ClientID, nil)
	if err != nil {
		return nil, err
	}

	if err := conn.Send(protocol.NewEnvelope(protocol.MsgTypeHandshake, 0, 0, req.Encode())); err != nil {
		return nil, err
	}

	reply, err := conn.Recv()
	if err != nil {
		return nil, err
	}
	if reply.Header.Type != protocol.MsgTypeHandshakeAck {
		return nil, ErrHandshakeWire
	}

	acc := &keys.HandshakeAccept{}
	if err := acc.Decode(reply.Payload); err != nil {
		return nil, err
	}

	result, fin, err := init.Complete(acc)
	if err != nil {
		return nil, err
	}

	if err := conn.Send(protocol.NewEnvelope(protocol.MsgTypeHandshakeFin, result.SessionID, 0, fin.Encode())); err != nil {
		return nil, err
	}
	return result, nil
}

// Request sends an encrypted request and waits for the hub's response
func (n *Node) Request(ctx context.Context, msgType uint8, payload []byte, flags uint16) ([]byte, error) {
	id := n.currentSession()
	if id == 0 {
		return nil, ErrNotConnected
	}

	seq, err := n.sessions.NextSequence(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan response, 1)
	n.pendingMu.Lock()
	n.pending[seq] = ch
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, seq)
		n.pendingMu.Unlock()
	}()

	if err := n.sendSealed(id, msgType, seq, payload, flags|protocol.FlagRequiresAck); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.msgType == protocol.MsgTypeError {
			var ep router.ErrorPayload
			if err := json.Unmarshal(resp.payload, &ep); err != nil {
				return nil, &RemoteError{Code: "unknown", Message: string(resp.payload)}
			}
			return nil, &RemoteError{Code: ep.Code, Message: ep.Message}
		}
		return resp.payload, nil
	}
}

// Send sends an encrypted fire-and-forget message
func (n *Node) Send(msgType uint8, payload []byte, flags uint16) error {
	id := n.currentSession()
	if id == 0 {
		return ErrNotConnected
	}

	seq, err := n.sessions.NextSequence(id)
	if err != nil {
		return err
	}
	return n.sendSealed(id, msgType, seq, payload, flags)
}

// sendSealed compresses, encrypts, and transmits one payload
func (n *Node) sendSealed(id uint64, msgType uint8, seq uint64, payload []byte, flags uint16) error {
	var err error
	if flags&protocol.FlagCompressed != 0 {
		payload, err = protocol.Compress(payload)
		if err != nil {
			return err
		}
	}

	ciphertext, sec, err := n.keys.Encrypt(id, keys.DirectionInitiator, payload)
	if err != nil {
		return err
	}

	e := protocol.NewEnvelope(msgType, id, seq, ciphertext)
	e.Header.Flags = flags | protocol.FlagEncrypted
	e.Security = sec
	return n.conns.Send(e)
}

// respond serves hub-initiated requests routed through this node's handlers
func (n *Node) respond(sctx *router.SessionContext, msgType uint8, requestSeq uint64, payload []byte) error {
	seq, err := n.sessions.NextSequence(sctx.SessionID)
	if err != nil {
		return err
	}

	body := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(body, requestSeq)
	copy(body[8:], payload)
	return n.sendSealed(sctx.SessionID, msgType, seq, body, 0)
}

// Subscribe registers for hub-pushed stream messages of one type
func (n *Node) Subscribe(msgType uint8) (*router.StreamHandle, error) {
	id := n.currentSession()
	if id == 0 {
		return nil, ErrNotConnected
	}
	return n.router.Streams().Subscribe(id, msgType), nil
}

// RegisterHandler installs a handler for hub-initiated requests
func (n *Node) RegisterHandler(msgType uint8, h router.Handler) {
	n.router.Register(msgType, h)
}

func (n *Node) currentSession() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessionID
}

func (n *Node) handleInbound(e *protocol.Envelope) {
	id := e.Header.SessionID
	seq := e.Header.SequenceNumber

	// Acks live at sequence 0 and are consumed by the transport layer.
	// Anything else arriving there carries no authority over the session.
	if seq == 0 {
		metrics.FramesRejected.WithLabelValues("control").Inc()
		return
	}

	s, err := n.sessions.ValidateInbound(id, seq)
	if err != nil {
		metrics.FramesRejected.WithLabelValues("session").Inc()
		n.log.Warn("rejected inbound frame",
			zap.Uint64("session_id", id),
			zap.Uint64("sequence", seq),
			zap.Error(err))
		return
	}

	// Everything after the handshake must authenticate under the session's
	// keys before any state changes on its behalf.
	if !e.Header.HasFlag(protocol.FlagEncrypted) {
		metrics.FramesRejected.WithLabelValues("unencrypted").Inc()
		n.log.Warn("dropping plaintext frame on established session",
			zap.Uint64("session_id", id),
			zap.Uint64("sequence", seq))
		return
	}

	payload, err := n.keys.Decrypt(id, s.Role.Opposite(), &e.Security, e.Payload)
	if err != nil {
		metrics.CryptoFailures.Inc()
		n.log.Warn("failed to open envelope", zap.Uint64("session_id", id), zap.Error(err))
		if errors.Is(err, keys.ErrSessionCompromised) {
			n.teardown(id)
		}
		return
	}

	if err := n.sessions.AcceptInbound(id, seq); err != nil {
		metrics.FramesRejected.WithLabelValues("session").Inc()
		return
	}

	if e.Header.Type == protocol.MsgTypeDisconnect {
		n.log.Info("hub closed the session", zap.Uint64("session_id", id))
		n.teardown(id)
		return
	}

	if e.Header.Type == protocol.MsgTypeHeartbeat {
		return
	}

	if e.Header.HasFlag(protocol.FlagCompressed) {
		payload, err = protocol.Decompress(payload)
		if err != nil {
			metrics.FramesRejected.WithLabelValues("compression").Inc()
			return
		}
	}

	// Responses and error frames carry the request sequence as a prefix.
	if protocol.IsRequestType(e.Header.Type) || e.Header.Type == protocol.MsgTypeError {
		if len(payload) >= 8 {
			requestSeq := binary.BigEndian.Uint64(payload[:8])
			n.pendingMu.Lock()
			ch, waiting := n.pending[requestSeq]
			if waiting {
				delete(n.pending, requestSeq)
			}
			n.pendingMu.Unlock()

			if waiting {
				ch <- response{msgType: e.Header.Type, payload: payload[8:]}
				return
			}
		}
	}

	n.mu.Lock()
	sctx := n.sctx
	n.mu.Unlock()
	n.router.Dispatch(sctx, e.Header.Type, seq, e.Header.Flags, payload)
}

// resumeOn proves session liveness on a freshly reconnected transport by
// sending an encrypted heartbeat the hub can authenticate.
func (n *Node) resumeOn(conn transport.Conn) error {
	id := n.currentSession()
	if id == 0 {
		return ErrNotConnected
	}

	seq, err := n.sessions.NextSequence(id)
	if err != nil {
		return err
	}

	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(time.Now().UnixMilli()))
	ciphertext, sec, err := n.keys.Encrypt(id, keys.DirectionInitiator, ts)
	if err != nil {
		return err
	}

	e := protocol.NewEnvelope(protocol.MsgTypeHeartbeat, id, seq, ciphertext)
	e.Header.SetFlag(protocol.FlagEncrypted)
	e.Security = sec
	return conn.Send(e)
}

func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			id := n.currentSession()
			if id == 0 {
				continue
			}

			ts := make([]byte, 8)
			binary.BigEndian.PutUint64(ts, uint64(time.Now().UnixMilli()))
			if err := n.Send(protocol.MsgTypeHeartbeat, ts, 0); err != nil {
				n.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (n *Node) onSessionExpire(s *session.Session) {
	// Best effort goodbye, sealed like any other frame so the hub can
	// trust it. The session is gone either way.
	seq := s.NextSequence()
	if ciphertext, sec, err := n.keys.Encrypt(s.ID, keys.DirectionInitiator, nil); err == nil {
		e := protocol.NewEnvelope(protocol.MsgTypeDisconnect, s.ID, seq, ciphertext)
		e.Header.SetFlag(protocol.FlagEncrypted)
		e.Security = sec
		if err := n.conns.Send(e); err != nil {
			n.log.Debug("disconnect notification failed", zap.Error(err))
		}
	}
	n.dropSessionState(s.ID)
}

func (n *Node) teardown(id uint64) {
	if n.sessions.Close(id) {
		n.dropSessionState(id)
	}
}

func (n *Node) dropSessionState(id uint64) {
	n.conns.DropSession(id)
	n.router.CloseSession(id)
	metrics.ActiveSessions.Dec()

	n.mu.Lock()
	if n.sessionID == id {
		n.sessionID = 0
		n.sctx = nil
	}
	n.mu.Unlock()
}

// Disconnect tells the hub goodbye and releases everything
func (n *Node) Disconnect() {
	n.stopOnce.Do(func() {
		id := n.currentSession()
		if id != 0 {
			// Sealed so the hub can trust the teardown request.
			if err := n.Send(protocol.MsgTypeDisconnect, nil, 0); err != nil {
				n.log.Debug("disconnect notification failed", zap.Error(err))
			}
			n.teardown(id)
		}

		close(n.done)
		n.sessions.Stop()
		n.router.Stop()
		n.conns.Close()
		if n.store != nil {
			n.store.Close()
		}
	})
}

// SessionID returns the live session identifier, or zero before Connect
func (n *Node) SessionID() uint64 {
	return n.currentSession()
}

// Sessions exposes the session manager for the status API
func (n *Node) Sessions() *session.Manager {
	return n.sessions
}
