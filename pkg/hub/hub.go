// Package hub implements the server side of XTMP: it listens on TCP, UDP,
// and WebSocket, answers handshakes, and routes each session's decrypted
// traffic to registered handlers.
package hub

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"net"
	"net/http"
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

var ErrSessionOffline = errors.New("session has no live connection")

// Config controls a hub
type Config struct {
	Identity ed25519.PrivateKey

	ListenTCP transport.Endpoint
	ListenUDP *transport.Endpoint
	ListenWS  *transport.Endpoint

	MaxFrame     int
	ParityShards int

	Session session.Config
	Keys    keys.Config
	Router  router.Config

	// StorePath lets established sessions survive a hub restart
	StorePath string
}

// Hub accepts sessions from many nodes and serves their requests
type Hub struct {
	cfg Config
	log *zap.Logger

	keys     *keys.Manager
	sessions *session.Manager
	store    *session.Store
	router   *router.Router

	reassembler *protocol.Reassembler

	mu    sync.Mutex
	conns map[uint64]transport.Conn
	sctxs map[uint64]*router.SessionContext

	tcpLn  net.Listener
	udpSrv *transport.UDPServer
	wsSrv  *http.Server

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a hub
func New(cfg Config, log *zap.Logger) (*Hub, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.Identity) != ed25519.PrivateKeySize {
		return nil, errors.New("hub needs an Ed25519 identity key")
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = 64 << 10
	}

	h := &Hub{
		cfg:         cfg,
		log:         log,
		keys:        keys.NewManager(cfg.Keys, log),
		reassembler: protocol.NewReassembler(),
		conns:       make(map[uint64]transport.Conn),
		sctxs:       make(map[uint64]*router.SessionContext),
		done:        make(chan struct{}),
	}

	if cfg.StorePath != "" {
		store, err := session.NewStore(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		h.store = store
	}

	h.sessions = session.NewManager(cfg.Session, h.keys, h.store, log)
	h.sessions.OnExpire(h.onSessionExpire)
	h.router = router.NewRouter(cfg.Router, h.respond, log)

	return h, nil
}

// RegisterHandler installs the handler for a request type
func (h *Hub) RegisterHandler(msgType uint8, handler router.Handler) {
	h.router.Register(msgType, handler)
}

// Start brings up the listeners and background loops
func (h *Hub) Start() error {
	if h.store != nil {
		if resumed, err := h.sessions.Resume(); err != nil {
			h.log.Warn("session resume failed", zap.Error(err))
		} else if resumed > 0 {
			metrics.ActiveSessions.Add(float64(resumed))
			h.rebuildContexts()
		}
	}

	ln, err := transport.ListenTCP(h.cfg.ListenTCP)
	if err != nil {
		return err
	}
	h.tcpLn = ln
	go h.acceptLoop(ln)

	if h.cfg.ListenUDP != nil {
		srv, err := transport.NewUDPServer(*h.cfg.ListenUDP)
		if err != nil {
			return err
		}
		h.udpSrv = srv
		go func() {
			if err := srv.Serve(h.handleDatagram); err != nil && !h.isClosed() {
				h.log.Error("datagram listener failed", zap.Error(err))
			}
		}()
	}

	if h.cfg.ListenWS != nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/xtmp", h.serveWebSocket)
		h.wsSrv = &http.Server{Addr: h.cfg.ListenWS.HostPort(), Handler: mux}
		go func() {
			if err := h.wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				h.log.Error("websocket listener failed", zap.Error(err))
			}
		}()
	}

	h.sessions.Start()
	go h.pruneLoop()

	h.log.Info("hub listening",
		zap.String("tcp", h.cfg.ListenTCP.String()))
	return nil
}

// rebuildContexts recreates dispatch contexts for sessions restored from the
// store. Their connections arrive later, when each node reconnects.
func (h *Hub) rebuildContexts() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions.Snapshot() {
		h.sctxs[s.ID] = &router.SessionContext{
			SessionID:    s.ID,
			PeerAddress:  s.PeerAddress,
			PeerClientID: s.PeerClientID,
			PeerIdentity: s.PeerIdentity,
		}
	}
}

// Stop closes the listeners and every live session
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		if h.tcpLn != nil {
			h.tcpLn.Close()
		}
		if h.udpSrv != nil {
			h.udpSrv.Close()
		}
		if h.wsSrv != nil {
			h.wsSrv.Close()
		}

		h.mu.Lock()
		conns := make([]transport.Conn, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}

		h.sessions.Stop()
		h.router.Stop()
		if h.store != nil {
			h.store.Close()
		}
	})
}

func (h *Hub) isClosed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Hub) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if h.isClosed() {
				return
			}
			h.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go h.serveConn(transport.NewTCPConn(conn))
	}
}

func (h *Hub) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.serveConn(transport.NewWebSocketConn(ws))
}

// serveConn owns one stream connection. The first frame is either a
// handshake opening a new session, or an authenticated frame resuming an
// existing one after a reconnect.
func (h *Hub) serveConn(conn transport.Conn) {
	defer conn.Close()

	var sessionID uint64
	for {
		e, err := conn.Recv()
		if err != nil {
			if sessionID != 0 {
				h.unbind(sessionID, conn)
				h.log.Info("connection lost, session stays resumable",
					zap.Uint64("session_id", sessionID))
			}
			return
		}

		if e.Header.Type == protocol.MsgTypeHandshake {
			id, err := h.acceptHandshake(conn, e)
			if err != nil {
				h.log.Warn("handshake failed", zap.String("peer", conn.RemoteAddr()), zap.Error(err))
				return
			}
			sessionID = id
			continue
		}

		if bound := h.handleFrame(conn, e); bound != 0 {
			sessionID = bound
		}
	}
}

// acceptHandshake runs the responder side of the three-message exchange
func (h *Hub) acceptHandshake(conn transport.Conn, first *protocol.Envelope) (uint64, error) {
	req := &keys.HandshakeRequest{}
	if err := req.Decode(first.Payload); err != nil {
		return 0, err
	}

	id := h.sessions.AllocateID()
	responder, acc, err := keys.Respond(h.cfg.Identity, req, id, nil)
	if err != nil {
		return 0, err
	}

	if err := conn.Send(protocol.NewEnvelope(protocol.MsgTypeHandshakeAck, id, 0, acc.Encode())); err != nil {
		return 0, err
	}

	reply, err := conn.Recv()
	if err != nil {
		return 0, err
	}
	if reply.Header.Type != protocol.MsgTypeHandshakeFin {
		return 0, keys.ErrHandshakeCorrupt
	}

	fin := &keys.HandshakeFinish{}
	if err := fin.Decode(reply.Payload); err != nil {
		return 0, err
	}

	result, err := responder.Finish(fin)
	if err != nil {
		return 0, err
	}

	if _, err := h.keys.Install(id, result.Suite, result.Secret, result.EstablishedAt); err != nil {
		return 0, err
	}

	s := h.sessions.Create(id, conn.RemoteAddr(), keys.DirectionResponder)
	s.PeerClientID = result.PeerClientID
	s.PeerIdentity = result.PeerIdentity
	if err := h.sessions.Activate(id); err != nil {
		h.keys.Remove(id)
		return 0, err
	}

	h.mu.Lock()
	h.conns[id] = conn
	h.sctxs[id] = &router.SessionContext{
		SessionID:    id,
		PeerAddress:  conn.RemoteAddr(),
		PeerClientID: result.PeerClientID,
		PeerIdentity: result.PeerIdentity,
	}
	h.mu.Unlock()

	metrics.ActiveSessions.Inc()
	h.log.Info("session established",
		zap.Uint64("session_id", id),
		zap.String("client_id", result.PeerClientID),
		zap.String("peer", conn.RemoteAddr()),
		zap.Uint8("suite", result.Suite))
	return id, nil
}

func (h *Hub) handleDatagram(e *protocol.Envelope) bool {
	return h.handleFrame(nil, e) != 0
}

// handleFrame validates, authenticates, and dispatches one inbound frame.
// Returns the session ID only when the frame authenticated under the
// session's keys, so the caller can bind its connection to the session.
func (h *Hub) handleFrame(conn transport.Conn, e *protocol.Envelope) uint64 {
	id := e.Header.SessionID
	seq := e.Header.SequenceNumber

	if e.Header.HasFlag(protocol.FlagFragmented) {
		full, err := h.reassembler.Add(e)
		if err != nil {
			metrics.FramesRejected.WithLabelValues("bad_fragment").Inc()
			return 0
		}
		if full == nil {
			return 0
		}
		e = full
	}

	// Sequence 0 is control plane. The hub never solicits acks, and nothing
	// unauthenticated carries authority over an established session.
	if seq == 0 {
		metrics.FramesRejected.WithLabelValues("control").Inc()
		return 0
	}

	s, err := h.sessions.ValidateInbound(id, seq)
	if err != nil {
		metrics.FramesRejected.WithLabelValues("session").Inc()
		h.log.Warn("rejected inbound frame",
			zap.Uint64("session_id", id),
			zap.Uint64("sequence", seq),
			zap.Error(err))
		return 0
	}

	// Everything after the handshake must authenticate under the session's
	// keys before any state changes on its behalf.
	if !e.Header.HasFlag(protocol.FlagEncrypted) {
		metrics.FramesRejected.WithLabelValues("unencrypted").Inc()
		h.log.Warn("dropping plaintext frame on established session",
			zap.Uint64("session_id", id),
			zap.Uint64("sequence", seq))
		return 0
	}

	payload, err := h.keys.Decrypt(id, s.Role.Opposite(), &e.Security, e.Payload)
	if err != nil {
		metrics.CryptoFailures.Inc()
		h.log.Warn("failed to open envelope", zap.Uint64("session_id", id), zap.Error(err))
		if errors.Is(err, keys.ErrSessionCompromised) {
			h.closeSession(id)
		}
		return 0
	}

	if err := h.sessions.AcceptInbound(id, seq); err != nil {
		metrics.FramesRejected.WithLabelValues("session").Inc()
		return 0
	}

	// The frame authenticated: a stream connection carrying it now owns the
	// session (reconnect after a transport drop).
	if conn != nil {
		h.bind(id, conn, s)
	}

	if e.Header.HasFlag(protocol.FlagRequiresAck) && conn != nil {
		ack := protocol.NewEnvelope(protocol.MsgTypeAck, id, 0, transport.AckPayload(seq))
		if err := conn.Send(ack); err != nil {
			h.log.Warn("failed to send ack", zap.Uint64("session_id", id), zap.Error(err))
		}
	}

	if e.Header.Type == protocol.MsgTypeDisconnect {
		h.closeSession(id)
		return 0
	}

	if e.Header.Type == protocol.MsgTypeHeartbeat {
		h.echoHeartbeat(id, payload)
		return id
	}

	if e.Header.HasFlag(protocol.FlagCompressed) {
		payload, err = protocol.Decompress(payload)
		if err != nil {
			metrics.FramesRejected.WithLabelValues("compression").Inc()
			return id
		}
	}

	h.mu.Lock()
	sctx := h.sctxs[id]
	h.mu.Unlock()
	if sctx == nil {
		return id
	}

	h.router.Dispatch(sctx, e.Header.Type, seq, e.Header.Flags, payload)
	return id
}

func (h *Hub) bind(id uint64, conn transport.Conn, s *session.Session) {
	h.mu.Lock()
	prev := h.conns[id]
	if prev != conn {
		h.conns[id] = conn
		if _, ok := h.sctxs[id]; !ok {
			h.sctxs[id] = &router.SessionContext{
				SessionID:    id,
				PeerAddress:  conn.RemoteAddr(),
				PeerClientID: s.PeerClientID,
				PeerIdentity: s.PeerIdentity,
			}
		}
	}
	h.mu.Unlock()

	if prev != nil && prev != conn {
		prev.Close()
	}
}

func (h *Hub) unbind(id uint64, conn transport.Conn) {
	h.mu.Lock()
	if h.conns[id] == conn {
		delete(h.conns, id)
	}
	h.mu.Unlock()
}

// echoHeartbeat answers a node heartbeat so the node's activity clock moves
func (h *Hub) echoHeartbeat(id uint64, payload []byte) {
	if err := h.send(id, protocol.MsgTypeHeartbeat, payload, 0); err != nil {
		h.log.Debug("heartbeat echo failed", zap.Uint64("session_id", id), zap.Error(err))
	}
}

// respond delivers a handler's response, prefixed with the request sequence
// so the node can correlate it.
func (h *Hub) respond(sctx *router.SessionContext, msgType uint8, requestSeq uint64, payload []byte) error {
	body := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(body, requestSeq)
	copy(body[8:], payload)
	return h.send(sctx.SessionID, msgType, body, 0)
}

// Push sends hub-initiated stream data to a session. Stream frames prefer
// the datagram transport when the node has one up.
func (h *Hub) Push(sessionID uint64, msgType uint8, payload []byte) error {
	return h.send(sessionID, msgType, payload, protocol.FlagStreamData)
}

// send seals a payload and transmits it over the session's best transport
func (h *Hub) send(id uint64, msgType uint8, payload []byte, flags uint16) error {
	seq, err := h.sessions.NextSequence(id)
	if err != nil {
		return err
	}

	ciphertext, sec, err := h.keys.Encrypt(id, keys.DirectionResponder, payload)
	if err != nil {
		return err
	}

	e := protocol.NewEnvelope(msgType, id, seq, ciphertext)
	e.Header.Flags = flags | protocol.FlagEncrypted
	e.Security = sec

	// Stream data rides the datagram transport when possible.
	if flags&protocol.FlagStreamData != 0 && h.udpSrv != nil {
		if err := h.sendDatagram(id, e); err == nil {
			return nil
		}
	}

	h.mu.Lock()
	conn := h.conns[id]
	h.mu.Unlock()
	if conn == nil {
		return ErrSessionOffline
	}

	if e.WireSize() <= h.cfg.MaxFrame {
		if err := conn.Send(e); err != nil {
			return err
		}
		metrics.FramesSent.WithLabelValues(conn.Mode().String()).Inc()
		return nil
	}

	frags, err := protocol.Split(e, h.cfg.MaxFrame, 0)
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

func (h *Hub) sendDatagram(id uint64, e *protocol.Envelope) error {
	if e.WireSize() <= transport.MaxDatagram {
		if err := h.udpSrv.SendTo(id, e); err != nil {
			return err
		}
		metrics.FramesSent.WithLabelValues("udp").Inc()
		return nil
	}

	frags, err := protocol.Split(e, transport.MaxDatagram, h.cfg.ParityShards)
	if err != nil {
		return err
	}
	for _, frag := range frags {
		if err := h.udpSrv.SendTo(id, frag); err != nil {
			return err
		}
		metrics.FramesSent.WithLabelValues("udp").Inc()
	}
	return nil
}

func (h *Hub) onSessionExpire(s *session.Session) {
	h.mu.Lock()
	conn := h.conns[s.ID]
	h.mu.Unlock()

	// Best effort goodbye, sealed like any other frame so the node can
	// trust it.
	if conn != nil {
		seq := s.NextSequence()
		if ciphertext, sec, err := h.keys.Encrypt(s.ID, keys.DirectionResponder, nil); err == nil {
			e := protocol.NewEnvelope(protocol.MsgTypeDisconnect, s.ID, seq, ciphertext)
			e.Header.SetFlag(protocol.FlagEncrypted)
			e.Security = sec
			if err := conn.Send(e); err != nil {
				h.log.Debug("disconnect notification failed", zap.Error(err))
			}
		}
	}
	h.dropSessionState(s.ID)
}

func (h *Hub) closeSession(id uint64) {
	if h.sessions.Close(id) {
		h.dropSessionState(id)
	}
}

func (h *Hub) dropSessionState(id uint64) {
	h.mu.Lock()
	conn := h.conns[id]
	delete(h.conns, id)
	delete(h.sctxs, id)
	h.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if h.udpSrv != nil {
		h.udpSrv.Forget(id)
	}
	h.router.CloseSession(id)
	metrics.ActiveSessions.Dec()
}

func (h *Hub) pruneLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.reassembler.Prune(30 * time.Second)
		}
	}
}

// Sessions exposes the session manager for the status API
func (h *Hub) Sessions() *session.Manager {
	return h.sessions
}

// TCPAddr returns the bound TCP listener address
func (h *Hub) TCPAddr() string {
	if h.tcpLn == nil {
		return ""
	}
	return h.tcpLn.Addr().String()
}
