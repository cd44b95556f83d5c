package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xtmp-net/xtmp-node/pkg/metrics"
	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

// SessionContext identifies the authenticated peer a message arrived from
type SessionContext struct {
	SessionID    uint64
	PeerAddress  string
	PeerClientID string
	PeerIdentity [32]byte
}

// Handler processes one request payload and returns the response payload.
// A nil response with a nil error means the request needs no reply.
type Handler interface {
	Handle(ctx context.Context, sctx *SessionContext, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, sctx *SessionContext, payload []byte) ([]byte, error)

// Handle calls the function
func (f HandlerFunc) Handle(ctx context.Context, sctx *SessionContext, payload []byte) ([]byte, error) {
	return f(ctx, sctx, payload)
}

// Responder sends a response payload back to the requesting peer. requestSeq
// lets the peer correlate the response with its request.
type Responder func(sctx *SessionContext, msgType uint8, requestSeq uint64, payload []byte) error

// ErrorPayload is the body of MsgTypeError frames
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Config controls the dispatch worker pool
type Config struct {
	Workers    int // Concurrent handler goroutines
	QueueDepth int // Per-lane queue capacity
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{Workers: 8, QueueDepth: 256}
}

type job struct {
	msgType uint8
	seq     uint64
	sctx    *SessionContext
	payload []byte
}

// Router dispatches decrypted messages by type. Requests run on a bounded
// worker pool with a separate priority lane; stream data is fanned out to
// subscribers without touching the pool.
type Router struct {
	mu       sync.RWMutex
	handlers map[uint8]Handler

	streams *StreamTable
	respond Responder
	log     *zap.Logger

	normal   chan job
	priority chan job

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewRouter creates a router. respond is used for handler results, error
// frames, and nothing else.
func NewRouter(cfg Config, respond Responder, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}

	r := &Router{
		handlers: make(map[uint8]Handler),
		streams:  NewStreamTable(),
		respond:  respond,
		log:      log,
		normal:   make(chan job, cfg.QueueDepth),
		priority: make(chan job, cfg.QueueDepth),
		done:     make(chan struct{}),
	}

	r.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go r.worker()
	}
	return r
}

// Register installs the handler for a message type, replacing any previous
// registration.
func (r *Router) Register(msgType uint8, h Handler) {
	r.mu.Lock()
	r.handlers[msgType] = h
	r.mu.Unlock()
}

// Streams returns the stream subscription table
func (r *Router) Streams() *StreamTable {
	return r.streams
}

// Dispatch routes one decrypted message. Stream data goes straight to
// subscribers; requests are queued for the worker pool, with priority and
// emergency traffic on the fast lane. Dispatch never blocks: when a lane is
// full the message is dropped and counted.
func (r *Router) Dispatch(sctx *SessionContext, msgType uint8, seq uint64, flags uint16, payload []byte) {
	if protocol.IsStreamType(msgType) {
		if !r.streams.Publish(sctx.SessionID, msgType, payload) {
			metrics.DroppedStreamMessages.Inc()
			r.log.Debug("stream message with no subscriber",
				zap.Uint64("session_id", sctx.SessionID),
				zap.Uint8("type", msgType))
		}
		return
	}

	r.mu.RLock()
	_, known := r.handlers[msgType]
	r.mu.RUnlock()

	if !known {
		r.log.Warn("no handler for message type",
			zap.Uint64("session_id", sctx.SessionID),
			zap.Uint8("type", msgType))
		r.sendError(sctx, seq, "unknown_type", "no handler for message type")
		return
	}

	j := job{msgType: msgType, seq: seq, sctx: sctx, payload: payload}
	lane := r.normal
	if flags&(protocol.FlagPriority|protocol.FlagEmergency) != 0 {
		lane = r.priority
	}

	select {
	case lane <- j:
	default:
		metrics.FramesRejected.WithLabelValues("queue_full").Inc()
		r.log.Warn("dispatch queue full, dropping message",
			zap.Uint64("session_id", sctx.SessionID),
			zap.Uint8("type", msgType))
	}
}

// CloseSession ends the session's streams and lets in-flight handlers finish
func (r *Router) CloseSession(sessionID uint64) {
	r.streams.CloseSession(sessionID)
}

// Stop drains the workers. Queued jobs are abandoned.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Router) worker() {
	defer r.wg.Done()

	for {
		// Priority lane first.
		select {
		case <-r.done:
			return
		case j := <-r.priority:
			r.run(j)
			continue
		default:
		}

		select {
		case <-r.done:
			return
		case j := <-r.priority:
			r.run(j)
		case j := <-r.normal:
			r.run(j)
		}
	}
}

func (r *Router) run(j job) {
	r.mu.RLock()
	h := r.handlers[j.msgType]
	r.mu.RUnlock()
	if h == nil {
		return
	}

	resp, err := r.invoke(h, j)
	if err != nil {
		r.log.Warn("handler failed",
			zap.Uint64("session_id", j.sctx.SessionID),
			zap.Uint8("type", j.msgType),
			zap.Error(err))
		r.sendError(j.sctx, j.seq, "handler_failure", err.Error())
		return
	}
	if resp == nil {
		return
	}

	if err := r.respond(j.sctx, j.msgType, j.seq, resp); err != nil {
		r.log.Warn("failed to send response",
			zap.Uint64("session_id", j.sctx.SessionID),
			zap.Uint8("type", j.msgType),
			zap.Error(err))
	}
}

// invoke shields the worker pool from a panicking handler. The panic is
// surfaced to the sender as an ordinary handler failure.
func (r *Router) invoke(h Handler, j job) (resp []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panicked",
				zap.Uint64("session_id", j.sctx.SessionID),
				zap.Uint8("type", j.msgType),
				zap.Any("panic", rec))
			resp = nil
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(context.Background(), j.sctx, j.payload)
}

func (r *Router) sendError(sctx *SessionContext, seq uint64, code, message string) {
	if r.respond == nil {
		return
	}

	payload, err := json.Marshal(ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := r.respond(sctx, protocol.MsgTypeError, seq, payload); err != nil {
		r.log.Warn("failed to send error frame",
			zap.Uint64("session_id", sctx.SessionID),
			zap.Error(err))
	}
}
