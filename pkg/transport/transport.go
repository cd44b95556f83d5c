package transport

import (
	"context"
	"errors"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrNoTransport = errors.New("no transport available")
	ErrTooLarge    = errors.New("envelope exceeds datagram size")
)

// Mode identifies the underlying transport of a connection
type Mode uint8

const (
	ModeTCP Mode = iota
	ModeUDP
	ModeWebSocket
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeTCP:
		return "tcp"
	case ModeUDP:
		return "udp"
	case ModeWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Conn is a single framed connection to a peer. Send is safe for concurrent
// use; Recv must be called from a single reader goroutine.
type Conn interface {
	Send(e *protocol.Envelope) error
	Recv() (*protocol.Envelope, error)
	Close() error
	RemoteAddr() string
	Mode() Mode
}

// Dial opens a connection to an endpoint using its declared transport
func Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	switch ep.Mode() {
	case ModeTCP:
		return DialTCP(ctx, ep)
	case ModeUDP:
		return DialUDP(ctx, ep)
	case ModeWebSocket:
		return DialWebSocket(ctx, ep)
	default:
		return nil, ErrNoTransport
	}
}
