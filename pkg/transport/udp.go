package transport

import (
	"context"
	"net"
	"sync"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

// MaxDatagram is the largest frame sent over UDP. Frames above this are
// fragmented before transmission; staying under a conservative MTU avoids
// IP-level fragmentation on common paths.
const MaxDatagram = 1280

// udpReadBuffer must hold any datagram a peer could legally send
const udpReadBuffer = 64 << 10

type udpConn struct {
	conn *net.UDPConn
	buf  []byte
}

// DialUDP opens a connected UDP socket to an endpoint
func DialUDP(ctx context.Context, ep Endpoint) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", ep.HostPort())
	if err != nil {
		return nil, err
	}
	return &udpConn{
		conn: conn.(*net.UDPConn),
		buf:  make([]byte, udpReadBuffer),
	}, nil
}

func (c *udpConn) Send(e *protocol.Envelope) error {
	frame := e.Encode()
	if len(frame) > MaxDatagram {
		return ErrTooLarge
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *udpConn) Recv() (*protocol.Envelope, error) {
	n, err := c.conn.Read(c.buf)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(c.buf[:n])
}

func (c *udpConn) Close() error {
	return c.conn.Close()
}

func (c *udpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *udpConn) Mode() Mode {
	return ModeUDP
}

// UDPServer is the hub-side datagram listener. One socket serves every peer;
// the server remembers each session's last source address so stream data can
// be pushed back without a connected socket.
type UDPServer struct {
	pc *net.UDPConn

	mu    sync.RWMutex
	peers map[uint64]*net.UDPAddr
}

// NewUDPServer binds the hub's UDP socket
func NewUDPServer(ep Endpoint) (*UDPServer, error) {
	addr, err := net.ResolveUDPAddr("udp", ep.HostPort())
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPServer{
		pc:    pc,
		peers: make(map[uint64]*net.UDPAddr),
	}, nil
}

// Serve reads datagrams until the socket closes. Undecodable datagrams are
// dropped; handle is called inline, so it must not block. handle reports
// whether the frame authenticated under its session's keys, and only then is
// the source adopted as the session's return address. A spoofed datagram
// must never redirect outbound traffic.
func (s *UDPServer) Serve(handle func(e *protocol.Envelope) bool) error {
	buf := make([]byte, udpReadBuffer)
	for {
		n, from, err := s.pc.ReadFromUDP(buf)
		if err != nil {
			return err
		}

		e, err := protocol.Decode(buf[:n])
		if err != nil {
			continue
		}

		if !handle(e) {
			continue
		}

		s.mu.Lock()
		s.peers[e.Header.SessionID] = from
		s.mu.Unlock()
	}
}

// SendTo pushes an envelope to a session's last known datagram address
func (s *UDPServer) SendTo(sessionID uint64, e *protocol.Envelope) error {
	s.mu.RLock()
	addr, ok := s.peers[sessionID]
	s.mu.RUnlock()
	if !ok {
		return ErrNoTransport
	}

	frame := e.Encode()
	if len(frame) > MaxDatagram {
		return ErrTooLarge
	}
	_, err := s.pc.WriteToUDP(frame, addr)
	return err
}

// Forget drops a session's datagram address
func (s *UDPServer) Forget(sessionID uint64) {
	s.mu.Lock()
	delete(s.peers, sessionID)
	s.mu.Unlock()
}

// Close closes the socket, unblocking Serve
func (s *UDPServer) Close() error {
	return s.pc.Close()
}

// LocalAddr returns the bound address
func (s *UDPServer) LocalAddr() string {
	return s.pc.LocalAddr().String()
}
