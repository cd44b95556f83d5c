package transport

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

type tcpConn struct {
	conn net.Conn
	br   *bufio.Reader

	wmu sync.Mutex
}

// DialTCP opens a TCP connection to an endpoint
func DialTCP(ctx context.Context, ep Endpoint) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ep.HostPort())
	if err != nil {
		return nil, err
	}
	return NewTCPConn(conn), nil
}

// NewTCPConn wraps an accepted TCP connection (hub side)
func NewTCPConn(conn net.Conn) Conn {
	return &tcpConn{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 64<<10),
	}
}

func (c *tcpConn) Send(e *protocol.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteEnvelope(c.conn, e)
}

func (c *tcpConn) Recv() (*protocol.Envelope, error) {
	return protocol.ReadEnvelope(c.br)
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *tcpConn) Mode() Mode {
	return ModeTCP
}

// ListenTCP opens a TCP listener on an endpoint
func ListenTCP(ep Endpoint) (net.Listener, error) {
	return net.Listen("tcp", ep.HostPort())
}
