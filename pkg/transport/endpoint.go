package transport

import (
	"fmt"
	"net"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
)

// Endpoint is a parsed multiaddr locating a peer on one transport, e.g.
// /ip4/10.0.0.1/tcp/9000, /dns4/hub.example.org/tcp/9000/ws,
// /ip4/10.0.0.1/udp/9001.
type Endpoint struct {
	addr ma.Multiaddr
	mode Mode
	host string
	port int
}

// ParseEndpoint parses a multiaddr string into an endpoint
func ParseEndpoint(s string) (Endpoint, error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}

	ep := Endpoint{addr: addr, port: -1}
	for _, p := range addr.Protocols() {
		value, err := addr.ValueForProtocol(p.Code)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
		}

		switch p.Code {
		case ma.P_IP4, ma.P_IP6, ma.P_DNS, ma.P_DNS4, ma.P_DNS6:
			ep.host = value
		case ma.P_TCP:
			ep.mode = ModeTCP
			ep.port, err = strconv.Atoi(value)
		case ma.P_UDP:
			ep.mode = ModeUDP
			ep.port, err = strconv.Atoi(value)
		case ma.P_WS, ma.P_WSS:
			ep.mode = ModeWebSocket
		default:
			return Endpoint{}, fmt.Errorf("unsupported protocol %q in endpoint %q", p.Name, s)
		}
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid port in endpoint %q: %w", s, err)
		}
	}

	if ep.host == "" || ep.port < 0 {
		return Endpoint{}, fmt.Errorf("endpoint %q needs a host and a port", s)
	}
	return ep, nil
}

// MustEndpoint parses a multiaddr string and panics on error. For tests and
// hardcoded defaults only.
func MustEndpoint(s string) Endpoint {
	ep, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// Mode returns the endpoint's transport
func (e Endpoint) Mode() Mode {
	return e.mode
}

// HostPort returns the dialable "host:port" form
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// URL returns the WebSocket URL for ws endpoints
func (e Endpoint) URL() string {
	return "ws://" + e.HostPort() + "/xtmp"
}

// String returns the multiaddr form
func (e Endpoint) String() string {
	if e.addr == nil {
		return ""
	}
	return e.addr.String()
}
