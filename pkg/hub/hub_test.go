package hub_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/xtmp-net/xtmp-node/pkg/hub"
	"github.com/xtmp-net/xtmp-node/pkg/node"
	"github.com/xtmp-net/xtmp-node/pkg/protocol"
	"github.com/xtmp-net/xtmp-node/pkg/router"
	"github.com/xtmp-net/xtmp-node/pkg/transport"
)

func testIdentity(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func startHub(t *testing.T) *hub.Hub {
	t.Helper()

	h, err := hub.New(hub.Config{
		Identity:  testIdentity(t),
		ListenTCP: transport.MustEndpoint("/ip4/127.0.0.1/tcp/0"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h
}

func connectNode(t *testing.T, h *hub.Hub, clientID string) *node.Node {
	return connectNodeAt(t, h.TCPAddr(), clientID)
}

func connectNodeAt(t *testing.T, addr, clientID string) *node.Node {
	t.Helper()

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}

	n, err := node.New(node.Config{
		ClientID:  clientID,
		Identity:  testIdentity(t),
		Hub:       transport.MustEndpoint("/ip4/127.0.0.1/tcp/" + port),
		Heartbeat: time.Minute,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(n.Disconnect)
	return n
}

func TestHandshakeAndRequestRoundTrip(t *testing.T) {
	h := startHub(t)

	h.RegisterHandler(protocol.MsgTypeRegistryQuery, router.HandlerFunc(
		func(_ context.Context, sctx *router.SessionContext, payload []byte) ([]byte, error) {
			if sctx.PeerClientID != "node-a" {
				t.Errorf("handler saw client id %q", sctx.PeerClientID)
			}
			return append([]byte("result:"), payload...), nil
		}))

	n := connectNode(t, h, "node-a")
	if n.SessionID() == 0 {
		t.Fatal("no session after connect")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := n.Request(ctx, protocol.MsgTypeRegistryQuery, []byte("example.xtmp"), 0)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if string(got) != "result:example.xtmp" {
		t.Errorf("response = %q", got)
	}
}

func TestRequestHandlerErrorSurfacesRemotely(t *testing.T) {
	h := startHub(t)
	h.RegisterHandler(protocol.MsgTypeBundleSubmit, router.HandlerFunc(
		func(context.Context, *router.SessionContext, []byte) ([]byte, error) {
			return nil, errors.New("bundle too old")
		}))

	n := connectNode(t, h, "node-a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := n.Request(ctx, protocol.MsgTypeBundleSubmit, []byte("{}"), 0)
	var remote *node.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Request() error = %v, want RemoteError", err)
	}
	if remote.Message != "bundle too old" {
		t.Errorf("remote message = %q", remote.Message)
	}
}

func TestCompressedRequest(t *testing.T) {
	h := startHub(t)
	h.RegisterHandler(protocol.MsgTypeBundleSync, router.HandlerFunc(
		func(_ context.Context, _ *router.SessionContext, payload []byte) ([]byte, error) {
			return []byte{byte(len(payload) >> 8), byte(len(payload))}, nil
		}))

	n := connectNode(t, h, "node-a")

	// Highly compressible payload.
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = 'a'
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := n.Request(ctx, protocol.MsgTypeBundleSync, payload, protocol.FlagCompressed)
	if err != nil {
		t.Fatalf("compressed request failed: %v", err)
	}
	if size := int(got[0])<<8 | int(got[1]); size != len(payload) {
		t.Errorf("hub saw %d bytes, want %d", size, len(payload))
	}
}

func TestHubPushReachesSubscriber(t *testing.T) {
	h := startHub(t)
	n := connectNode(t, h, "node-a")

	sub, err := n.Subscribe(protocol.MsgTypeLiveUpdates)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Push(n.SessionID(), protocol.MsgTypeLiveUpdates, []byte("block 42")); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	select {
	case got := <-sub.C:
		if string(got) != "block 42" {
			t.Errorf("stream payload = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never received the push")
	}
}

func TestConcurrentRequests(t *testing.T) {
	h := startHub(t)
	h.RegisterHandler(protocol.MsgTypeWalletBalance, router.HandlerFunc(
		func(_ context.Context, _ *router.SessionContext, payload []byte) ([]byte, error) {
			return payload, nil
		}))

	n := connectNode(t, h, "node-a")

	const inflight = 16
	errs := make(chan error, inflight)
	for i := 0; i < inflight; i++ {
		go func(i int) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			want := []byte{byte(i)}
			got, err := n.Request(ctx, protocol.MsgTypeWalletBalance, want, 0)
			if err == nil && (len(got) != 1 || got[0] != want[0]) {
				err = errors.New("response correlated to the wrong request")
			}
			errs <- err
		}(i)
	}

	for i := 0; i < inflight; i++ {
		if err := <-errs; err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
}

func TestTwoNodesAreIsolated(t *testing.T) {
	h := startHub(t)
	h.RegisterHandler(protocol.MsgTypeRegistryQuery, router.HandlerFunc(
		func(_ context.Context, sctx *router.SessionContext, _ []byte) ([]byte, error) {
			return []byte(sctx.PeerClientID), nil
		}))

	a := connectNode(t, h, "node-a")
	b := connectNode(t, h, "node-b")

	if a.SessionID() == b.SessionID() {
		t.Fatal("two nodes share a session ID")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, tc := range []struct {
		n    *node.Node
		want string
	}{{a, "node-a"}, {b, "node-b"}} {
		got, err := tc.n.Request(ctx, protocol.MsgTypeRegistryQuery, nil, 0)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(got) != tc.want {
			t.Errorf("response = %q, want %q", got, tc.want)
		}
	}
}

func TestDisconnectClosesHubSession(t *testing.T) {
	h := startHub(t)
	n := connectNode(t, h, "node-a")

	id := n.SessionID()
	n.Disconnect()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := h.Sessions().Get(id); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("hub session still live after node disconnect")
}

func TestForgedPlaintextFramesCannotTouchSession(t *testing.T) {
	h := startHub(t)
	h.RegisterHandler(protocol.MsgTypeRegistryQuery, router.HandlerFunc(
		func(_ context.Context, _ *router.SessionContext, payload []byte) ([]byte, error) {
			return payload, nil
		}))

	n := connectNode(t, h, "node-a")
	id := n.SessionID()

	// An attacker with nothing but the listener address and the victim's
	// session ID. No handshake, no keys.
	_, port, err := net.SplitHostPort(h.TCPAddr())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := transport.DialTCP(ctx, transport.MustEndpoint("/ip4/127.0.0.1/tcp/"+port))
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	// Plaintext teardown attempts, on both the control plane and a data
	// sequence, plus a plaintext frame with a huge sequence number trying to
	// poison the replay window and steal the connection binding.
	if err := raw.Send(protocol.NewEnvelope(protocol.MsgTypeDisconnect, id, 0, nil)); err != nil {
		t.Fatal(err)
	}
	if err := raw.Send(protocol.NewEnvelope(protocol.MsgTypeDisconnect, id, 5, nil)); err != nil {
		t.Fatal(err)
	}
	forged := protocol.NewEnvelope(protocol.MsgTypeRegistryQuery, id, uint64(1)<<60, []byte("{}"))
	forged.Header.SetFlag(protocol.FlagRequiresAck)
	if err := raw.Send(forged); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)

	if _, err := h.Sessions().Get(id); err != nil {
		t.Fatalf("forged plaintext frame tore down the session: %v", err)
	}

	// The victim's traffic still flows: the replay window never moved and
	// the attacker's connection never captured the session.
	got, err := n.Request(ctx, protocol.MsgTypeRegistryQuery, []byte("alive"), 0)
	if err != nil {
		t.Fatalf("victim request failed after forged frames: %v", err)
	}
	if string(got) != "alive" {
		t.Errorf("response = %q", got)
	}
}

// tcpRelay forwards one TCP hop so a test can sever the link without
// touching either endpoint's own socket.
type tcpRelay struct {
	ln     net.Listener
	target string

	mu    sync.Mutex
	conns []net.Conn
}

func startRelay(t *testing.T, target string) *tcpRelay {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	r := &tcpRelay{ln: ln, target: target}
	go r.acceptLoop()
	t.Cleanup(func() {
		ln.Close()
		r.sever()
	})
	return r
}

func (r *tcpRelay) acceptLoop() {
	for {
		client, err := r.ln.Accept()
		if err != nil {
			return
		}
		server, err := net.Dial("tcp", r.target)
		if err != nil {
			client.Close()
			continue
		}

		r.mu.Lock()
		r.conns = append(r.conns, client, server)
		r.mu.Unlock()

		go io.Copy(server, client)
		go io.Copy(client, server)
	}
}

// sever drops every live hop, simulating a transport failure
func (r *tcpRelay) sever() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (r *tcpRelay) Addr() string {
	return r.ln.Addr().String()
}

func TestReconnectRedeliversUnackedMessages(t *testing.T) {
	h := startHub(t)

	type delivery struct {
		sessionID uint64
		payload   byte
	}
	received := make(chan delivery, 8)
	h.RegisterHandler(protocol.MsgTypeBundleSubmit, router.HandlerFunc(
		func(_ context.Context, sctx *router.SessionContext, payload []byte) ([]byte, error) {
			received <- delivery{sessionID: sctx.SessionID, payload: payload[0]}
			return nil, nil
		}))
	h.RegisterHandler(protocol.MsgTypeRegistryQuery, router.HandlerFunc(
		func(_ context.Context, _ *router.SessionContext, payload []byte) ([]byte, error) {
			return payload, nil
		}))

	relay := startRelay(t, h.TCPAddr())
	n := connectNodeAt(t, relay.Addr(), "node-a")
	id := n.SessionID()

	relay.sever()

	// The link is down: these fail to transmit but stay queued for
	// redelivery because they require acknowledgment.
	for b := byte(1); b <= 3; b++ {
		_ = n.Send(protocol.MsgTypeBundleSubmit, []byte{b}, protocol.FlagRequiresAck)
	}

	// The node reconnects through the relay and redelivers all three on the
	// same session.
	got := map[byte]bool{}
	deadline := time.After(15 * time.Second)
	for len(got) < 3 {
		select {
		case d := <-received:
			if d.sessionID != id {
				t.Fatalf("redelivered on session %d, want %d", d.sessionID, id)
			}
			got[d.payload] = true
		case <-deadline:
			t.Fatalf("only %d of 3 messages redelivered after reconnect", len(got))
		}
	}

	if n.SessionID() != id {
		t.Errorf("session ID changed across reconnect: %d -> %d", id, n.SessionID())
	}

	// The rebound connection serves fresh requests.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.Request(ctx, protocol.MsgTypeRegistryQuery, []byte("still here"), 0); err != nil {
		t.Errorf("request after reconnect failed: %v", err)
	}
}

func TestLargePayloadIsFragmented(t *testing.T) {
	h := startHub(t)
	h.RegisterHandler(protocol.MsgTypeBundleSubmit, router.HandlerFunc(
		func(_ context.Context, _ *router.SessionContext, payload []byte) ([]byte, error) {
			return []byte{byte(len(payload) >> 16), byte(len(payload) >> 8), byte(len(payload))}, nil
		}))

	n := connectNode(t, h, "node-a")

	// Larger than the 64 KiB default frame size, so it crosses the wire as
	// multiple fragments.
	payload := make([]byte, 200<<10)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got, err := n.Request(ctx, protocol.MsgTypeBundleSubmit, payload, 0)
	if err != nil {
		t.Fatalf("fragmented request failed: %v", err)
	}
	if size := int(got[0])<<16 | int(got[1])<<8 | int(got[2]); size != len(payload) {
		t.Errorf("hub saw %d bytes, want %d", size, len(payload))
	}
}
