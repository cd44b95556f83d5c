package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

func tcpPair(t *testing.T) (Conn, Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server := <-accepted

	a, b := NewTCPConn(client), NewTCPConn(server)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestTCPConnRoundTrip(t *testing.T) {
	client, server := tcpPair(t)

	want := protocol.NewEnvelope(protocol.MsgTypeRegistryQuery, 7, 1, []byte(`{"domain":"example"}`))
	want.Header.SetFlag(protocol.FlagEncrypted)

	if err := client.Send(want); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	got, err := server.Recv()
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if got.Header.Type != want.Header.Type ||
		got.Header.SessionID != want.Header.SessionID ||
		got.Header.SequenceNumber != want.Header.SequenceNumber {
		t.Errorf("header mismatch: got %+v", got.Header)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Error("payload differs")
	}
}

func TestTCPConnBackToBackFrames(t *testing.T) {
	client, server := tcpPair(t)

	for seq := uint64(1); seq <= 10; seq++ {
		if err := client.Send(protocol.NewEnvelope(protocol.MsgTypeHeartbeat, 1, seq, nil)); err != nil {
			t.Fatal(err)
		}
	}

	for seq := uint64(1); seq <= 10; seq++ {
		got, err := server.Recv()
		if err != nil {
			t.Fatalf("recv %d failed: %v", seq, err)
		}
		if got.Header.SequenceNumber != seq {
			t.Errorf("sequence = %d, want %d", got.Header.SequenceNumber, seq)
		}
	}
}

func TestUDPRoundTripViaServer(t *testing.T) {
	srv, err := NewUDPServer(MustEndpoint("/ip4/127.0.0.1/udp/0"))
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	inbound := make(chan *protocol.Envelope, 1)
	go srv.Serve(func(e *protocol.Envelope) bool {
		inbound <- e
		return true
	})

	host, port, err := net.SplitHostPort(srv.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}
	client, err := DialUDP(t.Context(), MustEndpoint("/ip4/"+host+"/udp/"+port))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	want := protocol.NewEnvelope(protocol.MsgTypeLiveUpdates, 3, 1, []byte("tick"))
	want.Header.SetFlag(protocol.FlagStreamData)
	if err := client.Send(want); err != nil {
		t.Fatal(err)
	}

	got := <-inbound
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Error("payload differs over datagram transport")
	}

	// The server adopted the client's address once its frame authenticated.
	reply := protocol.NewEnvelope(protocol.MsgTypeLiveUpdates, 3, 2, []byte("tock"))
	if err := srv.SendTo(3, reply); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	back, err := client.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back.Payload, reply.Payload) {
		t.Error("reply payload differs")
	}
}

func TestUDPServerIgnoresUnauthenticatedSource(t *testing.T) {
	srv, err := NewUDPServer(MustEndpoint("/ip4/127.0.0.1/udp/0"))
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	// Frames from the spoofer carry a marker payload and fail authentication.
	seen := make(chan struct{}, 2)
	go srv.Serve(func(e *protocol.Envelope) bool {
		seen <- struct{}{}
		return !bytes.Equal(e.Payload, []byte("spoof"))
	})

	host, port, err := net.SplitHostPort(srv.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}
	ep := MustEndpoint("/ip4/" + host + "/udp/" + port)

	victim, err := DialUDP(t.Context(), ep)
	if err != nil {
		t.Fatal(err)
	}
	defer victim.Close()
	spoofer, err := DialUDP(t.Context(), ep)
	if err != nil {
		t.Fatal(err)
	}
	defer spoofer.Close()

	if err := victim.Send(protocol.NewEnvelope(protocol.MsgTypeLiveUpdates, 9, 1, []byte("real"))); err != nil {
		t.Fatal(err)
	}
	<-seen

	// Same session ID from a different source. The return address must not
	// move to the spoofer.
	if err := spoofer.Send(protocol.NewEnvelope(protocol.MsgTypeLiveUpdates, 9, 2, []byte("spoof"))); err != nil {
		t.Fatal(err)
	}
	<-seen

	reply := protocol.NewEnvelope(protocol.MsgTypeLiveUpdates, 9, 3, []byte("payload"))
	if err := srv.SendTo(9, reply); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}

	got := make(chan *protocol.Envelope, 1)
	go func() {
		if e, err := victim.Recv(); err == nil {
			got <- e
		}
	}()
	select {
	case back := <-got:
		if !bytes.Equal(back.Payload, reply.Payload) {
			t.Error("push payload differs")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push never reached the original source")
	}
}

func TestUDPSendRejectsOversizedFrame(t *testing.T) {
	srv, err := NewUDPServer(MustEndpoint("/ip4/127.0.0.1/udp/0"))
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	host, port, err := net.SplitHostPort(srv.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}
	client, err := DialUDP(t.Context(), MustEndpoint("/ip4/"+host+"/udp/"+port))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	big := protocol.NewEnvelope(protocol.MsgTypeBundleSubmit, 1, 1, make([]byte, MaxDatagram))
	if err := client.Send(big); err != ErrTooLarge {
		t.Errorf("Send() error = %v, want %v", err, ErrTooLarge)
	}
}
