package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

type capturedResponse struct {
	msgType uint8
	seq     uint64
	payload []byte
}

type responseRecorder struct {
	mu        sync.Mutex
	responses []capturedResponse
}

func (r *responseRecorder) respond(_ *SessionContext, msgType uint8, seq uint64, payload []byte) error {
	r.mu.Lock()
	r.responses = append(r.responses, capturedResponse{msgType, seq, payload})
	r.mu.Unlock()
	return nil
}

func (r *responseRecorder) wait(t *testing.T, n int) []capturedResponse {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := len(r.responses)
		r.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(time.Millisecond)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses) < n {
		t.Fatalf("saw %d responses, want %d", len(r.responses), n)
	}
	return append([]capturedResponse{}, r.responses...)
}

func testContext() *SessionContext {
	return &SessionContext{SessionID: 1, PeerAddress: "/ip4/127.0.0.1/tcp/9000", PeerClientID: "node-a"}
}

func TestDispatchInvokesHandlerAndResponds(t *testing.T) {
	rec := &responseRecorder{}
	r := NewRouter(Config{}, rec.respond, nil)
	defer r.Stop()

	r.Register(protocol.MsgTypeRegistryQuery, HandlerFunc(func(_ context.Context, sctx *SessionContext, payload []byte) ([]byte, error) {
		if sctx.PeerClientID != "node-a" {
			t.Errorf("peer client id = %q", sctx.PeerClientID)
		}
		return append([]byte("echo:"), payload...), nil
	}))

	r.Dispatch(testContext(), protocol.MsgTypeRegistryQuery, 42, 0, []byte("query"))

	responses := rec.wait(t, 1)
	if responses[0].msgType != protocol.MsgTypeRegistryQuery {
		t.Errorf("response type = 0x%02x", responses[0].msgType)
	}
	if responses[0].seq != 42 {
		t.Errorf("response correlates to seq %d, want 42", responses[0].seq)
	}
	if string(responses[0].payload) != "echo:query" {
		t.Errorf("response payload = %q", responses[0].payload)
	}
}

func TestDispatchUnknownTypeSendsError(t *testing.T) {
	rec := &responseRecorder{}
	r := NewRouter(Config{}, rec.respond, nil)
	defer r.Stop()

	r.Dispatch(testContext(), protocol.MsgTypeWalletBalance, 7, 0, nil)

	responses := rec.wait(t, 1)
	if responses[0].msgType != protocol.MsgTypeError {
		t.Fatalf("response type = 0x%02x, want error frame", responses[0].msgType)
	}

	var ep ErrorPayload
	if err := json.Unmarshal(responses[0].payload, &ep); err != nil {
		t.Fatalf("error payload is not JSON: %v", err)
	}
	if ep.Code != "unknown_type" {
		t.Errorf("error code = %q", ep.Code)
	}
}

func TestDispatchHandlerErrorSendsErrorFrame(t *testing.T) {
	rec := &responseRecorder{}
	r := NewRouter(Config{}, rec.respond, nil)
	defer r.Stop()

	r.Register(protocol.MsgTypeBundleSubmit, HandlerFunc(func(context.Context, *SessionContext, []byte) ([]byte, error) {
		return nil, errors.New("bundle rejected")
	}))

	r.Dispatch(testContext(), protocol.MsgTypeBundleSubmit, 3, 0, nil)

	responses := rec.wait(t, 1)
	if responses[0].msgType != protocol.MsgTypeError {
		t.Fatalf("response type = 0x%02x, want error frame", responses[0].msgType)
	}

	var ep ErrorPayload
	if err := json.Unmarshal(responses[0].payload, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != "handler_failure" || ep.Message != "bundle rejected" {
		t.Errorf("error payload = %+v", ep)
	}
}

func TestDispatchSurvivesPanickingHandler(t *testing.T) {
	rec := &responseRecorder{}

	// One worker: if the panic killed it, nothing would ever run again.
	r := NewRouter(Config{Workers: 1, QueueDepth: 16}, rec.respond, nil)
	defer r.Stop()

	r.Register(protocol.MsgTypeBundleConfirm, HandlerFunc(func(context.Context, *SessionContext, []byte) ([]byte, error) {
		panic("bundle index out of range")
	}))
	r.Register(protocol.MsgTypeRegistryQuery, HandlerFunc(func(_ context.Context, _ *SessionContext, payload []byte) ([]byte, error) {
		return payload, nil
	}))

	r.Dispatch(testContext(), protocol.MsgTypeBundleConfirm, 11, 0, nil)

	responses := rec.wait(t, 1)
	if responses[0].msgType != protocol.MsgTypeError {
		t.Fatalf("response type = 0x%02x, want error frame", responses[0].msgType)
	}
	var ep ErrorPayload
	if err := json.Unmarshal(responses[0].payload, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != "handler_failure" {
		t.Errorf("error code = %q", ep.Code)
	}

	// The worker pool is still alive.
	r.Dispatch(testContext(), protocol.MsgTypeRegistryQuery, 12, 0, []byte("after"))
	responses = rec.wait(t, 2)
	if string(responses[1].payload) != "after" {
		t.Errorf("post-panic response = %q", responses[1].payload)
	}
}

func TestDispatchNilResponseSendsNothing(t *testing.T) {
	rec := &responseRecorder{}
	r := NewRouter(Config{}, rec.respond, nil)
	defer r.Stop()

	done := make(chan struct{})
	r.Register(protocol.MsgTypeRegistryStamp, HandlerFunc(func(context.Context, *SessionContext, []byte) ([]byte, error) {
		close(done)
		return nil, nil
	}))

	r.Dispatch(testContext(), protocol.MsgTypeRegistryStamp, 1, 0, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	time.Sleep(10 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.responses) != 0 {
		t.Errorf("got %d responses, want none", len(rec.responses))
	}
}

func TestPriorityLaneRunsFirst(t *testing.T) {
	rec := &responseRecorder{}

	// One worker so ordering is observable.
	r := NewRouter(Config{Workers: 1, QueueDepth: 16}, rec.respond, nil)
	defer r.Stop()

	block := make(chan struct{})
	var mu sync.Mutex
	var order []uint64

	r.Register(protocol.MsgTypeBundleSubmit, HandlerFunc(func(_ context.Context, _ *SessionContext, payload []byte) ([]byte, error) {
		<-block
		return nil, nil
	}))
	r.Register(protocol.MsgTypeWalletAuth, HandlerFunc(func(_ context.Context, _ *SessionContext, _ []byte) ([]byte, error) {
		return nil, nil
	}))

	track := HandlerFunc(func(_ context.Context, _ *SessionContext, payload []byte) ([]byte, error) {
		mu.Lock()
		order = append(order, uint64(payload[0]))
		mu.Unlock()
		return nil, nil
	})
	r.Register(protocol.MsgTypeRegistryQuery, track)
	r.Register(protocol.MsgTypeRegistryUpdate, track)

	// Occupy the worker, then queue a normal and a priority job.
	r.Dispatch(testContext(), protocol.MsgTypeBundleSubmit, 1, 0, nil)
	time.Sleep(10 * time.Millisecond)
	r.Dispatch(testContext(), protocol.MsgTypeRegistryQuery, 2, 0, []byte{1})
	r.Dispatch(testContext(), protocol.MsgTypeRegistryUpdate, 3, protocol.FlagPriority, []byte{2})
	close(block)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("execution order = %v, want priority job (2) first", order)
	}
}

func TestStreamFanOut(t *testing.T) {
	r := NewRouter(Config{}, nil, nil)
	defer r.Stop()

	a := r.Streams().Subscribe(1, protocol.MsgTypeLiveUpdates)
	b := r.Streams().Subscribe(1, protocol.MsgTypeLiveUpdates)
	other := r.Streams().Subscribe(1, protocol.MsgTypeMetricsStream)

	r.Dispatch(testContext(), protocol.MsgTypeLiveUpdates, 0, protocol.FlagStreamData, []byte("tick"))

	for name, h := range map[string]*StreamHandle{"a": a, "b": b} {
		select {
		case got := <-h.C:
			if string(got) != "tick" {
				t.Errorf("subscriber %s got %q", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s never received the message", name)
		}
	}

	select {
	case got := <-other.C:
		t.Errorf("metrics subscriber received live update %q", got)
	default:
	}
}

func TestStreamCloseSessionEndsSubscriptions(t *testing.T) {
	r := NewRouter(Config{}, nil, nil)
	defer r.Stop()

	h := r.Streams().Subscribe(5, protocol.MsgTypeEventStream)
	r.CloseSession(5)

	select {
	case _, ok := <-h.C:
		if ok {
			t.Error("expected closed channel, got a message")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after session close")
	}

	// Publishing to a closed session's stream finds no subscribers.
	if r.Streams().Publish(5, protocol.MsgTypeEventStream, []byte("late")) {
		t.Error("publish after session close reported a subscriber")
	}
}

func TestStreamUnsubscribe(t *testing.T) {
	tbl := NewStreamTable()

	h := tbl.Subscribe(1, protocol.MsgTypeLiveUpdates)
	h.Close()
	h.Close() // Idempotent.

	if tbl.Publish(1, protocol.MsgTypeLiveUpdates, []byte("x")) {
		t.Error("publish after unsubscribe reported a subscriber")
	}
}
