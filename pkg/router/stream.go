package router

import "sync"

// streamBuffer is the per-subscription channel capacity. Stream data is
// fire-and-forget: a subscriber that falls this far behind starts losing
// messages rather than stalling the dispatch path.
const streamBuffer = 64

type streamKey struct {
	sessionID uint64
	msgType   uint8
}

// StreamHandle is one live subscription. C yields payloads until the
// subscription or its session closes, after which C is closed.
type StreamHandle struct {
	C <-chan []byte

	ch    chan []byte
	key   streamKey
	table *StreamTable

	closeOnce sync.Once
}

// Close cancels the subscription
func (h *StreamHandle) Close() {
	h.table.unsubscribe(h)
}

// StreamTable tracks live stream subscriptions per (session, message type)
type StreamTable struct {
	mu   sync.RWMutex
	subs map[streamKey][]*StreamHandle
}

// NewStreamTable creates an empty subscription table
func NewStreamTable() *StreamTable {
	return &StreamTable{subs: make(map[streamKey][]*StreamHandle)}
}

// Subscribe registers for a session's stream messages of one type
func (t *StreamTable) Subscribe(sessionID uint64, msgType uint8) *StreamHandle {
	ch := make(chan []byte, streamBuffer)
	h := &StreamHandle{
		C:     ch,
		ch:    ch,
		key:   streamKey{sessionID, msgType},
		table: t,
	}

	t.mu.Lock()
	t.subs[h.key] = append(t.subs[h.key], h)
	t.mu.Unlock()

	return h
}

// Publish fans a payload out to the subscribers of (session, type). Returns
// false when nobody is subscribed. Subscribers with full buffers miss the
// message.
func (t *StreamTable) Publish(sessionID uint64, msgType uint8, payload []byte) bool {
	t.mu.RLock()
	handles := t.subs[streamKey{sessionID, msgType}]
	t.mu.RUnlock()

	if len(handles) == 0 {
		return false
	}
	for _, h := range handles {
		select {
		case h.ch <- payload:
		default:
		}
	}
	return true
}

// CloseSession closes every subscription belonging to a session. Closed
// channels signal end-of-stream to the consumers.
func (t *StreamTable) CloseSession(sessionID uint64) {
	t.mu.Lock()
	var closing []*StreamHandle
	for key, handles := range t.subs {
		if key.sessionID == sessionID {
			closing = append(closing, handles...)
			delete(t.subs, key)
		}
	}
	t.mu.Unlock()

	for _, h := range closing {
		h.closeOnce.Do(func() { close(h.ch) })
	}
}

func (t *StreamTable) unsubscribe(h *StreamHandle) {
	t.mu.Lock()
	handles := t.subs[h.key]
	for i, other := range handles {
		if other == h {
			t.subs[h.key] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(t.subs[h.key]) == 0 {
		delete(t.subs, h.key)
	}
	t.mu.Unlock()

	h.closeOnce.Do(func() { close(h.ch) })
}
