package protocol

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/klauspost/reedsolomon"
)

// Fragment subheader, prepended to every fragment payload:
// index (2) + data shards (2) + parity shards (2) + reserved (2) + total length (4)
const FragmentHeaderSize = 12

// FragmentHeader describes one fragment of a larger message
type FragmentHeader struct {
	Index        uint16 // Shard index (data shards first, then parity)
	DataShards   uint16 // Number of data shards
	ParityShards uint16 // Number of reed-solomon parity shards (0 = plain split)
	TotalLength  uint32 // Length of the original payload before splitting
}

// Encode encodes the fragment header to bytes
func (f *FragmentHeader) Encode() []byte {
	buf := make([]byte, FragmentHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], f.Index)
	binary.BigEndian.PutUint16(buf[2:4], f.DataShards)
	binary.BigEndian.PutUint16(buf[4:6], f.ParityShards)
	binary.BigEndian.PutUint32(buf[8:12], f.TotalLength)
	return buf
}

// Decode decodes the fragment header from bytes
func (f *FragmentHeader) Decode(buf []byte) error {
	if len(buf) < FragmentHeaderSize {
		return ErrBadFragment
	}

	f.Index = binary.BigEndian.Uint16(buf[0:2])
	f.DataShards = binary.BigEndian.Uint16(buf[2:4])
	f.ParityShards = binary.BigEndian.Uint16(buf[4:6])
	f.TotalLength = binary.BigEndian.Uint32(buf[8:12])

	if f.DataShards == 0 {
		return ErrBadFragment
	}

	return nil
}

// Split splits an envelope whose payload exceeds maxFrame into fragment
// envelopes. All fragments share the parent's session, sequence number, and
// security section; only the last carries FlagLastFragment. Encryption
// happens before splitting, so fragments carry ciphertext shards.
//
// parityShards > 0 adds reed-solomon parity fragments so the receiver can
// reconstruct the message from any DataShards of the total. This is used on
// the datagram path where occasional loss is expected.
func Split(e *Envelope, maxFrame, parityShards int) ([]*Envelope, error) {
	if maxFrame <= FragmentHeaderSize {
		maxFrame = FragmentHeaderSize + 1
	}
	if len(e.Payload) <= maxFrame && parityShards == 0 {
		return []*Envelope{e}, nil
	}

	shardSize := maxFrame - FragmentHeaderSize
	dataShards := (len(e.Payload) + shardSize - 1) / shardSize
	if dataShards < 1 {
		dataShards = 1
	}

	// Pad every shard to equal size; TotalLength trims the padding back off.
	shards := make([][]byte, dataShards+parityShards)
	for i := 0; i < dataShards; i++ {
		shard := make([]byte, shardSize)
		start := i * shardSize
		end := start + shardSize
		if end > len(e.Payload) {
			end = len(e.Payload)
		}
		if start < len(e.Payload) {
			copy(shard, e.Payload[start:end])
		}
		shards[i] = shard
	}

	if parityShards > 0 {
		enc, err := reedsolomon.New(dataShards, parityShards)
		if err != nil {
			return nil, err
		}
		for i := dataShards; i < len(shards); i++ {
			shards[i] = make([]byte, shardSize)
		}
		if err := enc.Encode(shards); err != nil {
			return nil, err
		}
	}

	frags := make([]*Envelope, len(shards))
	for i, shard := range shards {
		fh := FragmentHeader{
			Index:        uint16(i),
			DataShards:   uint16(dataShards),
			ParityShards: uint16(parityShards),
			TotalLength:  uint32(len(e.Payload)),
		}

		payload := append(fh.Encode(), shard...)

		frag := &Envelope{
			Header:   e.Header,
			Security: e.Security,
			Payload:  payload,
		}
		frag.Header.PayloadLength = uint32(len(payload))
		frag.Header.SetFlag(FlagFragmented)
		if i == len(shards)-1 {
			frag.Header.SetFlag(FlagLastFragment)
		} else {
			frag.Header.ClearFlag(FlagLastFragment)
		}
		frags[i] = frag
	}

	return frags, nil
}

type reassemblyKey struct {
	sessionID uint64
	sequence  uint64
}

type pendingMessage struct {
	first       *Envelope
	shards      [][]byte
	received    int
	dataShards  int
	parity      int
	totalLength uint32
	updatedAt   time.Time
}

// Reassembler collects fragments and reassembles complete messages before
// they are handed upward. Partial messages older than the configured timeout
// are discarded by Prune.
type Reassembler struct {
	mu      sync.Mutex
	pending map[reassemblyKey]*pendingMessage
}

// NewReassembler creates an empty reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{
		pending: make(map[reassemblyKey]*pendingMessage),
	}
}

// Add feeds one fragment in. It returns the reassembled envelope once enough
// fragments have arrived, or nil while the message is still incomplete.
// Envelopes without FlagFragmented pass straight through.
func (r *Reassembler) Add(e *Envelope) (*Envelope, error) {
	if !e.Header.HasFlag(FlagFragmented) {
		return e, nil
	}

	var fh FragmentHeader
	if err := fh.Decode(e.Payload); err != nil {
		return nil, err
	}

	total := int(fh.DataShards) + int(fh.ParityShards)
	if int(fh.Index) >= total {
		return nil, ErrBadFragment
	}

	key := reassemblyKey{sessionID: e.Header.SessionID, sequence: e.Header.SequenceNumber}

	r.mu.Lock()
	defer r.mu.Unlock()

	pm, ok := r.pending[key]
	if !ok {
		pm = &pendingMessage{
			first:       e,
			shards:      make([][]byte, total),
			dataShards:  int(fh.DataShards),
			parity:      int(fh.ParityShards),
			totalLength: fh.TotalLength,
		}
		r.pending[key] = pm
	} else if int(fh.DataShards) != pm.dataShards || int(fh.ParityShards) != pm.parity || fh.TotalLength != pm.totalLength {
		// A fragment disagreeing with the set it claims to join is forged or
		// corrupt. Reject it without disturbing the fragments already held.
		return nil, ErrBadFragment
	}

	if pm.shards[fh.Index] == nil {
		pm.shards[fh.Index] = e.Payload[FragmentHeaderSize:]
		pm.received++
	}
	pm.updatedAt = time.Now()

	complete, err := r.tryAssemble(pm)
	if err != nil {
		delete(r.pending, key)
		return nil, err
	}
	if complete == nil {
		return nil, nil
	}

	delete(r.pending, key)
	return complete, nil
}

func (r *Reassembler) tryAssemble(pm *pendingMessage) (*Envelope, error) {
	if pm.parity == 0 {
		for i := 0; i < pm.dataShards; i++ {
			if pm.shards[i] == nil {
				return nil, nil
			}
		}
	} else {
		if pm.received < pm.dataShards {
			return nil, nil
		}
		missing := false
		for i := 0; i < pm.dataShards; i++ {
			if pm.shards[i] == nil {
				missing = true
				break
			}
		}
		if missing {
			dec, err := reedsolomon.New(pm.dataShards, pm.parity)
			if err != nil {
				return nil, err
			}
			if err := dec.Reconstruct(pm.shards); err != nil {
				// Not enough shards yet; wait for more.
				return nil, nil
			}
		}
	}

	payload := make([]byte, 0, pm.totalLength)
	for i := 0; i < pm.dataShards; i++ {
		payload = append(payload, pm.shards[i]...)
	}
	if uint32(len(payload)) < pm.totalLength {
		return nil, ErrBadFragment
	}
	payload = payload[:pm.totalLength]

	whole := &Envelope{
		Header:   pm.first.Header,
		Security: pm.first.Security,
		Payload:  payload,
	}
	whole.Header.ClearFlag(FlagFragmented)
	whole.Header.ClearFlag(FlagLastFragment)
	whole.Header.PayloadLength = uint32(len(payload))

	return whole, nil
}

// Prune drops partial messages that have not seen a new fragment within
// maxAge and returns how many were dropped.
func (r *Reassembler) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for key, pm := range r.pending {
		if pm.updatedAt.Before(cutoff) {
			delete(r.pending, key)
			dropped++
		}
	}
	return dropped
}

// PendingCount returns the number of partially reassembled messages
func (r *Reassembler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
