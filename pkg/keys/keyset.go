package keys

import (
	"encoding/binary"
	"time"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

// Key lengths
const (
	SessionKeyLen = 32 // Symmetric payload encryption key (256 bits)
	AuthKeyLen    = 32 // Keyed-MAC authentication key (256 bits)
	SecretLen     = 64 // Handshake root secret (X25519 || Kyber768 shared)
)

// Direction identifies which peer's nonce space an envelope belongs to.
// Each side encrypts under its own direction so counters never collide.
type Direction uint8

const (
	DirectionInitiator Direction = 0x01
	DirectionResponder Direction = 0x02
)

// Opposite returns the peer's direction
func (d Direction) Opposite() Direction {
	if d == DirectionInitiator {
		return DirectionResponder
	}
	return DirectionInitiator
}

// KeySet holds one generation's derived keys. A key set is only ever used
// within its own generation's nonce space.
type KeySet struct {
	SessionKey [SessionKeyLen]byte
	AuthKey    [AuthKeyLen]byte
	Generation uint32
	ExpiresAt  time.Time
}

// BuildNonce constructs the deterministic 24-byte envelope nonce:
// counter (8) || generation (4) || direction (1) || zeros. The counter is
// strictly increasing per session per direction and the generation is baked
// in, so nonce reuse under one key set cannot occur by construction.
func BuildNonce(counter uint64, generation uint32, direction Direction) protocol.Nonce {
	var nonce protocol.Nonce
	binary.BigEndian.PutUint64(nonce[0:8], counter)
	binary.BigEndian.PutUint32(nonce[8:12], generation)
	nonce[12] = byte(direction)
	return nonce
}
