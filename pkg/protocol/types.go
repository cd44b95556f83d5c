package protocol

// Protocol constants
const (
	// Magic number for the XTMP protocol ('XTMP')
	ProtocolMagic = 0x58544D50

	// Protocol version
	ProtocolVersion uint8 = 0x01

	// Header size (fixed part, excluding security section)
	HeaderSize = 32

	// Security section size (encryption type + generation + key ID + nonce + auth tag)
	SecuritySize = 1 + 4 + KeyIDSize + NonceSize + AuthTagSize

	// Field sizes within the security section
	KeyIDSize   = 16
	NonceSize   = 24
	AuthTagSize = 16

	// AbsoluteMaxPayload is the hard upper bound on a single frame's payload,
	// independent of the configured max frame size.
	AbsoluteMaxPayload = 16 << 20
)

// Message types
const (
	// Connection Management (0x0x)
	MsgTypeHandshake    uint8 = 0x01
	MsgTypeHandshakeAck uint8 = 0x02
	MsgTypeHandshakeFin uint8 = 0x03
	MsgTypeHeartbeat    uint8 = 0x04
	MsgTypeAck          uint8 = 0x05
	MsgTypeDisconnect   uint8 = 0x06

	// Wallet Operations (0x1x)
	MsgTypeWalletRegister    uint8 = 0x10
	MsgTypeWalletAuth        uint8 = 0x11
	MsgTypeWalletBalance     uint8 = 0x12
	MsgTypeWalletTransaction uint8 = 0x13

	// Bundle Operations (0x2x)
	MsgTypeBundleSubmit  uint8 = 0x20
	MsgTypeBundleStatus  uint8 = 0x21
	MsgTypeBundleConfirm uint8 = 0x22
	MsgTypeBundleSync    uint8 = 0x23

	// Registry Operations (0x3x)
	MsgTypeRegistryQuery  uint8 = 0x30
	MsgTypeRegistryUpdate uint8 = 0x31
	MsgTypeRegistryStamp  uint8 = 0x32

	// Real-time Streams (0x4x)
	MsgTypeLiveUpdates   uint8 = 0x40
	MsgTypeEventStream   uint8 = 0x41
	MsgTypeMetricsStream uint8 = 0x42

	// System (0xFx)
	MsgTypeError uint8 = 0xFE
)

// Flags
const (
	FlagEncrypted    uint16 = 0x0001 // Payload is encrypted
	FlagCompressed   uint16 = 0x0002 // Payload is compressed
	FlagPriority     uint16 = 0x0004 // High priority message
	FlagRequiresAck  uint16 = 0x0008 // Requires acknowledgment
	FlagFragmented   uint16 = 0x0010 // Message is fragmented
	FlagLastFragment uint16 = 0x0020 // Last fragment of a fragmented message
	FlagStreamData   uint16 = 0x0040 // Stream data (fire-and-forget)
	FlagEmergency    uint16 = 0x0080 // Emergency message, jumps all queues
)

// Encryption types
const (
	EncryptionNone             uint8 = 0x00
	EncryptionAES256GCM        uint8 = 0x01
	EncryptionXChaCha20Poly305 uint8 = 0x02
)

// KeyID identifies the key chain an envelope was encrypted under
type KeyID [KeyIDSize]byte

// Nonce is the 24-byte envelope nonce (counter || generation || direction)
type Nonce [NonceSize]byte

// AuthTag is the truncated keyed-MAC over nonce and ciphertext
type AuthTag [AuthTagSize]byte

// IsConnectionType reports whether a message type belongs to the
// connection-management class (handshakes, heartbeats, acks, disconnects).
func IsConnectionType(t uint8) bool {
	return t >= MsgTypeHandshake && t <= MsgTypeDisconnect
}

// IsStreamType reports whether a message type belongs to the real-time
// stream class. Stream messages never expect a response.
func IsStreamType(t uint8) bool {
	return t >= MsgTypeLiveUpdates && t <= MsgTypeMetricsStream
}

// IsRequestType reports whether a message type belongs to a request/response
// class (wallet, bundle, registry operations).
func IsRequestType(t uint8) bool {
	return t >= MsgTypeWalletRegister && t < MsgTypeLiveUpdates
}
