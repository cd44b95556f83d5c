package protocol

import (
	"encoding/binary"
)

// Header represents the fixed 32-byte envelope header
type Header struct {
	Magic          uint32 // Magic number (0x58544D50)
	Version        uint8  // Protocol version
	Type           uint8  // Message type
	Flags          uint16 // Feature flags
	SessionID      uint64 // Logical session identifier
	SequenceNumber uint64 // Per-session, per-direction counter (0 = control plane)
	PayloadLength  uint32 // Payload length in bytes
	Checksum       uint32 // CRC32 over the envelope with this field zeroed
}

// Encode encodes the header to bytes
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.encodeTo(buf)
	return buf
}

func (h *Header) encodeTo(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Type
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint64(buf[8:16], h.SessionID)
	binary.BigEndian.PutUint64(buf[16:24], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[24:28], h.PayloadLength)
	binary.BigEndian.PutUint32(buf[28:32], h.Checksum)
}

// Decode decodes the header from bytes
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrTruncated
	}

	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.Type = buf[5]
	h.Flags = binary.BigEndian.Uint16(buf[6:8])
	h.SessionID = binary.BigEndian.Uint64(buf[8:16])
	h.SequenceNumber = binary.BigEndian.Uint64(buf[16:24])
	h.PayloadLength = binary.BigEndian.Uint32(buf[24:28])
	h.Checksum = binary.BigEndian.Uint32(buf[28:32])

	return nil
}

// Validate validates magic and version. Validation order matters: magic is
// checked before version so that garbage bytes never read as a version error.
func (h *Header) Validate() error {
	if h.Magic != ProtocolMagic {
		return ErrBadMagic
	}

	if h.Version != ProtocolVersion {
		return ErrUnsupportedVersion
	}

	if h.PayloadLength > AbsoluteMaxPayload {
		return ErrOversizedFrame
	}

	return nil
}

// HasFlag checks if a flag is set
func (h *Header) HasFlag(flag uint16) bool {
	return (h.Flags & flag) != 0
}

// SetFlag sets a flag
func (h *Header) SetFlag(flag uint16) {
	h.Flags |= flag
}

// ClearFlag clears a flag
func (h *Header) ClearFlag(flag uint16) {
	h.Flags &^= flag
}
