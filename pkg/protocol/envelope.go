package protocol

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// Security represents the encryption descriptor carried with every envelope
type Security struct {
	EncryptionType uint8   // AEAD suite (EncryptionNone for handshake frames)
	KeyGeneration  uint32  // Key rotation generation the payload was sealed under
	KeyID          KeyID   // Identifies the session's key chain
	Nonce          Nonce   // Deterministic nonce (counter || generation || direction)
	AuthTag        AuthTag // Keyed BLAKE2b MAC over nonce || ciphertext, truncated
}

// Encode encodes the security section to bytes
func (s *Security) Encode() []byte {
	buf := make([]byte, SecuritySize)
	s.encodeTo(buf)
	return buf
}

func (s *Security) encodeTo(buf []byte) {
	buf[0] = s.EncryptionType
	binary.BigEndian.PutUint32(buf[1:5], s.KeyGeneration)
	offset := 5
	copy(buf[offset:], s.KeyID[:])
	offset += KeyIDSize
	copy(buf[offset:], s.Nonce[:])
	offset += NonceSize
	copy(buf[offset:], s.AuthTag[:])
}

// Decode decodes the security section from bytes
func (s *Security) Decode(buf []byte) error {
	if len(buf) < SecuritySize {
		return ErrTruncated
	}

	s.EncryptionType = buf[0]
	s.KeyGeneration = binary.BigEndian.Uint32(buf[1:5])
	offset := 5
	copy(s.KeyID[:], buf[offset:offset+KeyIDSize])
	offset += KeyIDSize
	copy(s.Nonce[:], buf[offset:offset+NonceSize])
	offset += NonceSize
	copy(s.AuthTag[:], buf[offset:offset+AuthTagSize])

	return nil
}

// Envelope represents one framed wire unit: header, security section, payload
type Envelope struct {
	Header   Header
	Security Security
	Payload  []byte
}

// NewEnvelope creates an envelope with the standard header fields filled in
func NewEnvelope(msgType uint8, sessionID, sequence uint64, payload []byte) *Envelope {
	return &Envelope{
		Header: Header{
			Magic:          ProtocolMagic,
			Version:        ProtocolVersion,
			Type:           msgType,
			SessionID:      sessionID,
			SequenceNumber: sequence,
			PayloadLength:  uint32(len(payload)),
		},
		Payload: payload,
	}
}

// WireSize returns the encoded size of the envelope
func (e *Envelope) WireSize() int {
	return HeaderSize + SecuritySize + len(e.Payload)
}

// Encode encodes the envelope to bytes. The checksum is computed over the
// entire frame with the checksum field zeroed, so it covers header, security
// section, and payload.
func (e *Envelope) Encode() []byte {
	e.Header.PayloadLength = uint32(len(e.Payload))
	e.Header.Checksum = 0

	buf := make([]byte, e.WireSize())
	e.Header.encodeTo(buf[0:HeaderSize])
	e.Security.encodeTo(buf[HeaderSize : HeaderSize+SecuritySize])
	copy(buf[HeaderSize+SecuritySize:], e.Payload)

	e.Header.Checksum = crc32.ChecksumIEEE(buf)
	binary.BigEndian.PutUint32(buf[28:32], e.Header.Checksum)

	return buf
}

// Decode decodes and validates an envelope from bytes. Validation order:
// magic, version, declared length against available bytes, checksum. The
// checksum must validate before any decryption is attempted upstream.
func Decode(buf []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := e.Header.Decode(buf); err != nil {
		return nil, err
	}

	if err := e.Header.Validate(); err != nil {
		return nil, err
	}

	want := HeaderSize + SecuritySize + int(e.Header.PayloadLength)
	if len(buf) < want {
		return nil, ErrTruncated
	}

	if err := e.Security.Decode(buf[HeaderSize : HeaderSize+SecuritySize]); err != nil {
		return nil, err
	}

	e.Payload = make([]byte, e.Header.PayloadLength)
	copy(e.Payload, buf[HeaderSize+SecuritySize:want])

	if !verifyChecksum(buf[:want], e.Header.Checksum) {
		return nil, ErrChecksumMismatch
	}

	return e, nil
}

// verifyChecksum recomputes CRC32 with the checksum field zeroed
func verifyChecksum(frame []byte, want uint32) bool {
	crc := crc32.NewIEEE()
	crc.Write(frame[:28])
	crc.Write([]byte{0, 0, 0, 0})
	crc.Write(frame[32:])
	return crc.Sum32() == want
}

// ReadEnvelope reads one envelope from a stream. The header is read and
// validated first so a corrupt length can never trigger an unbounded read.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	e := &Envelope{}
	if err := e.Header.Decode(head); err != nil {
		return nil, err
	}
	if err := e.Header.Validate(); err != nil {
		return nil, err
	}

	rest := make([]byte, SecuritySize+int(e.Header.PayloadLength))
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	if err := e.Security.Decode(rest[:SecuritySize]); err != nil {
		return nil, err
	}
	e.Payload = rest[SecuritySize:]

	frame := make([]byte, 0, HeaderSize+len(rest))
	frame = append(frame, head...)
	frame = append(frame, rest...)
	if !verifyChecksum(frame, e.Header.Checksum) {
		return nil, ErrChecksumMismatch
	}

	return e, nil
}

// WriteEnvelope writes an encoded envelope to a stream
func WriteEnvelope(w io.Writer, e *Envelope) error {
	_, err := w.Write(e.Encode())
	return err
}
