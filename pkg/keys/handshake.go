package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"golang.org/x/crypto/curve25519"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

// ===== HANDSHAKE =====
// Three-message challenge/response handshake establishing a session:
//
//   initiator -> Handshake     (keys, challenge)
//   responder -> HandshakeAck  (keys, KEM ciphertext, session ID, signature, challenge)
//   initiator -> HandshakeFin  (signature over responder challenge)
//
// The shared secret is the hybrid of an X25519 exchange and a Kyber768 KEM,
// so a break of either primitive alone does not expose session keys. Both
// sides authenticate with Ed25519 identity signatures over the handshake
// transcript plus the peer's challenge.

var (
	ErrVersionMismatch  = errors.New("peer protocol version not supported")
	ErrBadSignature     = errors.New("handshake signature verification failed")
	ErrHandshakeCorrupt = errors.New("malformed handshake message")
)

const challengeLen = 32

// HandshakeRequest is the initiator's opening message
type HandshakeRequest struct {
	Version      uint8    // Protocol version; rejected before any key derivation
	Suites       []uint8  // Offered AEAD suites, in preference order
	ClientID     string   // Initiator's node identifier
	IdentityKey  [32]byte // Ed25519 public identity key
	EphemeralKey [32]byte // X25519 ephemeral public key
	KemPublicKey []byte   // Kyber768 encapsulation key
	Challenge    [32]byte // Responder must sign this
	Timestamp    uint64   // Unix milliseconds
}

// HandshakeAccept is the responder's reply
type HandshakeAccept struct {
	Suite         uint8    // Chosen AEAD suite
	SessionID     uint64   // Assigned session identifier
	IdentityKey   [32]byte // Ed25519 public identity key
	EphemeralKey  [32]byte // X25519 ephemeral public key
	KemCiphertext []byte   // Kyber768 ciphertext for the initiator's KEM key
	Challenge     [32]byte // Initiator must sign this
	Timestamp     uint64   // Unix milliseconds; pins the key derivation context
	Signature     [64]byte // Over transcript hash + initiator challenge
}

// HandshakeFinish is the initiator's closing message
type HandshakeFinish struct {
	SessionID uint64
	Signature [64]byte // Over transcript hash + responder challenge
}

// HandshakeResult is what both sides hold after a completed handshake
type HandshakeResult struct {
	SessionID     uint64
	Suite         uint8
	Secret        []byte   // Hybrid root secret, feeds the key manager
	PeerIdentity  [32]byte // Peer's Ed25519 public key
	PeerClientID  string   // Empty on the initiator side
	EstablishedAt time.Time
}

// ===== ENCODING =====

// Encode encodes a handshake request to bytes
func (h *HandshakeRequest) Encode() []byte {
	size := 1 + 1 + len(h.Suites) + 2 + len(h.ClientID) + 32 + 32 + 2 + len(h.KemPublicKey) + challengeLen + 8
	buf := make([]byte, size)
	offset := 0

	buf[offset] = h.Version
	offset++

	buf[offset] = uint8(len(h.Suites))
	offset++
	copy(buf[offset:], h.Suites)
	offset += len(h.Suites)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(h.ClientID)))
	offset += 2
	copy(buf[offset:], h.ClientID)
	offset += len(h.ClientID)

	copy(buf[offset:], h.IdentityKey[:])
	offset += 32

	copy(buf[offset:], h.EphemeralKey[:])
	offset += 32

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(h.KemPublicKey)))
	offset += 2
	copy(buf[offset:], h.KemPublicKey)
	offset += len(h.KemPublicKey)

	copy(buf[offset:], h.Challenge[:])
	offset += challengeLen

	binary.BigEndian.PutUint64(buf[offset:], h.Timestamp)

	return buf
}

// Decode decodes a handshake request from bytes
func (h *HandshakeRequest) Decode(buf []byte) error {
	if len(buf) < 2 {
		return ErrHandshakeCorrupt
	}
	offset := 0

	h.Version = buf[offset]
	offset++

	suiteCount := int(buf[offset])
	offset++
	if len(buf) < offset+suiteCount+2 {
		return ErrHandshakeCorrupt
	}
	h.Suites = make([]uint8, suiteCount)
	copy(h.Suites, buf[offset:offset+suiteCount])
	offset += suiteCount

	clientIDLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if len(buf) < offset+clientIDLen+32+32+2 {
		return ErrHandshakeCorrupt
	}
	h.ClientID = string(buf[offset : offset+clientIDLen])
	offset += clientIDLen

	copy(h.IdentityKey[:], buf[offset:offset+32])
	offset += 32

	copy(h.EphemeralKey[:], buf[offset:offset+32])
	offset += 32

	kemLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if len(buf) < offset+kemLen+challengeLen+8 {
		return ErrHandshakeCorrupt
	}
	h.KemPublicKey = make([]byte, kemLen)
	copy(h.KemPublicKey, buf[offset:offset+kemLen])
	offset += kemLen

	copy(h.Challenge[:], buf[offset:offset+challengeLen])
	offset += challengeLen

	h.Timestamp = binary.BigEndian.Uint64(buf[offset:])

	return nil
}

// Encode encodes a handshake accept to bytes
func (h *HandshakeAccept) Encode() []byte {
	buf := h.encodeUnsigned()
	out := make([]byte, len(buf)+64)
	copy(out, buf)
	copy(out[len(buf):], h.Signature[:])
	return out
}

// encodeUnsigned encodes everything except the signature; this is the part
// covered by the transcript hash.
func (h *HandshakeAccept) encodeUnsigned() []byte {
	size := 1 + 8 + 32 + 32 + 2 + len(h.KemCiphertext) + challengeLen + 8
	buf := make([]byte, size)
	offset := 0

	buf[offset] = h.Suite
	offset++

	binary.BigEndian.PutUint64(buf[offset:], h.SessionID)
	offset += 8

	copy(buf[offset:], h.IdentityKey[:])
	offset += 32

	copy(buf[offset:], h.EphemeralKey[:])
	offset += 32

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(h.KemCiphertext)))
	offset += 2
	copy(buf[offset:], h.KemCiphertext)
	offset += len(h.KemCiphertext)

	copy(buf[offset:], h.Challenge[:])
	offset += challengeLen

	binary.BigEndian.PutUint64(buf[offset:], h.Timestamp)

	return buf
}

// Decode decodes a handshake accept from bytes
func (h *HandshakeAccept) Decode(buf []byte) error {
	if len(buf) < 1+8+32+32+2 {
		return ErrHandshakeCorrupt
	}
	offset := 0

	h.Suite = buf[offset]
	offset++

	h.SessionID = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	copy(h.IdentityKey[:], buf[offset:offset+32])
	offset += 32

	copy(h.EphemeralKey[:], buf[offset:offset+32])
	offset += 32

	ctLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if len(buf) < offset+ctLen+challengeLen+8+64 {
		return ErrHandshakeCorrupt
	}
	h.KemCiphertext = make([]byte, ctLen)
	copy(h.KemCiphertext, buf[offset:offset+ctLen])
	offset += ctLen

	copy(h.Challenge[:], buf[offset:offset+challengeLen])
	offset += challengeLen

	h.Timestamp = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	copy(h.Signature[:], buf[offset:offset+64])

	return nil
}

// Encode encodes a handshake finish to bytes
func (h *HandshakeFinish) Encode() []byte {
	buf := make([]byte, 8+64)
	binary.BigEndian.PutUint64(buf[0:8], h.SessionID)
	copy(buf[8:], h.Signature[:])
	return buf
}

// Decode decodes a handshake finish from bytes
func (h *HandshakeFinish) Decode(buf []byte) error {
	if len(buf) < 8+64 {
		return ErrHandshakeCorrupt
	}
	h.SessionID = binary.BigEndian.Uint64(buf[0:8])
	copy(h.Signature[:], buf[8:72])
	return nil
}

// ===== INITIATOR =====

// Initiator holds the ephemeral state between sending a request and
// receiving the accept.
type Initiator struct {
	identity ed25519.PrivateKey
	ephPriv  [32]byte
	kemPriv  kem.PrivateKey
	req      *HandshakeRequest
}

// NewInitiator generates ephemeral key material and the opening request
func NewInitiator(identity ed25519.PrivateKey, clientID string, suites []uint8) (*Initiator, *HandshakeRequest, error) {
	if len(suites) == 0 {
		suites = DefaultSuites
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}

	scheme := kyber768.Scheme()
	kemPub, kemPriv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	kemPubBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}

	req := &HandshakeRequest{
		Version:      protocol.ProtocolVersion,
		Suites:       append([]uint8(nil), suites...),
		ClientID:     clientID,
		KemPublicKey: kemPubBytes,
		Timestamp:    uint64(time.Now().UnixMilli()),
	}
	copy(req.IdentityKey[:], identity.Public().(ed25519.PublicKey))
	copy(req.EphemeralKey[:], ephPub)
	if _, err := rand.Read(req.Challenge[:]); err != nil {
		return nil, nil, err
	}

	return &Initiator{
		identity: identity,
		ephPriv:  ephPriv,
		kemPriv:  kemPriv,
		req:      req,
	}, req, nil
}

// Complete processes the responder's accept, verifies its signature, derives
// the hybrid secret, and produces the closing finish message.
func (i *Initiator) Complete(acc *HandshakeAccept) (*HandshakeResult, *HandshakeFinish, error) {
	offered := false
	for _, s := range i.req.Suites {
		if s == acc.Suite {
			offered = true
			break
		}
	}
	if !offered {
		return nil, nil, ErrNoCommonSuite
	}

	transcript := transcriptHash(i.req, acc)

	signed := append(transcript[:], i.req.Challenge[:]...)
	if !ed25519.Verify(acc.IdentityKey[:], signed, acc.Signature[:]) {
		return nil, nil, ErrBadSignature
	}

	xShared, err := curve25519.X25519(i.ephPriv[:], acc.EphemeralKey[:])
	if err != nil {
		return nil, nil, err
	}

	kemShared, err := kyber768.Scheme().Decapsulate(i.kemPriv, acc.KemCiphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("kem decapsulation failed: %w", err)
	}

	fin := &HandshakeFinish{SessionID: acc.SessionID}
	finSigned := append(transcript[:], acc.Challenge[:]...)
	copy(fin.Signature[:], ed25519.Sign(i.identity, finSigned))

	result := &HandshakeResult{
		SessionID:     acc.SessionID,
		Suite:         acc.Suite,
		Secret:        hybridSecret(xShared, kemShared),
		PeerIdentity:  acc.IdentityKey,
		EstablishedAt: time.UnixMilli(int64(acc.Timestamp)),
	}

	return result, fin, nil
}

// ===== RESPONDER =====

// Responder holds the state between sending an accept and receiving the
// finish message.
type Responder struct {
	result     *HandshakeResult
	challenge  [32]byte
	transcript [32]byte
	peerKey    [32]byte
}

// Respond validates an incoming request and produces the accept message.
// Version negotiation happens here, before any key derivation.
func Respond(identity ed25519.PrivateKey, req *HandshakeRequest, sessionID uint64, supported []uint8) (*Responder, *HandshakeAccept, error) {
	if req.Version != protocol.ProtocolVersion {
		return nil, nil, ErrVersionMismatch
	}

	if len(supported) == 0 {
		supported = DefaultSuites
	}
	suite, err := chooseSuite(req.Suites, supported)
	if err != nil {
		return nil, nil, err
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}

	scheme := kyber768.Scheme()
	kemPub, err := scheme.UnmarshalBinaryPublicKey(req.KemPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad kem key", ErrHandshakeCorrupt)
	}
	kemCiphertext, kemShared, err := scheme.Encapsulate(kemPub)
	if err != nil {
		return nil, nil, err
	}

	xShared, err := curve25519.X25519(ephPriv[:], req.EphemeralKey[:])
	if err != nil {
		return nil, nil, err
	}

	acc := &HandshakeAccept{
		Suite:         suite,
		SessionID:     sessionID,
		KemCiphertext: kemCiphertext,
		Timestamp:     uint64(time.Now().UnixMilli()),
	}
	copy(acc.IdentityKey[:], identity.Public().(ed25519.PublicKey))
	copy(acc.EphemeralKey[:], ephPub)
	if _, err := rand.Read(acc.Challenge[:]); err != nil {
		return nil, nil, err
	}

	transcript := transcriptHash(req, acc)
	signed := append(transcript[:], req.Challenge[:]...)
	copy(acc.Signature[:], ed25519.Sign(identity, signed))

	result := &HandshakeResult{
		SessionID:     sessionID,
		Suite:         suite,
		Secret:        hybridSecret(xShared, kemShared),
		PeerIdentity:  req.IdentityKey,
		PeerClientID:  req.ClientID,
		EstablishedAt: time.UnixMilli(int64(acc.Timestamp)),
	}

	r := &Responder{
		result:     result,
		challenge:  acc.Challenge,
		transcript: transcript,
		peerKey:    req.IdentityKey,
	}

	return r, acc, nil
}

// Finish verifies the initiator's closing signature and releases the result
func (r *Responder) Finish(fin *HandshakeFinish) (*HandshakeResult, error) {
	if fin.SessionID != r.result.SessionID {
		return nil, ErrHandshakeCorrupt
	}

	signed := append(r.transcript[:], r.challenge[:]...)
	if !ed25519.Verify(r.peerKey[:], signed, fin.Signature[:]) {
		return nil, ErrBadSignature
	}

	return r.result, nil
}

// transcriptHash binds both handshake messages (minus the signature) so
// neither side can be replayed against a different exchange.
func transcriptHash(req *HandshakeRequest, acc *HandshakeAccept) [32]byte {
	h := sha256.New()
	h.Write(req.Encode())
	h.Write(acc.encodeUnsigned())

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hybridSecret concatenates the classical and post-quantum shared secrets
func hybridSecret(xShared, kemShared []byte) []byte {
	secret := make([]byte, 0, SecretLen)
	secret = append(secret, xShared...)
	secret = append(secret, kemShared...)
	return secret
}
