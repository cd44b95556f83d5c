package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

var (
	ErrUnknownSuite  = errors.New("unknown cipher suite")
	ErrNoCommonSuite = errors.New("no common cipher suite")
)

// DefaultSuites lists the supported AEAD suites in preference order.
// XChaCha20-Poly1305 is preferred because its 24-byte nonce fills the
// envelope nonce field exactly.
var DefaultSuites = []uint8{
	protocol.EncryptionXChaCha20Poly305,
	protocol.EncryptionAES256GCM,
}

// newAEAD constructs the AEAD for a suite from a session key
func newAEAD(suite uint8, key []byte) (cipher.AEAD, error) {
	switch suite {
	case protocol.EncryptionXChaCha20Poly305:
		return chacha20poly1305.NewX(key)

	case protocol.EncryptionAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)

	default:
		return nil, ErrUnknownSuite
	}
}

// suiteNonce trims the 24-byte envelope nonce to the suite's nonce size
func suiteNonce(suite uint8, nonce protocol.Nonce) []byte {
	switch suite {
	case protocol.EncryptionAES256GCM:
		return nonce[:12]
	default:
		return nonce[:]
	}
}

// chooseSuite picks the responder's preferred suite among those offered
func chooseSuite(offered, supported []uint8) (uint8, error) {
	for _, s := range supported {
		for _, o := range offered {
			if s == o {
				return s, nil
			}
		}
	}
	return 0, ErrNoCommonSuite
}
