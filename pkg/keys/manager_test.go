package keys

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/xtmp-net/xtmp-node/pkg/protocol"
)

func testSecret(t *testing.T) []byte {
	t.Helper()

	secret := make([]byte, SecretLen)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	return secret
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	return NewManager(cfg, nil)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	suites := []uint8{
		protocol.EncryptionXChaCha20Poly305,
		protocol.EncryptionAES256GCM,
	}

	for _, suite := range suites {
		m := newTestManager(t, Config{})
		if _, err := m.Install(1, suite, testSecret(t), time.Now()); err != nil {
			t.Fatalf("install failed: %v", err)
		}

		plaintext := []byte(`{"key":"foo"}`)
		ciphertext, sec, err := m.Encrypt(1, DirectionInitiator, plaintext)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		if bytes.Contains(ciphertext, plaintext) {
			t.Error("ciphertext contains plaintext")
		}
		if sec.EncryptionType != suite {
			t.Errorf("security suite = 0x%02x, want 0x%02x", sec.EncryptionType, suite)
		}

		out, err := m.Decrypt(1, DirectionInitiator, &sec, ciphertext)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if !bytes.Equal(out, plaintext) {
			t.Error("decrypted payload differs from original")
		}
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	m := newTestManager(t, Config{})
	if _, err := m.Install(1, protocol.EncryptionXChaCha20Poly305, testSecret(t), time.Now()); err != nil {
		t.Fatal(err)
	}

	ciphertext, sec, err := m.Encrypt(1, DirectionResponder, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	ciphertext[0] ^= 0xFF
	if _, err := m.Decrypt(1, DirectionResponder, &sec, ciphertext); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("Decrypt() error = %v, want %v", err, ErrAuthFailure)
	}
}

func TestDecryptRejectsWrongDirection(t *testing.T) {
	m := newTestManager(t, Config{})
	if _, err := m.Install(1, protocol.EncryptionXChaCha20Poly305, testSecret(t), time.Now()); err != nil {
		t.Fatal(err)
	}

	ciphertext, sec, err := m.Encrypt(1, DirectionInitiator, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Decrypt(1, DirectionResponder, &sec, ciphertext); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("Decrypt() error = %v, want %v", err, ErrAuthFailure)
	}
}

func TestRotationTransparentDuringGrace(t *testing.T) {
	m := newTestManager(t, Config{GracePeriod: time.Minute})
	if _, err := m.Install(1, protocol.EncryptionXChaCha20Poly305, testSecret(t), time.Now()); err != nil {
		t.Fatal(err)
	}

	// Seal one message immediately before rotation.
	before, secBefore, err := m.Encrypt(1, DirectionInitiator, []byte("pre-rotation"))
	if err != nil {
		t.Fatal(err)
	}

	next, err := m.Rotate(1)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if next.Generation != 2 {
		t.Fatalf("generation = %d, want 2", next.Generation)
	}

	// And one immediately after.
	after, secAfter, err := m.Encrypt(1, DirectionInitiator, []byte("post-rotation"))
	if err != nil {
		t.Fatal(err)
	}
	if secAfter.KeyGeneration != 2 {
		t.Errorf("post-rotation generation = %d, want 2", secAfter.KeyGeneration)
	}

	// Both must decrypt during the grace window.
	if out, err := m.Decrypt(1, DirectionInitiator, &secBefore, before); err != nil || !bytes.Equal(out, []byte("pre-rotation")) {
		t.Errorf("pre-rotation message failed to decrypt during grace: %v", err)
	}
	if out, err := m.Decrypt(1, DirectionInitiator, &secAfter, after); err != nil || !bytes.Equal(out, []byte("post-rotation")) {
		t.Errorf("post-rotation message failed to decrypt: %v", err)
	}
}

func TestOldGenerationRejectedAfterGrace(t *testing.T) {
	m := newTestManager(t, Config{GracePeriod: time.Millisecond})
	if _, err := m.Install(1, protocol.EncryptionXChaCha20Poly305, testSecret(t), time.Now()); err != nil {
		t.Fatal(err)
	}

	old, secOld, err := m.Encrypt(1, DirectionInitiator, []byte("old"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Rotate(1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := m.Decrypt(1, DirectionInitiator, &secOld, old); !errors.Is(err, ErrUnknownGeneration) {
		t.Errorf("Decrypt() error = %v, want %v", err, ErrUnknownGeneration)
	}
}

func TestFailureBudgetEscalatesToCompromised(t *testing.T) {
	m := newTestManager(t, Config{FailureBudget: 3, FailureWindow: time.Minute})
	if _, err := m.Install(1, protocol.EncryptionXChaCha20Poly305, testSecret(t), time.Now()); err != nil {
		t.Fatal(err)
	}

	ciphertext, sec, err := m.Encrypt(1, DirectionInitiator, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	ciphertext[0] ^= 0xFF

	var last error
	for i := 0; i < 3; i++ {
		_, last = m.Decrypt(1, DirectionInitiator, &sec, ciphertext)
	}

	if !errors.Is(last, ErrSessionCompromised) {
		t.Errorf("after exhausting budget, error = %v, want %v", last, ErrSessionCompromised)
	}
}

func TestSessionsDeriveIndependentKeys(t *testing.T) {
	m := newTestManager(t, Config{})
	secret := testSecret(t)
	established := time.Now()

	// Same root secret, different session IDs: derived keys must differ.
	if _, err := m.Install(1, protocol.EncryptionXChaCha20Poly305, secret, established); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Install(2, protocol.EncryptionXChaCha20Poly305, secret, established); err != nil {
		t.Fatal(err)
	}

	ct1, sec1, err := m.Encrypt(1, DirectionInitiator, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	// Session 2 must not be able to open session 1's traffic.
	if _, err := m.Decrypt(2, DirectionInitiator, &sec1, ct1); err == nil {
		t.Error("session 2 decrypted session 1's message")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := newTestManager(t, Config{})
	if _, err := m.Install(1, protocol.EncryptionXChaCha20Poly305, testSecret(t), time.Now()); err != nil {
		t.Fatal(err)
	}

	m.Remove(1)
	m.Remove(1)

	if _, _, err := m.Encrypt(1, DirectionInitiator, []byte("x")); !errors.Is(err, ErrNoKeys) {
		t.Errorf("Encrypt() after remove = %v, want %v", err, ErrNoKeys)
	}
}

func TestExportResumeRoundTrip(t *testing.T) {
	m := newTestManager(t, Config{})
	if _, err := m.Install(7, protocol.EncryptionAES256GCM, testSecret(t), time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Rotate(7); err != nil {
		t.Fatal(err)
	}

	suite, secret, generation, established, err := m.Export(7)
	if err != nil {
		t.Fatal(err)
	}

	m2 := newTestManager(t, Config{})
	if _, err := m2.Resume(7, suite, secret, established, generation); err != nil {
		t.Fatal(err)
	}

	// Messages sealed by the resumed manager must decrypt under the original.
	ciphertext, sec, err := m2.Encrypt(7, DirectionResponder, []byte("resumed"))
	if err != nil {
		t.Fatal(err)
	}
	out, err := m.Decrypt(7, DirectionResponder, &sec, ciphertext)
	if err != nil {
		t.Fatalf("cross-manager decrypt failed: %v", err)
	}
	if !bytes.Equal(out, []byte("resumed")) {
		t.Error("resumed payload differs")
	}
}
