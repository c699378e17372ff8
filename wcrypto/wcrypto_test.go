package wcrypto

import (
	"crypto/ed25519"
	"testing"
)

func TestX25519RoundTrip(t *testing.T) {
	aPriv, aPub, err := GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	bPriv, bPub, err := GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}

	s1, err := X25519(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := X25519(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatal("shared secrets do not match")
	}
}

func TestHKDFSHA256Deterministic(t *testing.T) {
	secret := []byte("shared-secret")
	out1, err := HKDFSHA256(secret, []byte("salt"), []byte("info"), 92)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := HKDFSHA256(secret, []byte("salt"), []byte("info"), 92)
	if err != nil {
		t.Fatal(err)
	}
	if string(out1) != string(out2) {
		t.Fatal("HKDF output not deterministic for identical inputs")
	}
	if len(out1) != 92 {
		t.Fatalf("expected 92 bytes, got %d", len(out1))
	}
}

func TestAES128CTRContinuous(t *testing.T) {
	var key [16]byte
	copy(key[:], []byte("0123456789abcdef"))

	stream, err := NewAES128CTR(key)
	if err != nil {
		t.Fatal(err)
	}
	a := make([]byte, 16)
	stream.XORKeyStream(a, make([]byte, 16))
	b := make([]byte, 16)
	stream.XORKeyStream(b, make([]byte, 16))

	// The keystream must not repeat across successive calls on one
	// cipher.Stream — this is what lets the circuit engine treat a hop's
	// AES-CTR state as continuous across the whole circuit lifetime.
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("keystream repeated across successive XORKeyStream calls")
	}
}

func TestAES256GCMRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("01234567890123456789012345678901"))

	aead, err := NewAES256GCM(key)
	if err != nil {
		t.Fatal(err)
	}
	nonce := []byte("bridge-blind")
	plaintext := []byte("192.0.2.1:443")
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	opened, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("round-trip mismatch: got %q", opened)
	}

	// Flip a bit in the tag and expect failure.
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := aead.Open(nil, nonce, sealed, nil); err == nil {
		t.Fatal("expected GCM tag verification to fail after bit flip")
	}
}

func TestEd25519SignVerify(t *testing.T) {
	priv, pub, err := GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello")
	sig := ed25519.Sign(priv, msg)
	if !VerifyEd25519(pub, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	sig[0] ^= 0xFF
	if VerifyEd25519(pub, msg, sig) {
		t.Fatal("expected tampered signature to fail verification")
	}
}
