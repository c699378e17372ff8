// Package wcrypto adapts the standard library and golang.org/x/crypto
// primitives used throughout the circuit engine, ntor handshake, and
// bridge blinding envelope behind one small surface. RandBytes is the
// shared helper for CSPRNG bytes; GenerateEd25519 below, pathselect and
// transport/meek read crypto/rand directly.
package wcrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// RandBytes fills and returns n cryptographically random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("wcrypto: read random bytes: %w", err)
	}
	return b, nil
}

// GenerateX25519 creates a fresh X25519 keypair.
func GenerateX25519() (priv, pub [32]byte, err error) {
	b, err := RandBytes(32)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], b)
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("wcrypto: derive X25519 public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// X25519 computes the shared point priv*peer.
func X25519(priv, peer [32]byte) ([32]byte, error) {
	var out [32]byte
	res, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return out, fmt.Errorf("wcrypto: X25519: %w", err)
	}
	copy(out[:], res)
	return out, nil
}

// HKDFSHA256 derives n bytes of key material from secret using HKDF-SHA256
// with the given salt and info strings.
func HKDFSHA256(secret, salt, info []byte, n int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("wcrypto: HKDF expand: %w", err)
	}
	return out, nil
}

// HMACSHA256 returns HMAC-SHA256(key, msg).
func HMACSHA256(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// ConstantTimeEqual reports whether a and b are equal using constant-time
// comparison, as required for AUTH/digest/HMAC verification.
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// NewAES128CTR returns a fresh AES-128-CTR stream cipher with a zero IV.
// The caller owns the returned cipher.Stream and must not reset it between
// cells — the circuit engine treats the keystream as continuous for the
// lifetime of the hop.
func NewAES128CTR(key [16]byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("wcrypto: AES-128 cipher: %w", err)
	}
	zeroIV := make([]byte, aes.BlockSize)
	return cipher.NewCTR(block, zeroIV), nil
}

// NewAES256GCM returns an AES-256-GCM AEAD for the bridge blinding envelope.
func NewAES256GCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("wcrypto: AES-256 cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wcrypto: AES-GCM: %w", err)
	}
	return aead, nil
}

// NewSHA1Digest returns a fresh running SHA-1 hash, used for the per-hop
// forward/backward relay digest chains.
func NewSHA1Digest() hash.Hash { return sha1.New() }

// NewSHA256Digest returns a fresh running SHA-256 hash.
func NewSHA256Digest() hash.Hash { return sha256.New() }

// GenerateEd25519 creates a fresh Ed25519 signing keypair.
func GenerateEd25519() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("wcrypto: generate ed25519 key: %w", err)
	}
	return priv, pub, nil
}

// VerifyEd25519 reports whether sig is a valid Ed25519 signature of msg
// under pub.
func VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// VerifyRSASHA256 verifies an RSA-PKCS1v15-SHA256 signature over digest.
// No package in this module calls it.
func VerifyRSASHA256(pub *rsa.PublicKey, digest, sig []byte) error {
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig); err != nil {
		return fmt.Errorf("wcrypto: RSA-SHA256 verify: %w", err)
	}
	return nil
}
