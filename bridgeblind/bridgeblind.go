// Package bridgeblind implements the two-hop bridge blinding envelope: a
// client wraps its real target address for Bridge A such that only Bridge B
// (holding the matching X25519 key) can recover it, splitting the knowledge
// of "who the client is" and "where the client is going" across two
// operators. The envelope shape (ephemeral X25519 → HKDF-SHA256 → AEAD) is
// grounded on the session-key derivation in the onion-crypto reference
// package, substituting a fixed X25519 static key for its placeholder KEM.
package bridgeblind

import (
	"fmt"

	"github.com/wisptor/wisp-core/wcrypto"
)

// blindInfo is the HKDF info string identifying this envelope's purpose;
// changing it invalidates every Envelope built under the old string.
const blindInfo = "bridge-blind-v1"

// fixedNonce is safe to reuse across every envelope because the AEAD key
// itself is fresh per-connection — it's derived from a fresh ephemeral
// keypair, never reused under the same key.
var fixedNonce = []byte("bridge-blind")

// Envelope is the wire format Bridge A forwards to Bridge B unmodified:
// the client's ephemeral public key plus the AEAD-sealed payload.
type Envelope struct {
	Ephemeral  [32]byte
	Ciphertext []byte
}

// Wrap seals payload (typically the real bridge/relay address the client
// wants Bridge B to connect onward to) so that only the holder of
// bridgeBPriv can open it.
func Wrap(bridgeBPub [32]byte, payload []byte) (*Envelope, error) {
	ephPriv, ephPub, err := wcrypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("bridgeblind: generate ephemeral key: %w", err)
	}
	defer clearKey(&ephPriv)

	shared, err := wcrypto.X25519(ephPriv, bridgeBPub)
	if err != nil {
		return nil, fmt.Errorf("bridgeblind: derive shared secret: %w", err)
	}
	defer clearKey(&shared)

	key, err := deriveKey(shared, ephPub, bridgeBPub)
	if err != nil {
		return nil, err
	}

	aead, err := wcrypto.NewAES256GCM(key)
	if err != nil {
		return nil, fmt.Errorf("bridgeblind: build AEAD: %w", err)
	}

	ct := aead.Seal(nil, fixedNonce, payload, nil)
	return &Envelope{Ephemeral: ephPub, Ciphertext: ct}, nil
}

// Unwrap opens an Envelope using Bridge B's static private key, returning
// the original payload.
func Unwrap(bridgeBPriv, bridgeBPub [32]byte, env *Envelope) ([]byte, error) {
	shared, err := wcrypto.X25519(bridgeBPriv, env.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("bridgeblind: derive shared secret: %w", err)
	}
	defer clearKey(&shared)

	key, err := deriveKey(shared, env.Ephemeral, bridgeBPub)
	if err != nil {
		return nil, err
	}

	aead, err := wcrypto.NewAES256GCM(key)
	if err != nil {
		return nil, fmt.Errorf("bridgeblind: build AEAD: %w", err)
	}

	pt, err := aead.Open(nil, fixedNonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("bridgeblind: open envelope: %w", err)
	}
	return pt, nil
}

func deriveKey(shared, ephPub, bridgeBPub [32]byte) ([32]byte, error) {
	var key [32]byte
	salt := make([]byte, 0, 64)
	salt = append(salt, ephPub[:]...)
	salt = append(salt, bridgeBPub[:]...)

	out, err := wcrypto.HKDFSHA256(shared[:], salt, []byte(blindInfo), 32)
	if err != nil {
		return key, fmt.Errorf("bridgeblind: HKDF: %w", err)
	}
	copy(key[:], out)
	return key, nil
}

func clearKey(k *[32]byte) {
	for i := range k {
		k[i] = 0
	}
}

// MarshalSubprotocol encodes an Envelope as the byte string Bridge A
// forwards to Bridge B (cmd/bridge-relay carries it base64-encoded in the
// X-Bridge-Envelope upgrade header): 32-byte ephemeral public key followed
// by the AEAD ciphertext (which includes its 16-byte GCM tag).
func (e *Envelope) MarshalSubprotocol() []byte {
	out := make([]byte, 32+len(e.Ciphertext))
	copy(out, e.Ephemeral[:])
	copy(out[32:], e.Ciphertext)
	return out
}

// ParseSubprotocolEnvelope decodes the wire format produced by
// MarshalSubprotocol.
func ParseSubprotocolEnvelope(b []byte) (*Envelope, error) {
	if len(b) < 32 {
		return nil, fmt.Errorf("bridgeblind: envelope too short: %d bytes", len(b))
	}
	env := &Envelope{Ciphertext: append([]byte(nil), b[32:]...)}
	copy(env.Ephemeral[:], b[:32])
	return env, nil
}
