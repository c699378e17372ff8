package bridgeblind

import (
	"bytes"
	"testing"

	"github.com/wisptor/wisp-core/wcrypto"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	priv, pub, err := wcrypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("198.51.100.7:9001")
	env, err := Wrap(pub, payload)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Unwrap(priv, pub, env)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got, payload)
	}
}

func TestUnwrapWrongKeyFails(t *testing.T) {
	_, pub, err := wcrypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	otherPriv, _, err := wcrypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}

	env, err := Wrap(pub, []byte("target"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Unwrap(otherPriv, pub, env); err == nil {
		t.Fatal("expected Unwrap to fail with the wrong private key")
	}
}

func TestSubprotocolRoundTrip(t *testing.T) {
	_, pub, err := wcrypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	env, err := Wrap(pub, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	wire := env.MarshalSubprotocol()
	got, err := ParseSubprotocolEnvelope(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.Ephemeral != env.Ephemeral {
		t.Fatal("ephemeral key mismatch after marshal/parse")
	}
	if !bytes.Equal(got.Ciphertext, env.Ciphertext) {
		t.Fatal("ciphertext mismatch after marshal/parse")
	}
}

func TestParseSubprotocolTooShort(t *testing.T) {
	if _, err := ParseSubprotocolEnvelope(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized envelope")
	}
}

func TestEachWrapUsesFreshEphemeral(t *testing.T) {
	_, pub, err := wcrypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	a, err := Wrap(pub, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Wrap(pub, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Ephemeral == b.Ephemeral {
		t.Fatal("two Wrap calls produced the same ephemeral key")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatal("two Wrap calls of the same payload produced identical ciphertext")
	}
}
