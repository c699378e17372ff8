// Package config holds the options the protocol core recognizes, per the
// configuration table in spec.md §6. The host application (browser
// extension, CLI) is expected to construct one of these directly; there
// is no file-format parser here on purpose — flag/env wiring lives in
// each cmd/ binary, the way the teacher's cmd/tor-client keeps its own
// flags local rather than centralizing them in a shared parser.
package config

import "time"

// ShaperProfile selects the traffic-shaping mode for component C10.
type ShaperProfile string

const (
	ShaperNone    ShaperProfile = "none"
	ShaperPadded  ShaperProfile = "padded"
	ShaperChat    ShaperProfile = "chat"
	ShaperTicker  ShaperProfile = "ticker"
	ShaperVideo   ShaperProfile = "video"
)

// Carrier names the transport carriers recognized by transport/failover.
type Carrier string

const (
	CarrierWS         Carrier = "ws"
	CarrierWebTunnel  Carrier = "webtunnel"
	CarrierMeek       Carrier = "meek"
	CarrierWebRTC     Carrier = "webrtc"
)

// Config is the full set of options the protocol core consumes.
type Config struct {
	// CarrierOrder is the ordered list of transports to try per circuit.
	CarrierOrder []Carrier

	// GuardFingerprint is a guard identity (hex fingerprint) to pin. No
	// package in this module reads this field; cmd/tor-client pins its guard
	// through pathselect.GuardStore instead.
	GuardFingerprint string

	// ShaperProfile selects the C10 shaping mode.
	ShaperProfile ShaperProfile

	// Paranoid enables chaff padding and stricter timing on top of
	// ShaperProfile.
	Paranoid bool

	// ConsensusTTL is a reuse period for a fetched consensus. No package in
	// this module reads this field; setting it does not change when a
	// consensus is refetched.
	ConsensusTTL time.Duration

	// BridgeBPublicKey is Bridge B's X25519 public key for the two-hop
	// bridge blinding envelope (C8). No package in this module reads this
	// field; setting it does not enable blinding.
	BridgeBPublicKey *[32]byte

	// WebTunnelSecret is the shared secret path used as the HMAC key for
	// the WebTunnel carrier's challenge. Empty disables the WebTunnel
	// carrier.
	WebTunnelSecret string
}

// Default returns the configuration defaults from spec.md §6.
func Default() Config {
	return Config{
		CarrierOrder:  []Carrier{CarrierWS, CarrierWebTunnel, CarrierMeek, CarrierWebRTC},
		ShaperProfile: ShaperPadded,
		Paranoid:      false,
		ConsensusTTL:  3600 * time.Second,
	}
}
