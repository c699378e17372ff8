// Package wtorerr defines a closed error taxonomy for the circuit engine,
// transport layer, and broker. ProtocolError, CryptoError and
// TransportError wrap an underlying error so %w-chains built with
// fmt.Errorf keep working while callers that need to branch on category
// can errors.As into the typed form. No other package in this module
// returns these types; they report plain wrapped errors.
package wtorerr

import "fmt"

// ProtocolError covers cell parse failures, digest mismatches, and
// commands received out of context.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// CryptoError covers point-decompression failures and AUTH/MAC mismatches
// during a handshake. No package in this module constructs it, and nothing
// keeps a blacklist of relays that caused one.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("crypto error: %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// TransportError covers carrier connect timeouts and unexpected carrier
// closure.
type TransportError struct {
	Carrier string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Carrier, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// PolicyError covers path-selection failures: no matching exit, or a
// family/subnet conflict that exhausted all candidates.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "policy error: " + e.Reason }

// StateError indicates an illegal state transition — a bug, never an
// expected runtime condition. No package in this module constructs it:
// circuit.Circuit.transition ignores an illegal move instead of reporting it.
type StateError struct {
	From, To string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal state transition: %s -> %s", e.From, e.To)
}

// RemoteError wraps a DESTROY or RELAY_END reason byte received from a
// relay.
type RemoteError struct {
	ReasonByte uint8
	Context    string // "DESTROY" or "RELAY_END"
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s reason=%d", e.Context, e.ReasonByte)
}

// Timeout covers the three timeout budgets the spec defines: circuit
// build (30s), per-hop extend (15s), and transport connect (10s).
type Timeout struct {
	Op string
}

func (e *Timeout) Error() string { return "timeout: " + e.Op }
