package circuit

import (
	"encoding"
	"encoding/binary"
	"fmt"

	"github.com/wisptor/wisp-core/cell"
	"github.com/wisptor/wisp-core/wcrypto"
)

// Relay cell command constants (tor-spec §6.1). Onion-service-only
// commands (ESTABLISH_RENDEZVOUS, INTRODUCE1, RENDEZVOUS2, ...) are not
// defined here; this circuit engine only ever builds client/relay/exit
// circuits.
const (
	RelayBegin     uint8 = 1
	RelayData      uint8 = 2
	RelayEnd       uint8 = 3
	RelayConnected uint8 = 4
	RelaySendMe    uint8 = 5
	RelayBeginDir  uint8 = 13
	RelayExtend2   uint8 = 14
	RelayExtended2 uint8 = 15
)

// RelayPayloadLen is the length of a relay cell payload (inside a fixed cell).
const RelayPayloadLen = cell.MaxPayloadLen // 509

// Relay header offsets within the 509-byte payload, mirrored from package
// cell for tests that inspect raw payload bytes directly.
const (
	relayCommandOff    = cell.RelayCommandOff
	relayRecognizedOff = cell.RelayRecognizedOff
	relayStreamIDOff   = cell.RelayStreamIDOff
	relayDigestOff     = cell.RelayDigestOff
	relayLengthOff     = cell.RelayLengthOff
	relayDataOff       = cell.RelayDataOff
)

// MaxRelayDataLen is the maximum data in a single relay cell.
const MaxRelayDataLen = cell.MaxRelayDataLen // 498

// EncryptRelay builds and encrypts a relay cell payload for sending through the circuit.
// It acquires the circuit mutex. For use when the caller does NOT already hold it.
func (c *Circuit) EncryptRelay(relayCmd uint8, streamID uint16, data []byte) (cell.Cell, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.encryptRelayLocked(relayCmd, streamID, data)
}

// encryptRelayLocked is the lock-free internal implementation. Caller must hold c.wmu.
func (c *Circuit) encryptRelayLocked(relayCmd uint8, streamID uint16, data []byte) (cell.Cell, error) {
	if len(c.Hops) == 0 {
		return nil, fmt.Errorf("circuit has no hops")
	}

	var padErr error
	payload, err := cell.EncodeRelay(relayCmd, streamID, data, func(b []byte) {
		// Per tor-spec §6.1: padding = 4 zero bytes + random bytes.
		if len(b) <= 4 {
			return
		}
		rnd, rerr := wcrypto.RandBytes(len(b) - 4)
		if rerr != nil {
			padErr = rerr
			return
		}
		copy(b[4:], rnd)
	})
	if err != nil {
		return nil, fmt.Errorf("encode relay payload: %w", err)
	}
	if padErr != nil {
		return nil, fmt.Errorf("relay padding: %w", padErr)
	}

	// Compute digest: hash the payload with the digest field zeroed,
	// take first 4 bytes.
	hop := c.Hops[len(c.Hops)-1]
	hop.df.Write(payload[:])
	digest := hop.df.Sum(nil) // SHA-1 sum (doesn't reset state)
	copy(payload[relayDigestOff:relayDigestOff+4], digest[:4])
	if relayCmd == RelayData {
		c.recordForwardDigest(digest)
	}

	// Encrypt: from last hop to first (onion layering)
	encrypted := payload[:]
	for i := len(c.Hops) - 1; i >= 0; i-- {
		c.Hops[i].kf.XORKeyStream(encrypted, encrypted)
	}

	relayCell := cell.NewFixedCell(c.ID, cell.CmdRelay)
	copy(relayCell.Payload(), encrypted)
	return relayCell, nil
}

// DecryptRelay decrypts an incoming relay cell payload.
// It acquires the circuit mutex. For use when the caller does NOT already hold it.
func (c *Circuit) DecryptRelay(incoming cell.Cell) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.decryptRelayLocked(incoming)
}

// decryptRelayLocked is the lock-free internal implementation. Caller must hold c.rmu.
func (c *Circuit) decryptRelayLocked(incoming cell.Cell) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	if len(c.Hops) == 0 {
		return 0, 0, 0, nil, fmt.Errorf("circuit has no hops")
	}

	payload := make([]byte, RelayPayloadLen)
	copy(payload, incoming.Payload()[:RelayPayloadLen])

	for i, hop := range c.Hops {
		hop.kb.XORKeyStream(payload, payload)

		recognized := binary.BigEndian.Uint16(payload[cell.RelayRecognizedOff:])
		if recognized != 0 {
			continue // Not recognized at this hop, try next layer
		}

		var savedDigest [4]byte
		copy(savedDigest[:], payload[relayDigestOff:relayDigestOff+4])

		payload[relayDigestOff] = 0
		payload[relayDigestOff+1] = 0
		payload[relayDigestOff+2] = 0
		payload[relayDigestOff+3] = 0

		// Snapshot Db state before writing, in case recognized==0 is coincidental
		dbState, err := hop.db.(encoding.BinaryMarshaler).MarshalBinary()
		if err != nil {
			return 0, 0, 0, nil, fmt.Errorf("snapshot digest state: %w", err)
		}

		hop.db.Write(payload)
		computedDigest := hop.db.Sum(nil)

		if wcrypto.ConstantTimeEqual(savedDigest[:], computedDigest[:4]) {
			relayCmd = payload[cell.RelayCommandOff]
			streamID = binary.BigEndian.Uint16(payload[cell.RelayStreamIDOff:])
			dataLen := binary.BigEndian.Uint16(payload[cell.RelayLengthOff:])
			if int(dataLen) > MaxRelayDataLen {
				return 0, 0, 0, nil, fmt.Errorf("relay data length %d exceeds maximum %d", dataLen, MaxRelayDataLen)
			}
			data = make([]byte, dataLen)
			copy(data, payload[cell.RelayDataOff:cell.RelayDataOff+int(dataLen)])
			return i, relayCmd, streamID, data, nil
		}

		// False recognized==0 — restore Db state and continue
		if err := hop.db.(encoding.BinaryUnmarshaler).UnmarshalBinary(dbState); err != nil {
			return 0, 0, 0, nil, fmt.Errorf("restore digest state: %w", err)
		}
	}

	return 0, 0, 0, nil, fmt.Errorf("relay cell not recognized at any hop")
}

// verifySendMeDigest checks that a SENDME v1 payload's embedded digest
// matches the circuit's forward digest state at the point the SENDME
// claims to acknowledge, per tor-spec §7.3. A mismatch means the relay
// and client have diverged on how much data has been authenticated,
// which the circuit treats as fatal rather than silently resyncing.
func verifySendMeDigest(payload, expectedDigest []byte) error {
	if len(payload) < 3 {
		return fmt.Errorf("sendme payload too short: %d bytes", len(payload))
	}
	version := payload[0]
	if version != 1 {
		return fmt.Errorf("unsupported sendme version %d", version)
	}
	dataLen := binary.BigEndian.Uint16(payload[1:3])
	if int(dataLen) != 20 || len(payload) < 3+int(dataLen) {
		return fmt.Errorf("sendme digest length %d invalid", dataLen)
	}
	got := payload[3 : 3+20]
	if len(expectedDigest) < 20 {
		return fmt.Errorf("expected digest too short: %d bytes", len(expectedDigest))
	}
	if !wcrypto.ConstantTimeEqual(got, expectedDigest[:20]) {
		return fmt.Errorf("sendme digest mismatch")
	}
	return nil
}
