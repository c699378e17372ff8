package stream

import (
	"fmt"

	"github.com/wisptor/wisp-core/circuit"
)

const (
	// Stream-level SENDME every 50 DATA cells received.
	streamSendMeWindow = 50
	// Initial stream window.
	initStreamWindow = 500
)

// handleDataReceived tracks stream-level flow control for received DATA
// cells. Circuit-level SENDME accounting lives on circuit.Circuit itself,
// shared across every stream it carries, since a circuit's SENDME window
// acknowledges all of its multiplexed streams at once.
func (s *Stream) handleDataReceived() error {
	s.streamDataReceived++
	if s.streamDataReceived < streamSendMeWindow {
		return nil
	}

	digest := s.Circuit.BackwardDigest()
	payload := sendMeV1(digest)
	if err := s.Circuit.SendRelay(circuit.RelaySendMe, s.ID, payload); err != nil {
		return fmt.Errorf("send stream SENDME: %w", err)
	}
	s.streamDataReceived = 0
	return nil
}

// sendMeV1 builds a SENDME v1 payload with the given digest.
func sendMeV1(digest []byte) []byte {
	payload := make([]byte, 23) // Version(1) + DataLen(2) + Data(20)
	payload[0] = 1
	payload[1] = 0
	payload[2] = 20
	if len(digest) >= 20 {
		copy(payload[3:23], digest[:20])
	}
	return payload
}
