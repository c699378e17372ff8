package stream

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/wisptor/wisp-core/circuit"
)

var _ io.ReadWriteCloser = (*Stream)(nil)

// nextStreamID is a global atomic counter for stream ID allocation.
var nextStreamID atomic.Uint32

func init() {
	nextStreamID.Store(1)
}

const (
	relayEndReasonDone = 6
)

// Stream represents a Tor stream over a circuit. All relay cells for this
// stream arrive on inbox, populated by the circuit's single Run loop —
// Stream never reads the link itself.
type Stream struct {
	ID      uint16
	Circuit *circuit.Circuit
	inbox   <-chan circuit.RelayMsg

	// StreamWindow is the stream-level SENDME send window (init 500,
	// credited 50 per SENDME). The circuit-level window lives on Circuit
	// itself, shared across every stream it carries — see
	// circuit.Circuit.WaitSendWindow.
	windowMu   sync.Mutex
	windowCond *sync.Cond
	StreamWindow int

	buf                []byte
	closed             bool
	eof                bool
	streamDataReceived int // DATA cells received since last stream SENDME
}

// Begin opens a new stream to the given target (host:port) through the circuit.
// It registers the stream's inbox before sending RELAY_BEGIN, so no response
// cell can arrive before anything is listening for it, then waits for
// RELAY_CONNECTED.
func Begin(circ *circuit.Circuit, target string) (*Stream, error) {
	var id uint16
	for {
		raw := nextStreamID.Add(1) - 1
		id = uint16(raw)
		if id != 0 {
			break
		}
		// Prevent infinite loop on overflow — 65535 streams is the uint16 limit
		if raw > 0xFFFF {
			return nil, fmt.Errorf("stream ID space exhausted")
		}
	}

	s := &Stream{
		ID:           id,
		Circuit:      circ,
		inbox:        circ.RegisterStream(id),
		StreamWindow: initStreamWindow,
	}
	s.windowCond = sync.NewCond(&s.windowMu)

	// RELAY_BEGIN payload: "host:port\0" + flags(4 bytes, all zero)
	payload := make([]byte, len(target)+1+4)
	copy(payload, target)
	// null terminator and flags are already zero

	if err := circ.SendRelay(circuit.RelayBegin, id, payload); err != nil {
		circ.UnregisterStream(id)
		return nil, fmt.Errorf("send RELAY_BEGIN: %w", err)
	}

	msg, ok := <-s.inbox
	if !ok {
		return nil, fmt.Errorf("circuit closed while waiting for RELAY_CONNECTED")
	}

	switch msg.Cmd {
	case circuit.RelayConnected:
		return s, nil
	case circuit.RelayEnd:
		reason := uint8(0)
		if len(msg.Data) > 0 {
			reason = msg.Data[0]
		}
		circ.UnregisterStream(id)
		return nil, fmt.Errorf("stream rejected: RELAY_END reason=%d", reason)
	default:
		circ.UnregisterStream(id)
		return nil, fmt.Errorf("unexpected relay command %d while waiting for CONNECTED", msg.Cmd)
	}
}

// Write sends data through the stream as RELAY_DATA cells, splitting it into
// chunks of up to 498 bytes (MaxRelayDataLen). When either the circuit-level
// or stream-level send window is exhausted, Write blocks until a SENDME
// credits it rather than failing — callers can rely on Write eventually
// making progress as long as the remote side keeps acknowledging.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	total := 0
	for len(p) > 0 {
		s.Circuit.WaitSendWindow()
		s.waitStreamWindow()

		chunk := p
		if len(chunk) > circuit.MaxRelayDataLen {
			chunk = p[:circuit.MaxRelayDataLen]
		}
		if err := s.Circuit.SendRelay(circuit.RelayData, s.ID, chunk); err != nil {
			return total, fmt.Errorf("send RELAY_DATA: %w", err)
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *Stream) waitStreamWindow() {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	for s.StreamWindow <= 0 {
		s.windowCond.Wait()
	}
	s.StreamWindow--
}

func (s *Stream) creditStreamWindow(n int) {
	s.windowMu.Lock()
	s.StreamWindow += n
	s.windowMu.Unlock()
	s.windowCond.Broadcast()
}

// Read receives data from the stream, reading relay cells the circuit's Run
// loop has already demultiplexed onto this stream's inbox.
func (s *Stream) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}

	for {
		msg, ok := <-s.inbox
		if !ok {
			s.eof = true
			return 0, io.EOF
		}

		switch msg.Cmd {
		case circuit.RelayData:
			if err := s.handleDataReceived(); err != nil {
				return 0, err
			}
			n := copy(p, msg.Data)
			if n < len(msg.Data) {
				s.buf = append(s.buf, msg.Data[n:]...)
			}
			return n, nil
		case circuit.RelayEnd:
			s.eof = true
			return 0, io.EOF
		case circuit.RelaySendMe:
			// Stream-level SENDME — relay is ready for more data.
			s.creditStreamWindow(streamSendMeWindow)
			continue
		default:
			return 0, fmt.Errorf("unexpected relay command %d on stream", msg.Cmd)
		}
	}
}

// Close sends RELAY_END to close the stream and releases its circuit-level
// registration.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.Circuit.SendRelay(circuit.RelayEnd, s.ID, []byte{relayEndReasonDone})
	s.Circuit.UnregisterStream(s.ID)
	return err
}
