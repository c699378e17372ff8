package cell

import "fmt"

// ErrTruncatedCell is returned by Reader.ReadCell when the stream ends
// partway through a cell's body.
type ErrTruncatedCell struct {
	Wanted, Got int
}

func (e *ErrTruncatedCell) Error() string {
	return fmt.Sprintf("cell: truncated cell (wanted %d bytes, got %d)", e.Wanted, e.Got)
}

// ErrUnknownCommand is non-fatal: the cell decoded structurally but its
// command byte is not one decode_one recognizes. Callers should log and
// skip rather than abort the link.
type ErrUnknownCommand struct {
	Command uint8
}

func (e *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("cell: unknown command %d", e.Command)
}

// ErrOversizedVariable is returned when a variable-length cell declares a
// payload longer than MaxVarPayloadLen.
type ErrOversizedVariable struct {
	Declared int
}

func (e *ErrOversizedVariable) Error() string {
	return fmt.Sprintf("cell: variable-length payload too large: %d bytes (max %d)", e.Declared, MaxVarPayloadLen)
}

// KnownCommand reports whether cmd is one of the commands this codec
// version recognizes in any context (fixed or variable-length).
func KnownCommand(cmd uint8) bool {
	switch cmd {
	case CmdPadding, CmdCreate, CmdCreated, CmdRelay, CmdDestroy, CmdCreateFast,
		CmdCreatedFast, CmdVersions, CmdNetInfo, CmdRelayEarly, CmdCreate2,
		CmdCreated2, CmdPaddingNegotiate, CmdVPadding, CmdCerts, CmdAuthChallenge,
		CmdAuthenticate:
		return true
	default:
		return false
	}
}
