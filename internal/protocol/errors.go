package protocol

import "errors"

var (
	// ErrTryAgain is a transient control-flow signal: no data yet, or no
	// free receive buffer within the poll timeout. Callers retry.
	ErrTryAgain = errors.New("try again")

	// ErrDisconnected is returned once the connection or stream socket
	// has been torn down.
	ErrDisconnected = errors.New("disconnected")

	// ErrFrameTooLarge means a reliable prefix advertised a payload above
	// the configured maximum. Connection-fatal.
	ErrFrameTooLarge = errors.New("frame payload too large")

	// ErrDatagramTooLarge means a send does not fit in one datagram.
	ErrDatagramTooLarge = errors.New("datagram too large")

	// ErrProtocolMismatch means the peer speaks another protocol version.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrShortPrefix means fewer bytes than a prefix were supplied.
	ErrShortPrefix = errors.New("short prefix")
)
