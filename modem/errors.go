package modem

import "errors"

var (
	// ErrNoDialer is returned when a Device is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a
	// Device that has not been successfully initialized.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Device that has
	// already been closed, or when an operation is attempted afterwards.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry initialization.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrLoopRunning is returned when Loop is called while another Loop
	// invocation is still active.
	ErrLoopRunning = errors.New("loop already running")

	// ErrTimeout is returned when a command exchange or a socket wait
	// exceeds its wall-clock budget. Only the reader loop declares a
	// command exchange timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrCommandFailed is the class of device-reported command failures.
	// Use errors.Is against this to match any CMEError.
	ErrCommandFailed = errors.New("command failed")

	// ErrInvalidSocket is returned when a socket id does not name an
	// acquired entry of the socket table.
	ErrInvalidSocket = errors.New("invalid socket")

	// ErrSocketInUse is returned when the device assigns a socket id that
	// is still acquired locally (a stale entry from a lost close).
	ErrSocketInUse = errors.New("socket id already in use")

	// ErrSocketClosed is returned when the peer has already closed the
	// socket.
	ErrSocketClosed = errors.New("socket closed by peer")

	// ErrTLSInUse is returned when a secure socket is requested while one
	// already exists. The device carries a single TLS context.
	ErrTLSInUse = errors.New("secure socket already in use")

	// ErrUnsupportedOption is returned for socket options the firmware
	// does not implement.
	ErrUnsupportedOption = errors.New("unsupported socket option")
)

// CMEError is a failure reported by the device itself, either as a bare
// ERROR or as "+CME ERROR: <detail>" / "+CMS ERROR: <detail>".
type CMEError struct {
	Detail string
}

func (e *CMEError) Error() string {
	if e.Detail == "" {
		return "command failed"
	}
	return "command failed: " + e.Detail
}

// Is makes errors.Is(err, ErrCommandFailed) match every CMEError.
func (e *CMEError) Is(target error) bool {
	return target == ErrCommandFailed
}
