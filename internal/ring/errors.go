package ring

import "errors"

// Sentinel errors for the ring link. Callers and the HTTP layer match
// these with errors.Is to pick status text and response codes.
var (
	// ErrDeviceNotFound is returned by Connect when the requested id was
	// never seen by a scan.
	ErrDeviceNotFound = errors.New("ring not found in scan results")
	// ErrConnectInProgress is returned by Connect while another connect
	// attempt is still pending.
	ErrConnectInProgress = errors.New("connect already in progress")
	// ErrConnectTimeout marks a connect attempt that exceeded its deadline.
	ErrConnectTimeout = errors.New("connect timed out")
	// ErrUnexpectedDisconnect marks a link dropped by the peripheral.
	ErrUnexpectedDisconnect = errors.New("ring disconnected unexpectedly")
	// ErrRetriesExhausted marks a reconnection abandoned after the policy's
	// attempt budget was spent.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrInvalidPayload marks a tap notification that could not be decoded.
	ErrInvalidPayload = errors.New("invalid tap payload")
	// ErrBusy is returned when an operation is illegal in the current
	// connection phase, e.g. starting a scan while connected.
	ErrBusy = errors.New("operation not allowed in current phase")
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("ring manager closed")
)
