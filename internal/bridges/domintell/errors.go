package domintell

import "errors"

// Domain errors for the Domintell bridge package.
var (
	// ErrNotReady is returned when a command is sent while the session has
	// not completed login. The command is dropped, never buffered.
	ErrNotReady = errors.New("domintell: session not ready")

	// ErrConnectionFailed is returned when the WebSocket dial fails.
	ErrConnectionFailed = errors.New("domintell: connection to controller failed")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("domintell: session closed")

	// ErrAuthFailed is returned when the controller's salt reply cannot be used.
	ErrAuthFailed = errors.New("domintell: authentication failed")

	// ErrUnrecognizedLine is returned for lines with an unknown module prefix.
	ErrUnrecognizedLine = errors.New("domintell: unrecognized line")

	// ErrMalformedLine is returned when a known module line has an
	// unparseable or truncated field.
	ErrMalformedLine = errors.New("domintell: malformed line")

	// ErrInvalidCommand is returned when a command cannot be encoded.
	ErrInvalidCommand = errors.New("domintell: invalid command")

	// ErrInvalidDescriptor is returned when a device configuration is incomplete.
	ErrInvalidDescriptor = errors.New("domintell: invalid device descriptor")

	// ErrUnknownKind is returned for an accessory type outside the supported set.
	ErrUnknownKind = errors.New("domintell: unknown accessory kind")

	// ErrUnknownDevice is returned when an identifier is not registered.
	ErrUnknownDevice = errors.New("domintell: unknown device")

	// ErrInvalidValue is returned when a set request carries a value of the
	// wrong type for its characteristic.
	ErrInvalidValue = errors.New("domintell: invalid characteristic value")

	// ErrBridgeStopped is returned when the bridge loop is no longer running.
	ErrBridgeStopped = errors.New("domintell: bridge stopped")
)
