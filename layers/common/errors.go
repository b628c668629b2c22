package common

import "errors"

var (
	// ErrCannotSendEmpty is returned when trying to send an empty payload.
	ErrCannotSendEmpty = errors.New("cannot send empty payload")

	// ErrPayloadTooLarge is returned when a payload does not fit the MTU
	// of the layer it is being sent through.
	ErrPayloadTooLarge = errors.New("payload is larger than mtu")

	// ErrNoHandler is returned by Registry.Dispatch when no handler is
	// registered for the given number.
	ErrNoHandler = errors.New("no handler registered")
)
