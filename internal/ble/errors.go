package ble

import (
	"context"
	"errors"
)

var (
	ErrAdapterUnavailable     = errors.New("ble: adapter unavailable")
	ErrDeviceUnreachable      = errors.New("ble: device unreachable")
	ErrPairingDenied          = errors.New("ble: pairing denied")
	ErrPairingTimeout         = errors.New("ble: pairing timed out")
	ErrServiceNotFound        = errors.New("ble: service not found")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	ErrConnectionLost         = errors.New("ble: connection lost")
	// ErrProtocol wraps payload decode failures.
	ErrProtocol = errors.New("ble: protocol error")
)

// Persistent reports whether err is one that will most likely repeat on the
// next attempt: the peripheral is not the expected device or runs firmware
// with a different layout.
func Persistent(err error) bool {
	return errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrCharacteristicNotFound) ||
		errors.Is(err, ErrProtocol)
}

// Retryable reports whether a later attempt may succeed. Cancellation is
// never retryable; everything else is, since transport failures are
// transient and persistent ones are capped by the caller.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
