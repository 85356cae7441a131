package fluxstat

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine. Callers should match them with
// errors.Is; most are wrapped with additional context.
var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrBusy            = errors.New("capture in progress")
	ErrTimeout         = errors.New("timed out waiting for capture")
	ErrCaptureAborted  = errors.New("capture aborted")
	ErrNoData          = errors.New("no capture data")
	ErrOverflow        = errors.New("capture buffer overflow")
	ErrSectorNotFound  = errors.New("sector not found")

	// ErrStaleCapture is returned when a capture snapshot from an earlier
	// session is handed back after a new session was started. It also
	// matches ErrNoData.
	ErrStaleCapture = fmt.Errorf("stale capture snapshot: %w", ErrNoData)
)
