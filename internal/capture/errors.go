package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no frame arrives within the retry bound
	ErrTimeout = errors.New("timed out waiting for frames")
	// ErrInvalidCameraSelection is returned for duplicate, missing, or mixed
	// simulated and real cameras
	ErrInvalidCameraSelection = errors.New("invalid camera selection")
	// ErrDriver marks any failure reported by the acquisition runtime
	ErrDriver = errors.New("driver error")
	// ErrUnknownPixelType is returned for pixel types other than 8bit and 16bit
	ErrUnknownPixelType = errors.New("unknown pixel type")
	// ErrBufferOverflow is returned by a Host whose circular buffer is full
	ErrBufferOverflow = errors.New("circular buffer overflow")
	// ErrBusy is returned when an operation conflicts with the current state
	ErrBusy = errors.New("camera busy acquiring")
	// ErrNotConfigured is returned when acquiring before Configure succeeded
	ErrNotConfigured = errors.New("camera not configured")
	// ErrDriverUnavailable is returned when the runtime failed to initialize or
	// has been shut down. No acquisition is possible in that case.
	ErrDriverUnavailable = errors.New("acquisition driver unavailable")
	// ErrRangeClosed is returned when reading a stream range after its unmap
	ErrRangeClosed = errors.New("stream range already unmapped")
	// ErrInvalidChannel is returned for channel indexes without an image buffer
	ErrInvalidChannel = errors.New("nonexistent channel")
)

// DriverError wraps a failure returned by the acquisition runtime.
// It matches both ErrDriver and the underlying cause with errors.Is.
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s failed: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() []error {
	return []error{ErrDriver, e.Err}
}

func driverErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DriverError{Op: op, Err: err}
}
