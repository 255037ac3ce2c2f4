package device

import "errors"

var (
	// ErrUnknownBackend is returned when a name does not match a known backend.
	ErrUnknownBackend = errors.New("device: unknown backend")

	// ErrNotBuilt is returned when a backend was not compiled into the binary.
	ErrNotBuilt = errors.New("device: backend not built (rebuild with the matching build tag)")

	// ErrNoDevices indicates that no usable device was found.
	ErrNoDevices = errors.New("device: no devices found")

	// ErrBackendClosed is returned by operations on a closed backend.
	ErrBackendClosed = errors.New("device: backend closed")

	// ErrCompile wraps program compilation failures.
	ErrCompile = errors.New("device: program compilation failed")

	// ErrLaunch wraps failures raised while a kernel executes.
	ErrLaunch = errors.New("device: kernel launch failed")

	// ErrPrecisionMismatch is returned when buffers, kernels or host slices
	// disagree on the element type.
	ErrPrecisionMismatch = errors.New("device: precision mismatch")

	// ErrUnsupportedPrecision is returned for element types the device or
	// the API cannot handle.
	ErrUnsupportedPrecision = errors.New("device: unsupported precision")

	// ErrArity is returned when a launch passes the wrong number of buffers.
	ErrArity = errors.New("device: wrong number of kernel arguments")

	// ErrForeignBuffer is returned when a buffer from another backend is used.
	ErrForeignBuffer = errors.New("device: buffer belongs to another backend")

	// ErrLengthMismatch is returned when a host slice does not match a buffer.
	ErrLengthMismatch = errors.New("device: length mismatch")

	// ErrInvalidLength is returned for non-positive buffer sizes or ranges.
	ErrInvalidLength = errors.New("device: invalid length")

	// ErrReleased is returned when a released buffer or kernel is used.
	ErrReleased = errors.New("device: use after release")
)
