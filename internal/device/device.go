package device

import (
	"fmt"
	"strings"
)

// Float is the set of element types a kernel can be specialized to.
type Float interface {
	float32 | float64
}

// Precision identifies the element type of device buffers and kernels.
type Precision uint8

const (
	Float32 Precision = iota
	Float64
)

func (p Precision) String() string {
	switch p {
	case Float32:
		return "fp32"
	case Float64:
		return "fp64"
	default:
		return "unknown"
	}
}

// ParsePrecision accepts "fp32"/"float32"/"f32" and "fp64"/"float64"/"f64".
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fp32", "float32", "f32", "single":
		return Float32, nil
	case "fp64", "float64", "f64", "double":
		return Float64, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedPrecision, s)
	}
}

// Size returns the element size in bytes.
func (p Precision) Size() int {
	if p == Float64 {
		return 8
	}
	return 4
}

// PrecisionOf maps a type parameter to its Precision.
func PrecisionOf[T Float]() Precision {
	var zero T
	switch any(zero).(type) {
	case float64:
		return Float64
	default:
		return Float32
	}
}

// DeviceType describes the class of a compute device.
type DeviceType string

const (
	DeviceTypeGPU         DeviceType = "GPU"
	DeviceTypeCPU         DeviceType = "CPU"
	DeviceTypeAccelerator DeviceType = "Accelerator"
	DeviceTypeDefault     DeviceType = "Default"
	DeviceTypeUnknown     DeviceType = "Unknown"
)

// DeviceInfo captures metadata about the device behind a backend.
type DeviceInfo struct {
	Name            string
	Vendor          string
	Version         string
	Type            DeviceType
	ComputeUnits    int
	DoublePrecision bool
}

// HostKernel is the host implementation of a kernel entry point. args holds
// one raw slice ([]float32 or []float64) per kernel parameter, in declaration
// order. It must process the work items in [lo, hi) only.
type HostKernel func(args []any, lo, hi int)

// Program is the source of one kernel entry point specialized to a single
// precision. Device backends compile Source; the CPU backend validates Source
// and executes Host.
type Program struct {
	Name      string
	Entry     string
	Source    string
	Precision Precision
	Host      HostKernel
}

// Buffer is device-resident memory holding Len elements of one precision.
type Buffer interface {
	Len() int
	Precision() Precision

	// Upload copies a host slice ([]float32 or []float64) of exactly Len
	// elements to the device. It blocks until the copy is complete.
	Upload(src any) error

	// Download copies the buffer into a host slice of exactly Len elements.
	// It is ordered after every launch enqueued before it.
	Download(dst any) error

	Release()
}

// Event tracks completion of an enqueued launch.
type Event interface {
	// Wait blocks until the launch finished and reports its error.
	Wait() error
}

// Kernel is a compiled entry point bound to the backend that compiled it.
type Kernel interface {
	Name() string
	Precision() Precision

	// Arity is the number of buffer parameters the entry point declares.
	Arity() int

	// Enqueue schedules the kernel over global work items. It returns as soon
	// as the launch is queued; use the Event (or Backend.Synchronize) to wait.
	Enqueue(global int, args ...Buffer) (Event, error)

	Release()
}

// Backend compiles programs and manages device memory.
type Backend interface {
	Name() string
	Info() DeviceInfo
	Compile(p Program) (Kernel, error)
	NewBuffer(n int, p Precision) (Buffer, error)

	// Synchronize blocks until all queued operations are complete.
	Synchronize() error

	Close() error
}
