package device

import (
	"fmt"
	"strings"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindCPU    Kind = "cpu"
	KindOpenCL Kind = "opencl"
)

// NormalizeBackend maps arbitrary user input to a canonical backend identifier.
func NormalizeBackend(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu", "host":
		return KindCPU
	case "gpu", "opencl", "cl":
		return KindOpenCL
	default:
		return Kind(name)
	}
}

// SupportedBackends returns the list of backends understood by New.
func SupportedBackends() []Kind {
	return []Kind{KindCPU, KindOpenCL}
}

// New constructs the named backend.
func New(name string) (Backend, error) {
	switch NormalizeBackend(name) {
	case KindCPU:
		return NewCPUBackend(), nil
	case KindOpenCL:
		return NewOpenCLBackend()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
}
