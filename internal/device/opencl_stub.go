//go:build !opencl

package device

// NewOpenCLBackend returns ErrNotBuilt when OpenCL support is not compiled in.
func NewOpenCLBackend() (Backend, error) {
	return nil, ErrNotBuilt
}

// EnumerateDevices returns ErrNotBuilt when OpenCL support is not compiled in.
func EnumerateDevices() ([]DeviceInfo, error) {
	return nil, ErrNotBuilt
}
