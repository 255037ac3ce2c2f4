package prox

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-ista/internal/device"
	"github.com/23skdu/longbow-ista/internal/simd"
)

var (
	//go:embed kernels/soft_threshold_f32.cl
	softThresholdF32 string

	//go:embed kernels/soft_threshold_f64.cl
	softThresholdF64 string
)

// EntryPoint is the kernel function name shared by both variants.
const EntryPoint = "soft_threshold"

// ErrUnsupportedType is returned for precisions without a kernel variant.
var ErrUnsupportedType = errors.New("prox: unsupported element type")

var programs = map[device.Precision]device.Program{
	device.Float32: {
		Name:      "soft_threshold_fp32",
		Entry:     EntryPoint,
		Source:    softThresholdF32,
		Precision: device.Float32,
		Host:      hostSoftThreshold[float32],
	},
	device.Float64: {
		Name:      "soft_threshold_fp64",
		Entry:     EntryPoint,
		Source:    softThresholdF64,
		Precision: device.Float64,
		Host:      hostSoftThreshold[float64],
	},
}

// Program returns the soft-threshold program specialized to p.
func Program(p device.Precision) (device.Program, error) {
	prog, ok := programs[p]
	if !ok {
		return device.Program{}, fmt.Errorf("%w: %v", ErrUnsupportedType, p)
	}
	return prog, nil
}

// hostSoftThreshold mirrors the OpenCL kernel: (input, output, threshold).
func hostSoftThreshold[T device.Float](args []any, lo, hi int) {
	input := args[0].([]T)
	output := args[1].([]T)
	threshold := args[2].([]T)
	simd.SoftThreshold(output[lo:hi], input[lo:hi], threshold[0])
}
