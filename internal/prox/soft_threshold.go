package prox

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-ista/internal/device"
)

// SoftThreshold owns one compiled soft-threshold kernel for element type T.
type SoftThreshold[T device.Float] struct {
	backend device.Backend
	kernel  device.Kernel
}

// NewSoftThreshold compiles the variant matching T on backend. A compile
// failure is fatal for the operator.
func NewSoftThreshold[T device.Float](backend device.Backend) (*SoftThreshold[T], error) {
	prog, err := Program(device.PrecisionOf[T]())
	if err != nil {
		return nil, err
	}

	kernel, err := backend.Compile(prog)
	if err != nil {
		return nil, fmt.Errorf("prox: compile %s on %s: %w", prog.Name, backend.Name(), err)
	}

	log.Debug().
		Str("backend", backend.Name()).
		Str("kernel", prog.Name).
		Msg("Soft-threshold kernel ready")

	return &SoftThreshold[T]{backend: backend, kernel: kernel}, nil
}

// Precision reports the element type the kernel was compiled for.
func (s *SoftThreshold[T]) Precision() device.Precision {
	return s.kernel.Precision()
}

// Apply returns a new slice holding Shrink(input[i], t). The input slice is
// not modified. The threshold travels to the device as a one-element buffer
// and the call blocks until the launch completed and the result is back on
// the host.
func (s *SoftThreshold[T]) Apply(ctx context.Context, input []T, t T) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(input)
	if n == 0 {
		return []T{}, nil
	}
	prec := s.kernel.Precision()

	in, err := s.backend.NewBuffer(n, prec)
	if err != nil {
		return nil, err
	}
	defer in.Release()

	out, err := s.backend.NewBuffer(n, prec)
	if err != nil {
		return nil, err
	}
	defer out.Release()

	thr, err := s.backend.NewBuffer(1, prec)
	if err != nil {
		return nil, err
	}
	defer thr.Release()

	if err := in.Upload(input); err != nil {
		return nil, err
	}
	if err := thr.Upload([]T{t}); err != nil {
		return nil, err
	}

	ev, err := s.kernel.Enqueue(n, in, out, thr)
	if err != nil {
		return nil, err
	}
	if err := ev.Wait(); err != nil {
		return nil, err
	}

	result := make([]T, n)
	if err := out.Download(result); err != nil {
		return nil, err
	}
	return result, nil
}

// Close releases the compiled kernel. The backend stays open.
func (s *SoftThreshold[T]) Close() {
	s.kernel.Release()
}
