// Package solver implements the ISTA proximal-gradient step for
// L1-regularized least squares together with the objective and the quadratic
// majorizer used by backtracking line searches.
//
// The least-squares term is f(β) = ||Xβ − Y||² with gradient
// ∇f(β) = 2Xᵀ(Xβ − Y). A step at curvature L is
//
//	β' = S_{λ/L}(β − ∇f(β)/L)
//
// where S_t is elementwise soft-thresholding, executed as a kernel on the
// injected device backend.
package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-ista/internal/device"
	"github.com/23skdu/longbow-ista/internal/linalg"
	"github.com/23skdu/longbow-ista/internal/prox"
)

var tracer = otel.Tracer("ista-solver")

var (
	// ErrInvalidCurvature is returned when L is not a positive number.
	ErrInvalidCurvature = errors.New("solver: curvature must be positive")

	// ErrInvalidThreshold is returned when the regularization weight is
	// negative or NaN.
	ErrInvalidThreshold = errors.New("solver: threshold must be non-negative")
)

// Solver holds the compiled proximal operator and the seed curvature. All
// numeric state is passed per call; methods never modify their inputs.
type Solver[T device.Float] struct {
	engine    linalg.Engine[T]
	prox      *prox.SoftThreshold[T]
	l0        T
	precision string
}

// Option configures a Solver.
type Option[T device.Float] func(*Solver[T])

// WithEngine replaces the default BLAS engine.
func WithEngine[T device.Float](e linalg.Engine[T]) Option[T] {
	return func(s *Solver[T]) {
		s.engine = e
	}
}

// New compiles the soft-threshold kernel for T on backend. l0 is kept as the
// default starting curvature for outer loops and is never modified.
func New[T device.Float](backend device.Backend, l0 T, opts ...Option[T]) (*Solver[T], error) {
	op, err := prox.NewSoftThreshold[T](backend)
	if err != nil {
		return nil, fmt.Errorf("solver: %w", err)
	}

	s := &Solver[T]{
		engine:    linalg.NewBLAS[T](),
		prox:      op,
		l0:        l0,
		precision: device.PrecisionOf[T]().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// L0 returns the seed curvature given at construction.
func (s *Solver[T]) L0() T {
	return s.l0
}

// Close releases the compiled kernel.
func (s *Solver[T]) Close() {
	s.prox.Close()
}

// Objective returns ||Xβ − Y||².
func (s *Solver[T]) Objective(ctx context.Context, x linalg.Matrix[T], y, beta []T) (T, error) {
	_, span := tracer.Start(ctx, "Objective")
	defer span.End()
	evaluations.WithLabelValues("objective", s.precision).Inc()

	r, err := s.residual(x, y, beta)
	if err != nil {
		return 0, record(span, fmt.Errorf("solver: objective: %w", err))
	}
	return linalg.NormSqr(s.engine, r), nil
}

// Majorizer returns the quadratic upper bound of f around betaPrime
// evaluated at beta:
//
//	f(β') + <∇f(β'), β − β'> + (L/2)||β − β'||²
//
// It equals f(β') when beta == betaPrime for any L, including L ≤ 0, and
// grows with L otherwise. Only Step requires L > 0.
func (s *Solver[T]) Majorizer(ctx context.Context, x linalg.Matrix[T], y, beta, betaPrime []T, l T) (T, error) {
	_, span := tracer.Start(ctx, "Majorizer")
	defer span.End()
	evaluations.WithLabelValues("majorizer", s.precision).Inc()

	r, err := s.residual(x, y, betaPrime)
	if err != nil {
		return 0, record(span, fmt.Errorf("solver: majorizer: %w", err))
	}
	f := linalg.NormSqr(s.engine, r)

	g, err := s.gradient(x, r)
	if err != nil {
		return 0, record(span, fmt.Errorf("solver: majorizer: %w", err))
	}

	diff := append([]T(nil), beta...)
	if err := s.engine.Axpy(-1, betaPrime, diff); err != nil {
		return 0, record(span, fmt.Errorf("solver: majorizer: %w", err))
	}

	linear, err := s.engine.Dot(g, diff)
	if err != nil {
		return 0, record(span, fmt.Errorf("solver: majorizer: %w", err))
	}
	quadratic := l / 2 * linalg.NormSqr(s.engine, diff)

	return f + linear + quadratic, nil
}

// Step performs one proximal-gradient update and returns a new slice:
//
//	β' = S_{threshold/L}(β − (2/L)·Xᵀ(Xβ − Y))
//
// The soft-threshold runs on the device; Step blocks until it completed.
func (s *Solver[T]) Step(ctx context.Context, x linalg.Matrix[T], y, beta []T, l, threshold T) ([]T, error) {
	ctx, span := tracer.Start(ctx, "Step")
	defer span.End()
	span.SetAttributes(
		attribute.Int("rows", x.Rows),
		attribute.Int("cols", x.Cols),
		attribute.Float64("lipschitz", float64(l)),
	)

	if !(l > 0) {
		return nil, record(span, fmt.Errorf("%w: L=%v", ErrInvalidCurvature, l))
	}
	if !(threshold >= 0) {
		return nil, record(span, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold))
	}
	start := time.Now()

	r, err := s.residual(x, y, beta)
	if err != nil {
		return nil, record(span, fmt.Errorf("solver: step: %w", err))
	}
	g, err := s.gradient(x, r)
	if err != nil {
		return nil, record(span, fmt.Errorf("solver: step: %w", err))
	}

	z := append([]T(nil), beta...)
	if err := s.engine.Axpy(-1/l, g, z); err != nil {
		return nil, record(span, fmt.Errorf("solver: step: %w", err))
	}

	out, err := s.prox.Apply(ctx, z, threshold/l)
	if err != nil {
		return nil, record(span, fmt.Errorf("solver: step: soft-threshold: %w", err))
	}

	stepDuration.WithLabelValues(s.precision).Observe(time.Since(start).Seconds())
	return out, nil
}

// residual returns Xβ − Y in a new slice.
func (s *Solver[T]) residual(x linalg.Matrix[T], y, beta []T) ([]T, error) {
	r := append([]T(nil), y...)
	if err := s.engine.Gemv(false, 1, x, beta, -1, r); err != nil {
		return nil, err
	}
	return r, nil
}

// gradient returns 2Xᵀr.
func (s *Solver[T]) gradient(x linalg.Matrix[T], r []T) ([]T, error) {
	g := make([]T, x.Cols)
	if err := s.engine.Gemv(true, 2, x, r, 0, g); err != nil {
		return nil, err
	}
	return g, nil
}

func record(span trace.Span, err error) error {
	span.RecordError(err)
	return err
}
