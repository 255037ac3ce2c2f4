// Package fit drives the proximal-gradient step to convergence with a
// backtracking search on the curvature L and optional FISTA acceleration.
package fit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-ista/internal/device"
	"github.com/23skdu/longbow-ista/internal/linalg"
	"github.com/23skdu/longbow-ista/internal/simd"
)

var tracer = otel.Tracer("ista-fit")

// Stepper is the part of solver.Solver used by Run.
type Stepper[T device.Float] interface {
	L0() T
	Objective(ctx context.Context, x linalg.Matrix[T], y, beta []T) (T, error)
	Majorizer(ctx context.Context, x linalg.Matrix[T], y, beta, betaPrime []T, l T) (T, error)
	Step(ctx context.Context, x linalg.Matrix[T], y, beta []T, l, threshold T) ([]T, error)
}

// Iteration records one accepted step.
type Iteration struct {
	Iteration  int
	Lipschitz  float64
	Objective  float64 // ||Xβ − Y||² + λ||β||₁
	NonZero    int
	Backtracks int
}

// Result is the outcome of Run. On cancellation or backtracking failure a
// partial Result is returned together with the error.
type Result[T device.Float] struct {
	Beta       []T
	Lipschitz  T
	Objective  float64
	Iterations int
	Converged  bool
	History    []Iteration
	Elapsed    time.Duration
}

// Run minimizes ||Xβ − Y||² + λ||β||₁ starting from beta0 (zeros when nil).
//
// Each iteration searches for the smallest L = L_prev·Eta^k with
//
//	Objective(β') ≤ Majorizer(β', point, L)
//
// where β' = Step(point, L, λ). L never decreases between iterations. The
// loop stops when ||β_{k+1} − β_k||² ≤ Tol²·max(1, ||β_k||²).
func Run[T device.Float](ctx context.Context, s Stepper[T], x linalg.Matrix[T], y, beta0 []T, cfg Config) (*Result[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(y) != x.Rows {
		return nil, fmt.Errorf("fit: %w: Y has %d entries, X has %d rows", linalg.ErrDimensionMismatch, len(y), x.Rows)
	}
	if beta0 != nil && len(beta0) != x.Cols {
		return nil, fmt.Errorf("fit: %w: beta0 has %d entries, X has %d columns", linalg.ErrDimensionMismatch, len(beta0), x.Cols)
	}

	l := T(cfg.L0)
	if cfg.L0 == 0 {
		l = s.L0()
	}
	if !(l > 0) {
		return nil, fmt.Errorf("%w: starting curvature %v must be positive", ErrInvalidConfig, l)
	}

	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(
		attribute.Int("rows", x.Rows),
		attribute.Int("cols", x.Cols),
		attribute.Float64("lambda", cfg.Lambda),
		attribute.Bool("accelerated", cfg.Accelerated),
	)

	start := time.Now()
	lambda := T(cfg.Lambda)
	slack := slackFor[T]()

	beta := make([]T, x.Cols)
	copy(beta, beta0)
	point := beta
	momentum := 1.0

	res := &Result[T]{Beta: beta, Lipschitz: l}
	finish := func(outcome string, err error) (*Result[T], error) {
		res.Elapsed = time.Since(start)
		runsTotal.WithLabelValues(outcome).Inc()
		span.SetAttributes(
			attribute.Int("iterations", res.Iterations),
			attribute.Bool("converged", res.Converged),
		)
		if err != nil {
			span.RecordError(err)
		}
		return res, err
	}

	for k := 1; k <= cfg.MaxIter; k++ {
		if err := ctx.Err(); err != nil {
			return finish("cancelled", fmt.Errorf("fit: iteration %d: %w", k, err))
		}

		next, fNext, backtracks, err := backtrack(ctx, s, x, y, point, &l, lambda, cfg, slack)
		backtracksTotal.Add(float64(backtracks))
		if err != nil {
			return finish("failed", fmt.Errorf("fit: iteration %d: %w", k, err))
		}

		delta := float64(simd.SquaredDistance(next, beta))
		scale := math.Max(1, float64(linalg.NormSqr[T](linalg.NewBLAS[T](), beta)))

		if cfg.Accelerated {
			tNext := (1 + math.Sqrt(1+4*momentum*momentum)) / 2
			w := T((momentum - 1) / tNext)
			point = extrapolate(next, beta, w)
			momentum = tNext
		} else {
			point = next
		}
		beta = next

		it := Iteration{
			Iteration:  k,
			Lipschitz:  float64(l),
			Objective:  float64(fNext) + cfg.Lambda*float64(simd.L1Norm(next)),
			NonZero:    simd.CountNonZero(next),
			Backtracks: backtracks,
		}
		res.History = append(res.History, it)
		res.Beta, res.Lipschitz, res.Objective, res.Iterations = beta, l, it.Objective, k
		iterationsTotal.Inc()

		if cfg.LogEvery > 0 && k%cfg.LogEvery == 0 {
			log.Info().
				Int("iteration", k).
				Float64("objective", it.Objective).
				Float64("lipschitz", it.Lipschitz).
				Int("nnz", it.NonZero).
				Msg("Fit progress")
		}

		if delta <= cfg.Tol*cfg.Tol*scale {
			res.Converged = true
			break
		}
	}

	outcome := "max_iter"
	if res.Converged {
		outcome = "converged"
	}
	log.Debug().
		Int("iterations", res.Iterations).
		Bool("converged", res.Converged).
		Float64("objective", res.Objective).
		Dur("elapsed", time.Since(start)).
		Msg("Fit finished")
	return finish(outcome, nil)
}

// backtrack grows *l until the step from point is majorized. It returns the
// accepted step, its smooth objective and the number of growth steps.
func backtrack[T device.Float](ctx context.Context, s Stepper[T], x linalg.Matrix[T], y, point []T, l *T, lambda T, cfg Config, slack float64) ([]T, T, int, error) {
	for n := 0; ; n++ {
		cand, err := s.Step(ctx, x, y, point, *l, lambda)
		if err != nil {
			return nil, 0, n, err
		}
		f, err := s.Objective(ctx, x, y, cand)
		if err != nil {
			return nil, 0, n, err
		}
		q, err := s.Majorizer(ctx, x, y, cand, point, *l)
		if err != nil {
			return nil, 0, n, err
		}

		if float64(f) <= float64(q)+slack*math.Max(1, math.Abs(float64(q))) {
			return cand, f, n, nil
		}
		if n == cfg.MaxBacktracks {
			return nil, 0, n, fmt.Errorf("%w: L=%v after %d increases", ErrBacktrackExhausted, *l, n)
		}
		*l *= T(cfg.Eta)
	}
}

// extrapolate returns next + w·(next − prev) in a new slice.
func extrapolate[T device.Float](next, prev []T, w T) []T {
	point := append([]T(nil), next...)
	simd.AddScaled(point, next, w)
	simd.AddScaled(point, prev, -w)
	return point
}

// slackFor is the relative rounding allowance in the majorization test.
func slackFor[T device.Float]() float64 {
	if device.PrecisionOf[T]() == device.Float32 {
		return 1e-6
	}
	return 1e-12
}
