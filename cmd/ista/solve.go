package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-ista/internal/device"
	"github.com/23skdu/longbow-ista/internal/fit"
	"github.com/23skdu/longbow-ista/internal/linalg"
	"github.com/23skdu/longbow-ista/internal/problem"
	"github.com/23skdu/longbow-ista/internal/solver"
)

// defaultL0 seeds the curvature search when neither the flags nor a warm
// start provide one.
const defaultL0 = 1.0

// outcome is fit.Result with the coefficients widened to float64.
type outcome struct {
	Beta       []float64
	Lipschitz  float64
	Objective  float64
	Iterations int
	Converged  bool
	History    []fit.Iteration
	Elapsed    time.Duration
	Precision  device.Precision
}

// solvers holds one compiled solver per available precision.
type solvers struct {
	f32 *solver.Solver[float32]
	f64 *solver.Solver[float64]
}

// newSolvers compiles a solver for each requested precision. A precision
// the device cannot run is skipped with a warning unless it is the only one.
func newSolvers(backend device.Backend, l0 float64, precisions ...device.Precision) (*solvers, error) {
	s := &solvers{}
	for _, p := range precisions {
		var err error
		switch p {
		case device.Float32:
			s.f32, err = solver.New[float32](backend, float32(l0))
		case device.Float64:
			s.f64, err = solver.New[float64](backend, l0)
		default:
			err = fmt.Errorf("%w: %v", device.ErrUnsupportedPrecision, p)
		}
		if err == nil {
			continue
		}
		if len(precisions) == 1 || !errors.Is(err, device.ErrUnsupportedPrecision) {
			s.Close()
			return nil, err
		}
		log.Warn().Err(err).Str("precision", p.String()).Msg("Precision unavailable on this backend")
	}
	return s, nil
}

func (s *solvers) Close() {
	if s.f32 != nil {
		s.f32.Close()
	}
	if s.f64 != nil {
		s.f64.Close()
	}
}

// solve runs fit.Run on p at the given precision. On cancellation or
// backtracking failure the partial outcome is returned with the error.
func (s *solvers) solve(ctx context.Context, prec device.Precision, p *problem.Problem, beta0 []float64, cfg fit.Config) (*outcome, error) {
	switch {
	case prec == device.Float32 && s.f32 != nil:
		return solveAs(ctx, s.f32, p, beta0, cfg)
	case prec == device.Float64 && s.f64 != nil:
		return solveAs(ctx, s.f64, p, beta0, cfg)
	default:
		return nil, fmt.Errorf("%w: %v not available", device.ErrUnsupportedPrecision, prec)
	}
}

func solveAs[T device.Float](ctx context.Context, s *solver.Solver[T], p *problem.Problem, beta0 []float64, cfg fit.Config) (*outcome, error) {
	wide, err := linalg.NewMatrix(p.Rows, p.Cols, p.X)
	if err != nil {
		return nil, err
	}
	x := linalg.ConvertMatrix[float64, T](wide)
	var b0 []T
	if beta0 != nil {
		b0 = linalg.Convert[float64, T](beta0)
	}

	res, err := fit.Run[T](ctx, s, x, linalg.Convert[float64, T](p.Y), b0, cfg)
	if res == nil {
		return nil, err
	}
	return &outcome{
		Beta:       linalg.Convert[T, float64](res.Beta),
		Lipschitz:  float64(res.Lipschitz),
		Objective:  res.Objective,
		Iterations: res.Iterations,
		Converged:  res.Converged,
		History:    res.History,
		Elapsed:    res.Elapsed,
		Precision:  device.PrecisionOf[T](),
	}, err
}
