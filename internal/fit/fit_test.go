package fit

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-ista/internal/device"
	"github.com/23skdu/longbow-ista/internal/linalg"
	"github.com/23skdu/longbow-ista/internal/solver"
)

func newSolver[T device.Float](t *testing.T, l0 T) *solver.Solver[T] {
	t.Helper()
	backend := device.NewCPUBackend()
	s, err := solver.New[T](backend, l0)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		_ = backend.Close()
	})
	return s
}

func identity(t *testing.T) linalg.Matrix[float64] {
	t.Helper()
	x, err := linalg.NewMatrix(2, 2, []float64{1, 0, 0, 1})
	require.NoError(t, err)
	return x
}

func randomProblem(t *testing.T, rows, cols int, seed uint64) (linalg.Matrix[float64], []float64) {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, 7))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	x, err := linalg.NewMatrix(rows, cols, data)
	require.NoError(t, err)

	truth := make([]float64, cols)
	truth[0], truth[cols/2] = 3, -2
	y := make([]float64, rows)
	for i := range y {
		row := x.Row(i)
		for j := range row {
			y[i] += row[j] * truth[j]
		}
		y[i] += 0.1 * rng.NormFloat64()
	}
	return x, y
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative lambda", func(c *Config) { c.Lambda = -1 }},
		{"nan lambda", func(c *Config) { c.Lambda = math.NaN() }},
		{"negative L0", func(c *Config) { c.L0 = -2 }},
		{"eta not growing", func(c *Config) { c.Eta = 1 }},
		{"negative backtracks", func(c *Config) { c.MaxBacktracks = -1 }},
		{"no iterations", func(c *Config) { c.MaxIter = 0 }},
		{"negative tol", func(c *Config) { c.Tol = -1e-3 }},
		{"negative log interval", func(c *Config) { c.LogEvery = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestRun_Identity(t *testing.T) {
	s := newSolver[float64](t, 1)
	cfg := DefaultConfig()
	cfg.Lambda = 1

	res, err := Run[float64](context.Background(), s, identity(t), []float64{3, 5}, nil, cfg)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, []float64{2.5, 4.5}, res.Beta)
	assert.Equal(t, 2.0, res.Lipschitz)
	assert.Equal(t, 2, res.Iterations)
	assert.InDelta(t, 7.5, res.Objective, 1e-12)

	require.Len(t, res.History, 2)
	assert.Equal(t, 1, res.History[0].Backtracks)
	assert.Equal(t, 0, res.History[1].Backtracks)
	assert.Equal(t, 2, res.History[1].NonZero)
}

func TestRun_Float32(t *testing.T) {
	s := newSolver[float32](t, 1)
	x, err := linalg.NewMatrix(2, 2, []float32{1, 0, 0, 1})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Lambda = 1
	res, err := Run[float32](context.Background(), s, x, []float32{3, 5}, nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, []float32{2.5, 4.5}, res.Beta)
}

func TestRun_WarmStartAtOptimum(t *testing.T) {
	s := newSolver[float64](t, 2)
	cfg := DefaultConfig()
	cfg.Lambda = 1

	res, err := Run[float64](context.Background(), s, identity(t), []float64{3, 5}, []float64{2.5, 4.5}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iterations)
	assert.True(t, res.Converged)
}

// kktResidual returns the largest violation of the Lasso optimality
// conditions: 2Xⱼᵀ(Y − Xβ) = λ·sign(βⱼ) for βⱼ ≠ 0 and |2Xⱼᵀ(Y − Xβ)| ≤ λ
// otherwise.
func kktResidual(x linalg.Matrix[float64], y, beta []float64, lambda float64) float64 {
	xd := x.Dense()
	var r, g mat.VecDense
	r.MulVec(xd, mat.NewVecDense(len(beta), beta))
	r.SubVec(mat.NewVecDense(len(y), y), &r)
	g.MulVec(xd.T(), &r)

	worst := 0.0
	for j, b := range beta {
		gj := 2 * g.AtVec(j)
		var v float64
		if b != 0 {
			v = math.Abs(gj - lambda*math.Copysign(1, b))
		} else {
			v = math.Max(0, math.Abs(gj)-lambda)
		}
		worst = math.Max(worst, v)
	}
	return worst
}

func TestRun_Optimality(t *testing.T) {
	x, y := randomProblem(t, 40, 8, 11)
	cfg := DefaultConfig()
	cfg.Lambda = 5
	cfg.Tol = 1e-12
	cfg.MaxIter = 20000

	for _, accelerated := range []bool{false, true} {
		name := "ista"
		if accelerated {
			name = "fista"
		}
		t.Run(name, func(t *testing.T) {
			cfg := cfg
			cfg.Accelerated = accelerated
			res, err := Run[float64](context.Background(), newSolver[float64](t, 1), x, y, nil, cfg)
			require.NoError(t, err)
			require.True(t, res.Converged)

			assert.Less(t, kktResidual(x, y, res.Beta, cfg.Lambda), 1e-4)
			assert.NotZero(t, res.Beta[0])
			assert.NotZero(t, res.Beta[4])

			for i := 1; i < len(res.History); i++ {
				assert.GreaterOrEqual(t, res.History[i].Lipschitz, res.History[i-1].Lipschitz, "L must not decrease")
				if !accelerated {
					assert.LessOrEqual(t, res.History[i].Objective, res.History[i-1].Objective+1e-9, "ISTA must descend")
				}
			}
		})
	}
}

func TestRun_AcceleratedMatchesPlain(t *testing.T) {
	x, y := randomProblem(t, 30, 6, 3)
	cfg := DefaultConfig()
	cfg.Lambda = 2
	cfg.Tol = 1e-12
	cfg.MaxIter = 20000

	plain, err := Run[float64](context.Background(), newSolver[float64](t, 1), x, y, nil, cfg)
	require.NoError(t, err)

	cfg.Accelerated = true
	fast, err := Run[float64](context.Background(), newSolver[float64](t, 1), x, y, nil, cfg)
	require.NoError(t, err)

	assert.InDelta(t, plain.Objective, fast.Objective, 1e-6*plain.Objective)
	assert.InDeltaSlice(t, plain.Beta, fast.Beta, 1e-4)
}

func TestExtrapolate(t *testing.T) {
	next := []float64{2, -1, 0, 4, 1}
	prev := []float64{1, 1, 0, 4, -3}
	point := extrapolate(next, prev, 0.5)

	assert.Equal(t, []float64{2.5, -2, 0, 4, 3}, point)
	assert.Equal(t, []float64{2, -1, 0, 4, 1}, next, "inputs are not modified")
	assert.Equal(t, []float64{1, 1, 0, 4, -3}, prev)

	assert.Equal(t, next, extrapolate(next, prev, 0), "zero momentum keeps the step")

	f32 := extrapolate([]float32{1, 2}, []float32{0, 0}, 0.25)
	assert.Equal(t, []float32{1.25, 2.5}, f32)
}

func TestRun_BacktrackExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lambda = 1
	cfg.MaxBacktracks = 0

	res, err := Run[float64](context.Background(), newSolver[float64](t, 1), identity(t), []float64{3, 5}, nil, cfg)
	assert.ErrorIs(t, err, ErrBacktrackExhausted)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Iterations)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run[float64](ctx, newSolver[float64](t, 1), identity(t), []float64{3, 5}, nil, DefaultConfig())
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.False(t, res.Converged)
}

func TestRun_InvalidInput(t *testing.T) {
	s := newSolver[float64](t, 1)
	ctx := context.Background()

	_, err := Run[float64](ctx, s, identity(t), []float64{1, 2, 3}, nil, DefaultConfig())
	assert.ErrorIs(t, err, linalg.ErrDimensionMismatch)

	_, err = Run[float64](ctx, s, identity(t), []float64{1, 2}, []float64{0}, DefaultConfig())
	assert.ErrorIs(t, err, linalg.ErrDimensionMismatch)

	cfg := DefaultConfig()
	cfg.Eta = 0.5
	_, err = Run[float64](ctx, s, identity(t), []float64{1, 2}, nil, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	// A non-positive solver seed without an explicit L0 cannot start.
	_, err = Run[float64](ctx, newSolver[float64](t, 0), identity(t), []float64{1, 2}, nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRun_MaxIter(t *testing.T) {
	x, y := randomProblem(t, 20, 5, 5)
	cfg := DefaultConfig()
	cfg.MaxIter = 3
	cfg.Tol = 0

	res, err := Run[float64](context.Background(), newSolver[float64](t, 1), x, y, nil, cfg)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, res.History, 3)
}
