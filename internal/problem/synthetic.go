package problem

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SyntheticConfig describes a random sparse regression problem.
type SyntheticConfig struct {
	Rows    int
	Cols    int
	NonZero int     // Support size of the ground truth
	Noise   float64 // Standard deviation of the additive noise
	Lambda  float64
	Seed    uint64
}

// Synthetic draws X with standard normal entries, a ground truth with
// NonZero coefficients of magnitude in [1, 3] and random sign, and
// Y = X·truth + noise. The same config always yields the same problem.
func Synthetic(cfg SyntheticConfig) (*Problem, error) {
	if cfg.Rows < 1 || cfg.Cols < 1 || cfg.Cols > math.MaxInt/cfg.Rows {
		return nil, fmt.Errorf("%w: shape %dx%d", ErrInvalidProblem, cfg.Rows, cfg.Cols)
	}
	if cfg.NonZero < 0 || cfg.NonZero > cfg.Cols {
		return nil, fmt.Errorf("%w: support %d outside [0, %d]", ErrInvalidProblem, cfg.NonZero, cfg.Cols)
	}
	if cfg.Noise < 0 {
		return nil, fmt.Errorf("%w: noise %v", ErrInvalidProblem, cfg.Noise)
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d)
	rng := rand.New(src)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	magnitude := distuv.Uniform{Min: 1, Max: 3, Src: src}

	x := make([]float64, cfg.Rows*cfg.Cols)
	for i := range x {
		x[i] = normal.Rand()
	}

	truth := make([]float64, cfg.Cols)
	for _, j := range rng.Perm(cfg.Cols)[:cfg.NonZero] {
		v := magnitude.Rand()
		if rng.IntN(2) == 0 {
			v = -v
		}
		truth[j] = v
	}

	var y mat.VecDense
	y.MulVec(mat.NewDense(cfg.Rows, cfg.Cols, x), mat.NewVecDense(cfg.Cols, truth))
	if cfg.Noise > 0 {
		for i := 0; i < cfg.Rows; i++ {
			y.SetVec(i, y.AtVec(i)+cfg.Noise*normal.Rand())
		}
	}

	p := &Problem{
		Rows:   cfg.Rows,
		Cols:   cfg.Cols,
		X:      x,
		Y:      append([]float64(nil), y.RawVector().Data...),
		Lambda: cfg.Lambda,
		Truth:  truth,
	}
	return p, p.Validate()
}
