package fit

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidConfig is returned by Validate and Run for unusable settings.
	ErrInvalidConfig = errors.New("fit: invalid config")

	// ErrBacktrackExhausted is returned when no curvature within
	// MaxBacktracks growth steps majorizes the objective.
	ErrBacktrackExhausted = errors.New("fit: backtracking exhausted")
)

// Config controls the outer ISTA/FISTA loop.
type Config struct {
	Lambda        float64 // L1 regularization weight (λ)
	L0            float64 // Starting curvature; 0 uses the solver seed
	Eta           float64 // Curvature growth factor per backtrack (> 1)
	MaxBacktracks int     // Backtracks allowed per iteration
	MaxIter       int     // Maximum number of iterations
	Tol           float64 // Relative change in β that counts as converged
	Accelerated   bool    // Use FISTA momentum
	LogEvery      int     // Progress log interval in iterations; 0 disables
}

// DefaultConfig returns recommended default parameters.
func DefaultConfig() Config {
	return Config{
		Lambda:        0.1,
		L0:            0,
		Eta:           2,
		MaxBacktracks: 50,
		MaxIter:       1000,
		Tol:           1e-6,
		Accelerated:   false,
		LogEvery:      100,
	}
}

func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.Lambda) || c.Lambda < 0:
		return fmt.Errorf("%w: lambda %v must be non-negative", ErrInvalidConfig, c.Lambda)
	case math.IsNaN(c.L0) || c.L0 < 0:
		return fmt.Errorf("%w: L0 %v must be non-negative", ErrInvalidConfig, c.L0)
	case !(c.Eta > 1):
		return fmt.Errorf("%w: eta %v must be greater than 1", ErrInvalidConfig, c.Eta)
	case c.MaxBacktracks < 0:
		return fmt.Errorf("%w: max backtracks %d must be non-negative", ErrInvalidConfig, c.MaxBacktracks)
	case c.MaxIter < 1:
		return fmt.Errorf("%w: max iterations %d must be positive", ErrInvalidConfig, c.MaxIter)
	case math.IsNaN(c.Tol) || c.Tol < 0:
		return fmt.Errorf("%w: tolerance %v must be non-negative", ErrInvalidConfig, c.Tol)
	case c.LogEvery < 0:
		return fmt.Errorf("%w: log interval %d must be non-negative", ErrInvalidConfig, c.LogEvery)
	}
	return nil
}
