package linalg

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/23skdu/longbow-ista/internal/device"
)

// Engine is the dense linear algebra used by the solver. Implementations
// validate dimensions and return ErrDimensionMismatch instead of panicking.
type Engine[T device.Float] interface {
	// Gemv computes y = alpha*op(A)*x + beta*y where op(A) is Aᵀ when trans
	// is set. With beta == 0 the previous contents of y are ignored.
	Gemv(trans bool, alpha T, a Matrix[T], x []T, beta T, y []T) error

	// Axpy computes y += alpha*x.
	Axpy(alpha T, x, y []T) error

	// Dot returns xᵀy.
	Dot(x, y []T) (T, error)
}

// ensure interface compliance
var (
	_ Engine[float32] = BLAS[float32]{}
	_ Engine[float64] = BLAS[float64]{}
)

// BLAS implements Engine on top of the registered gonum BLAS
// implementation (pure Go by default, netlib when built with -tags netlib).
type BLAS[T device.Float] struct{}

func NewBLAS[T device.Float]() BLAS[T] {
	return BLAS[T]{}
}

func (BLAS[T]) Gemv(trans bool, alpha T, a Matrix[T], x []T, beta T, y []T) error {
	m, n := a.Rows, a.Cols
	if len(a.Data) != m*n {
		return fmt.Errorf("%w: matrix %dx%d holds %d elements", ErrDimensionMismatch, m, n, len(a.Data))
	}
	lenX, lenY := n, m
	tA := blas.NoTrans
	if trans {
		lenX, lenY = m, n
		tA = blas.Trans
	}
	if len(x) != lenX || len(y) != lenY {
		return fmt.Errorf("%w: op(A) is %dx%d, x has %d, y has %d", ErrDimensionMismatch, lenY, lenX, len(x), len(y))
	}

	// BLAS returns early on empty matrices without touching y.
	if m == 0 || n == 0 {
		scal(beta, y)
		return nil
	}

	switch data := any(a.Data).(type) {
	case []float64:
		blas64.Gemv(tA, float64(alpha),
			blas64.General{Rows: m, Cols: n, Stride: n, Data: data},
			blas64.Vector{N: lenX, Inc: 1, Data: any(x).([]float64)},
			float64(beta),
			blas64.Vector{N: lenY, Inc: 1, Data: any(y).([]float64)})
	case []float32:
		blas32.Gemv(tA, float32(alpha),
			blas32.General{Rows: m, Cols: n, Stride: n, Data: data},
			blas32.Vector{N: lenX, Inc: 1, Data: any(x).([]float32)},
			float32(beta),
			blas32.Vector{N: lenY, Inc: 1, Data: any(y).([]float32)})
	}
	return nil
}

func (BLAS[T]) Axpy(alpha T, x, y []T) error {
	if len(x) != len(y) {
		return fmt.Errorf("%w: axpy of %d and %d", ErrDimensionMismatch, len(x), len(y))
	}
	switch xs := any(x).(type) {
	case []float64:
		blas64.Axpy(float64(alpha), blas64.Vector{N: len(xs), Inc: 1, Data: xs}, blas64.Vector{N: len(y), Inc: 1, Data: any(y).([]float64)})
	case []float32:
		blas32.Axpy(float32(alpha), blas32.Vector{N: len(xs), Inc: 1, Data: xs}, blas32.Vector{N: len(y), Inc: 1, Data: any(y).([]float32)})
	}
	return nil
}

func (BLAS[T]) Dot(x, y []T) (T, error) {
	if len(x) != len(y) {
		return 0, fmt.Errorf("%w: dot of %d and %d", ErrDimensionMismatch, len(x), len(y))
	}
	switch xs := any(x).(type) {
	case []float64:
		return T(blas64.Dot(blas64.Vector{N: len(xs), Inc: 1, Data: xs}, blas64.Vector{N: len(y), Inc: 1, Data: any(y).([]float64)})), nil
	case []float32:
		return T(blas32.Dot(blas32.Vector{N: len(xs), Inc: 1, Data: xs}, blas32.Vector{N: len(y), Inc: 1, Data: any(y).([]float32)})), nil
	}
	return 0, nil
}

func scal[T device.Float](alpha T, x []T) {
	if alpha == 0 {
		// Scal by zero would keep NaN and Inf.
		clear(x)
		return
	}
	switch xs := any(x).(type) {
	case []float64:
		blas64.Scal(float64(alpha), blas64.Vector{N: len(xs), Inc: 1, Data: xs})
	case []float32:
		blas32.Scal(float32(alpha), blas32.Vector{N: len(xs), Inc: 1, Data: xs})
	}
}

// NormSqr returns ||x||² computed with e.
func NormSqr[T device.Float](e Engine[T], x []T) T {
	v, _ := e.Dot(x, x)
	return v
}
