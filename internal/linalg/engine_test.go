package linalg

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewMatrix(t *testing.T) {
	m, err := NewMatrix(2, 3, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, 6.0, m.At(1, 2))
	assert.Equal(t, []float64{4, 5, 6}, m.Row(1))

	_, err = NewMatrix(2, 2, []float32{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadShape)

	_, err = NewMatrix(-1, 2, []float32{})
	assert.ErrorIs(t, err, ErrBadShape)

	_, err = NewMatrix[float64](4, 1<<62, nil)
	assert.ErrorIs(t, err, ErrBadShape, "rows*cols wraps to zero")
}

func TestMatrix_DenseRoundTrip(t *testing.T) {
	d := mat.NewDense(2, 2, []float64{1.5, -2, 0, 4})
	m := FromDense[float32](d)
	assert.Equal(t, []float32{1.5, -2, 0, 4}, m.Data)
	assert.True(t, mat.Equal(d, m.Dense()))

	wide := ConvertMatrix[float32, float64](m)
	assert.Equal(t, []float64{1.5, -2, 0, 4}, wide.Data)
}

func TestBLAS_GemvAgainstGonum(t *testing.T) {
	data := []float64{
		1, 2, 3,
		4, 5, 6,
	}
	a, err := NewMatrix(2, 3, data)
	require.NoError(t, err)
	dense := mat.NewDense(2, 3, data)

	e := NewBLAS[float64]()

	t.Run("NoTrans", func(t *testing.T) {
		x := []float64{1, -1, 2}
		y := []float64{math.NaN(), math.NaN()}
		require.NoError(t, e.Gemv(false, 1, a, x, 0, y))

		var want mat.VecDense
		want.MulVec(dense, mat.NewVecDense(3, x))
		assert.InDeltaSlice(t, want.RawVector().Data, y, 1e-12)
	})

	t.Run("Trans", func(t *testing.T) {
		x := []float64{1, 2}
		y := []float64{1, 1, 1}
		require.NoError(t, e.Gemv(true, 2, a, x, -1, y))

		var want mat.VecDense
		want.MulVec(dense.T(), mat.NewVecDense(2, x))
		for i := range y {
			assert.InDelta(t, 2*want.AtVec(i)-1, y[i], 1e-12)
		}
	})

	t.Run("Mismatch", func(t *testing.T) {
		err := e.Gemv(false, 1, a, []float64{1, 2}, 0, make([]float64, 2))
		assert.ErrorIs(t, err, ErrDimensionMismatch)
		err = e.Gemv(true, 1, a, []float64{1, 2}, 0, make([]float64, 2))
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestBLAS_GemvFloat32(t *testing.T) {
	a, err := NewMatrix(2, 2, []float32{2, 0, 0, 3})
	require.NoError(t, err)

	y := make([]float32, 2)
	require.NoError(t, NewBLAS[float32]().Gemv(false, 1, a, []float32{1, 1}, 0, y))
	assert.Equal(t, []float32{2, 3}, y)
}

func TestBLAS_EmptyMatrix(t *testing.T) {
	a, err := NewMatrix[float64](0, 3, nil)
	require.NoError(t, err)

	y := []float64{5, 5, 5}
	require.NoError(t, NewBLAS[float64]().Gemv(true, 1, a, nil, 0, y))
	assert.Equal(t, []float64{0, 0, 0}, y)
}

func TestBLAS_Level1(t *testing.T) {
	e := NewBLAS[float32]()

	y := []float32{1, 1, 1}
	require.NoError(t, e.Axpy(2, []float32{1, 2, 3}, y))
	assert.Equal(t, []float32{3, 5, 7}, y)

	d, err := e.Dot([]float32{1, 2, 3}, []float32{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, float32(32), d)
	assert.Equal(t, float32(83), NormSqr[float32](e, y))

	scal(0.5, y)
	assert.Equal(t, []float32{1.5, 2.5, 3.5}, y)

	nan := []float32{float32(math.NaN()), 1}
	scal(0, nan)
	assert.Equal(t, []float32{0, 0}, nan)

	_, err = e.Dot([]float32{1}, []float32{1, 2})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.ErrorIs(t, e.Axpy(1, []float32{1}, y), ErrDimensionMismatch)
}
