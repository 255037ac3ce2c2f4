package linalg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-ista/internal/device"
)

var (
	// ErrBadShape is returned when data does not fill the requested shape.
	ErrBadShape = errors.New("linalg: bad shape")

	// ErrDimensionMismatch is returned when operand lengths are incompatible.
	ErrDimensionMismatch = errors.New("linalg: dimension mismatch")
)

// Matrix is a dense row-major matrix. Element (i, j) lives at Data[i*Cols+j].
type Matrix[T device.Float] struct {
	Rows int
	Cols int
	Data []T
}

// NewMatrix wraps data without copying.
func NewMatrix[T device.Float](rows, cols int, data []T) (Matrix[T], error) {
	if rows < 0 || cols < 0 || (rows > 0 && cols > math.MaxInt/rows) {
		return Matrix[T]{}, fmt.Errorf("%w: %dx%d", ErrBadShape, rows, cols)
	}
	if len(data) != rows*cols {
		return Matrix[T]{}, fmt.Errorf("%w: %dx%d needs %d elements, got %d", ErrBadShape, rows, cols, rows*cols, len(data))
	}
	return Matrix[T]{Rows: rows, Cols: cols, Data: data}, nil
}

// Dims returns the number of rows and columns.
func (m Matrix[T]) Dims() (int, int) {
	return m.Rows, m.Cols
}

func (m Matrix[T]) At(i, j int) T {
	return m.Data[i*m.Cols+j]
}

// Row returns row i as a subslice of Data.
func (m Matrix[T]) Row(i int) []T {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Dense returns a float64 copy as a gonum matrix.
func (m Matrix[T]) Dense() *mat.Dense {
	if m.Rows == 0 || m.Cols == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(m.Rows, m.Cols, Convert[T, float64](m.Data))
}

// FromDense copies any gonum matrix into a Matrix of element type T.
func FromDense[T device.Float](a mat.Matrix) Matrix[T] {
	r, c := a.Dims()
	out := Matrix[T]{Rows: r, Cols: c, Data: make([]T, r*c)}
	for i := 0; i < r; i++ {
		row := out.Row(i)
		for j := range row {
			row[j] = T(a.At(i, j))
		}
	}
	return out
}

// Convert copies src into a new slice of element type T.
func Convert[S, T device.Float](src []S) []T {
	out := make([]T, len(src))
	for i, v := range src {
		out[i] = T(v)
	}
	return out
}

// ConvertMatrix changes the element type of a matrix.
func ConvertMatrix[S, T device.Float](m Matrix[S]) Matrix[T] {
	return Matrix[T]{Rows: m.Rows, Cols: m.Cols, Data: Convert[S, T](m.Data)}
}
