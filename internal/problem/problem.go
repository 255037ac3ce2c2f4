// Package problem defines the on-disk and on-wire Lasso problem format.
package problem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"os"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidProblem is returned by Validate.
var ErrInvalidProblem = errors.New("problem: invalid")

// Problem is minimize ||Xβ − Y||² + Lambda·||β||₁ with X stored row-major.
type Problem struct {
	Rows   int       `cbor:"rows"`
	Cols   int       `cbor:"cols"`
	X      []float64 `cbor:"x"`
	Y      []float64 `cbor:"y"`
	Lambda float64   `cbor:"lambda"`
	Beta0  []float64 `cbor:"beta0,omitempty"`
	Truth  []float64 `cbor:"truth,omitempty"`
}

// MaxElements bounds the length of any array Decode accepts. It admits an X
// of up to 2^27 cells, well above the default serve limit.
const MaxElements = 1 << 27

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

var decMode = NewDecMode(MaxElements)

// NewDecMode returns a CBOR decoding mode that accepts arrays of up to
// maxElements entries, clamped to the range the codec supports.
func NewDecMode(maxElements int) cbor.DecMode {
	maxElements = min(max(maxElements, minArrayElements), maxArrayElements)
	dm, err := cbor.DecOptions{MaxArrayElements: maxElements}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

const (
	minArrayElements = 16
	maxArrayElements = math.MaxInt32
)

func (p *Problem) Validate() error {
	switch {
	case p.Rows < 1 || p.Cols < 1:
		return fmt.Errorf("%w: shape %dx%d", ErrInvalidProblem, p.Rows, p.Cols)
	case p.Cols > math.MaxInt/p.Rows:
		return fmt.Errorf("%w: shape %dx%d overflows", ErrInvalidProblem, p.Rows, p.Cols)
	case len(p.X) != p.Rows*p.Cols:
		return fmt.Errorf("%w: X has %d entries, want %d", ErrInvalidProblem, len(p.X), p.Rows*p.Cols)
	case len(p.Y) != p.Rows:
		return fmt.Errorf("%w: Y has %d entries, want %d", ErrInvalidProblem, len(p.Y), p.Rows)
	case p.Beta0 != nil && len(p.Beta0) != p.Cols:
		return fmt.Errorf("%w: beta0 has %d entries, want %d", ErrInvalidProblem, len(p.Beta0), p.Cols)
	case p.Truth != nil && len(p.Truth) != p.Cols:
		return fmt.Errorf("%w: truth has %d entries, want %d", ErrInvalidProblem, len(p.Truth), p.Cols)
	case math.IsNaN(p.Lambda) || p.Lambda < 0:
		return fmt.Errorf("%w: lambda %v", ErrInvalidProblem, p.Lambda)
	case floats.HasNaN(p.X) || floats.HasNaN(p.Y) || floats.HasNaN(p.Beta0):
		return fmt.Errorf("%w: NaN in data", ErrInvalidProblem)
	}
	return nil
}

// Matrix returns X as a gonum matrix sharing the backing slice.
func (p *Problem) Matrix() *mat.Dense {
	return mat.NewDense(p.Rows, p.Cols, p.X)
}

// Encode writes the canonical CBOR form of p.
func (p *Problem) Encode(w io.Writer) error {
	return encMode.NewEncoder(w).Encode(p)
}

// Decode reads and validates one problem.
func Decode(r io.Reader) (*Problem, error) {
	var p Problem
	if err := decMode.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("problem: decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func Load(path string) (*Problem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("problem: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func (p *Problem) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("problem: %w", err)
	}
	if err := p.Encode(f); err != nil {
		f.Close()
		return fmt.Errorf("problem: encode: %w", err)
	}
	return f.Close()
}

// Fingerprint identifies the data (shape, X and Y) independent of Lambda,
// so fits of the same data at different weights share warm starts.
func (p *Problem) Fingerprint() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	put(uint64(p.Rows))
	put(uint64(p.Cols))
	for _, v := range p.X {
		put(math.Float64bits(v))
	}
	for _, v := range p.Y {
		put(math.Float64bits(v))
	}
	return h.Sum64()
}
