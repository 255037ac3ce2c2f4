package problem

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func small() *Problem {
	return &Problem{
		Rows:   2,
		Cols:   3,
		X:      []float64{1, 2, 3, 4, 5, 6},
		Y:      []float64{0.5, -1.25},
		Lambda: 0.1,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, small().Validate())

	tests := []struct {
		name   string
		mutate func(*Problem)
	}{
		{"empty shape", func(p *Problem) { p.Rows = 0 }},
		{"short X", func(p *Problem) { p.X = p.X[:5] }},
		{"long Y", func(p *Problem) { p.Y = append(p.Y, 1) }},
		{"bad beta0", func(p *Problem) { p.Beta0 = []float64{1} }},
		{"bad truth", func(p *Problem) { p.Truth = []float64{1, 2} }},
		{"negative lambda", func(p *Problem) { p.Lambda = -1 }},
		{"nan in X", func(p *Problem) { p.X[2] = math.NaN() }},
		{"overflowing shape", func(p *Problem) {
			p.Rows, p.Cols, p.X, p.Y = 4, 1<<62, nil, make([]float64, 4)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := small()
			tt.mutate(p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidProblem)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	p := small()
	p.Beta0 = []float64{0, 1, 0}

	var buf bytes.Buffer
	require.NoError(t, p.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecode_Invalid(t *testing.T) {
	p := small()
	p.Y = p.Y[:1]

	var buf bytes.Buffer
	require.NoError(t, p.Encode(&buf))
	_, err := Decode(&buf)
	assert.ErrorIs(t, err, ErrInvalidProblem)

	_, err = Decode(bytes.NewReader([]byte{0xff, 0x00}))
	assert.Error(t, err)
}

func TestDecode_OverflowingShape(t *testing.T) {
	p := &Problem{Rows: 4, Cols: 1 << 62, Y: make([]float64, 4)}

	var buf bytes.Buffer
	require.NoError(t, p.Encode(&buf))
	_, err := Decode(&buf)
	assert.ErrorIs(t, err, ErrInvalidProblem)
}

func TestSaveLoad_Large(t *testing.T) {
	p, err := Synthetic(SyntheticConfig{Rows: 500, Cols: 300, NonZero: 10, Noise: 0.01, Lambda: 0.5, Seed: 7})
	require.NoError(t, err)
	require.Greater(t, len(p.X), 131072)

	path := filepath.Join(t.TempDir(), "large.cbor")
	require.NoError(t, p.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, p.Fingerprint(), got.Fingerprint())
	assert.Equal(t, p.Truth, got.Truth)
}

func TestNewDecMode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, encMode.NewEncoder(&buf).Encode(make([]float64, 64)))

	var out []float64
	assert.Error(t, NewDecMode(32).Unmarshal(buf.Bytes(), &out))
	require.NoError(t, NewDecMode(64).Unmarshal(buf.Bytes(), &out))
	assert.Len(t, out, 64)

	// Out of range limits are clamped instead of rejected.
	assert.NotNil(t, NewDecMode(0))
	assert.NotNil(t, NewDecMode(math.MaxInt))
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "problem.cbor")
	p := small()
	require.NoError(t, p.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, p.Fingerprint(), got.Fingerprint())

	_, err = Load(filepath.Join(t.TempDir(), "missing.cbor"))
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a, b := small(), small()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Lambda = 10
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "lambda is not part of the data")

	b.Y[0] = 0.75
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	c := small()
	c.Rows, c.Cols = 3, 2
	c.Y = []float64{0.5, -1.25, 0}
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestMatrix(t *testing.T) {
	m := small().Matrix()
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 6.0, m.At(1, 2))
}

func TestSynthetic(t *testing.T) {
	cfg := SyntheticConfig{Rows: 30, Cols: 10, NonZero: 3, Noise: 0, Lambda: 0.5, Seed: 42}
	p, err := Synthetic(cfg)
	require.NoError(t, err)

	support := 0
	for _, v := range p.Truth {
		if v != 0 {
			support++
			assert.GreaterOrEqual(t, math.Abs(v), 1.0)
			assert.LessOrEqual(t, math.Abs(v), 3.0)
		}
	}
	assert.Equal(t, 3, support)

	// Without noise Y is exactly X·truth.
	for i := 0; i < p.Rows; i++ {
		var want float64
		for j := 0; j < p.Cols; j++ {
			want += p.X[i*p.Cols+j] * p.Truth[j]
		}
		assert.InDelta(t, want, p.Y[i], 1e-12)
	}

	again, err := Synthetic(cfg)
	require.NoError(t, err)
	assert.Equal(t, p, again, "same seed must give the same problem")

	cfg.Seed = 43
	other, err := Synthetic(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, p.Fingerprint(), other.Fingerprint())
}

func TestSynthetic_InvalidConfig(t *testing.T) {
	for _, cfg := range []SyntheticConfig{
		{Rows: 0, Cols: 3},
		{Rows: 4, Cols: 1 << 62},
		{Rows: 3, Cols: 3, NonZero: 4},
		{Rows: 3, Cols: 3, Noise: -1},
	} {
		_, err := Synthetic(cfg)
		assert.ErrorIs(t, err, ErrInvalidProblem, "%+v", cfg)
	}
}
