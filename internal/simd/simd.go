package simd

// Float covers the element types the host kernels are instantiated with.
type Float interface {
	~float32 | ~float64
}

// Shrink is the scalar soft-threshold: sign(x) * max(|x| - t, 0).
// A NaN input has no sign and therefore shrinks to zero.
func Shrink[T Float](x, t T) T {
	var sign T
	switch {
	case x > 0:
		sign = 1
	case x < 0:
		sign = -1
	}

	fragment := abs(x) - t
	if fragment >= 0 {
		return sign * fragment
	}
	return 0
}

// SoftThreshold applies Shrink elementwise: dst[i] = Shrink(src[i], t).
// dst and src may alias.
func SoftThreshold[T Float](dst, src []T, t T) {
	i := 0
	for ; i <= len(src)-4; i += 4 {
		dst[i] = Shrink(src[i], t)
		dst[i+1] = Shrink(src[i+1], t)
		dst[i+2] = Shrink(src[i+2], t)
		dst[i+3] = Shrink(src[i+3], t)
	}
	for ; i < len(src); i++ {
		dst[i] = Shrink(src[i], t)
	}
}

// L1Norm returns sum(|x[i]|).
func L1Norm[T Float](x []T) T {
	var sum T
	i := 0
	for ; i <= len(x)-4; i += 4 {
		sum += abs(x[i]) + abs(x[i+1]) + abs(x[i+2]) + abs(x[i+3])
	}
	for ; i < len(x); i++ {
		sum += abs(x[i])
	}
	return sum
}

// CountNonZero returns the number of entries different from zero.
func CountNonZero[T Float](x []T) int {
	n := 0
	for _, v := range x {
		if v != 0 {
			n++
		}
	}
	return n
}

// SquaredDistance returns sum((a[i]-b[i])^2) over the common prefix.
func SquaredDistance[T Float](a, b []T) T {
	n := min(len(a), len(b))
	var sum T
	i := 0
	for ; i <= n-4; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		sum += d0*d0 + d1*d1 + d2*d2 + d3*d3
	}
	for ; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// AddScaled performs dst += src * scale
func AddScaled[T Float](dst, src []T, scale T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

func abs[T Float](x T) T {
	if x < 0 {
		return -x
	}
	return x
}
