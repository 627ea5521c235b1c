// Package simd holds the unrolled row kernels shared by the tensor and model
// packages. Every function works on a single contiguous row and never allocates.
package simd

import "math"

const (
	sqrt2OverPi = 0.7978845608
	geluCoeff   = 0.044715
)

// VecAdd performs dst += src
func VecAdd(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale
func VecAddScaled(dst, src []float32, scale float32) {
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

// VecScale performs dst *= scale
func VecScale(dst []float32, scale float32) {
	for i := range dst {
		dst[i] *= scale
	}
}

// DotProduct computes the dot product of two vectors of equal length.
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Gelu applies the tanh approximation of GELU in-place:
// x * 0.5 * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3))).
func Gelu(data []float32) {
	for i, x := range data {
		cube := x * x * x
		inner := sqrt2OverPi * (x + geluCoeff*cube)
		data[i] = x * 0.5 * (1 + float32(math.Tanh(float64(inner))))
	}
}

// Relu applies max(x, 0) in-place.
func Relu(data []float32) {
	for i, x := range data {
		if x < 0 {
			data[i] = 0
		}
	}
}

// Swish applies x * sigmoid(x) in-place.
func Swish(data []float32) {
	for i, x := range data {
		data[i] = x * (1 / (1 + float32(math.Exp(float64(-x)))))
	}
}

// Tanh applies tanh in-place.
func Tanh(data []float32) {
	for i, x := range data {
		data[i] = float32(math.Tanh(float64(x)))
	}
}

// Softmax normalizes row in-place. The row maximum is subtracted before
// exponentiating; -Inf entries get exactly zero mass. A row made only of -Inf
// yields NaN.
func Softmax(row []float32) {
	if len(row) == 0 {
		return
	}
	max := float32(math.Inf(-1))
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - max)))
		row[i] = e
		sum += e
	}

	inv := 1 / sum
	for i := range row {
		row[i] *= inv
	}
}

// MeanVar returns the mean and the biased (divide-by-N) variance of row.
// Accumulation happens in float64 so a constant row has an exact mean.
func MeanVar(row []float32) (mean, variance float64) {
	n := float64(len(row))
	var sum float64
	for _, v := range row {
		sum += float64(v)
	}
	mean = sum / n

	var sq float64
	for _, v := range row {
		d := float64(v) - mean
		sq += d * d
	}
	return mean, sq / n
}

// LayerNorm writes (src - mean) / sqrt(var + eps) * gamma + beta into dst.
// dst and src may alias.
func LayerNorm(dst, src, gamma, beta []float32, eps float32) {
	mean, variance := MeanVar(src)
	invStd := 1 / math.Sqrt(variance+float64(eps))
	for j, v := range src {
		norm := float32((float64(v) - mean) * invStd)
		dst[j] = norm*gamma[j] + beta[j]
	}
}
