package model

import (
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/simd"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Gelu applies the tanh approximation of GELU to t in place. It is not the
// erf form; the two differ around 1e-3.
func Gelu(be device.Backend, t *tensor.Tensor3) {
	forEachRow(be, t, simd.Gelu)
}

// Relu applies max(x, 0) to t in place.
func Relu(be device.Backend, t *tensor.Tensor3) {
	forEachRow(be, t, simd.Relu)
}

// Swish applies x * sigmoid(x) to t in place.
func Swish(be device.Backend, t *tensor.Tensor3) {
	forEachRow(be, t, simd.Swish)
}

// Tanh applies tanh to t in place.
func Tanh(be device.Backend, t *tensor.Tensor3) {
	forEachRow(be, t, simd.Tanh)
}

// Apply dispatches to the kernel selected by kind.
func Apply(be device.Backend, kind Activation, t *tensor.Tensor3) {
	switch kind {
	case ActivationGELU:
		Gelu(be, t)
	case ActivationReLU:
		Relu(be, t)
	case ActivationTanh:
		Tanh(be, t)
	case ActivationSwish:
		Swish(be, t)
	default:
		panic("model: unknown activation " + kind.String())
	}
}

// Softmax returns a new tensor normalized over the last axis of scores.
//
// Precondition: no row may be entirely -Inf. Such a row comes out as NaN; the
// mask builder guarantees at least one visible key per query.
func Softmax(be device.Backend, scores *tensor.Tensor4) *tensor.Tensor4 {
	out := scores.Clone()
	softmaxInPlace(be, out)
	return out
}

func softmaxInPlace(be device.Backend, t *tensor.Tensor4) {
	be.For(t.Rows(), func(i int) {
		simd.Softmax(t.Row(i))
	})
}

func forEachRow(be device.Backend, t *tensor.Tensor3, fn func([]float32)) {
	if t.Dim == 0 {
		return
	}
	be.For(t.Rows(), func(i int) {
		fn(t.Data[i*t.Dim : (i+1)*t.Dim])
	})
}
