package model

import (
	"time"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/simd"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// LayerNorm implements Layer Normalization over the feature axis.
type LayerNorm struct {
	Backend device.Backend
	Weight  []float32 // gamma
	Bias    []float32 // beta
	Eps     float32
}

// NewLayerNorm returns a LayerNorm over len(weight) features.
func NewLayerNorm(backend device.Backend, weight, bias []float32, eps float32) (*LayerNorm, error) {
	if len(weight) != len(bias) {
		return nil, &tensor.ShapeError{Op: "NewLayerNorm", Detail: "bias vs weight length", Want: []int{len(weight)}, Got: []int{len(bias)}}
	}
	return &LayerNorm{Backend: backend, Weight: weight, Bias: bias, Eps: eps}, nil
}

// NewIdentityLayerNorm returns gamma = 1, beta = 0 over size features.
func NewIdentityLayerNorm(backend device.Backend, size int, eps float32) *LayerNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1
	}
	return &LayerNorm{Backend: backend, Weight: ones, Bias: make([]float32, size), Eps: eps}
}

// Forward normalizes every token of input into a new tensor. Variance is the
// biased (divide-by-N) estimate.
func (l *LayerNorm) Forward(input *tensor.Tensor3) (*tensor.Tensor3, error) {
	defer observeLayer("layer_norm", l.Backend.Name(), time.Now())

	if input.Dim != len(l.Weight) {
		return nil, &tensor.ShapeError{Op: "LayerNorm", Detail: "features vs gamma length",
			Want: []int{tensor.Any, tensor.Any, len(l.Weight)}, Got: input.Shape()}
	}

	out := tensor.New3(input.Batch, input.Seq, input.Dim)
	c := input.Dim
	l.Backend.For(input.Rows(), func(i int) {
		simd.LayerNorm(out.Data[i*c:(i+1)*c], input.Data[i*c:(i+1)*c], l.Weight, l.Bias, l.Eps)
	})
	return out, nil
}
