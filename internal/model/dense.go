package model

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/quant"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Dense is an affine sub-layer. Weight is stored in × out; Bias has length out
// (nil means no bias). Both are read-only after construction.
type Dense struct {
	Weight quant.Tensor
	Bias   []float32
}

// NewDense checks that the weight is well formed and that bias matches its
// output width.
func NewDense(weight quant.Tensor, bias []float32) (Dense, error) {
	if weight == nil {
		return Dense{}, fmt.Errorf("dense: nil weight")
	}
	if err := quant.Check(weight); err != nil {
		return Dense{}, fmt.Errorf("dense: %w", err)
	}
	_, out := weight.Dims()
	if bias != nil && len(bias) != out {
		return Dense{}, &tensor.ShapeError{Op: "NewDense", Detail: "bias length vs weight cols", Want: []int{out}, Got: []int{len(bias)}}
	}
	return Dense{Weight: weight, Bias: bias}, nil
}

// InFeatures is the expected width of the input's last axis.
func (d Dense) InFeatures() int {
	in, _ := d.Weight.Dims()
	return in
}

// OutFeatures is the width of the output's last axis.
func (d Dense) OutFeatures() int {
	_, out := d.Weight.Dims()
	return out
}

// Forward projects x. Int8 weights are dequantized into a transient tensor
// that lives only for this call.
func (d Dense) Forward(be device.Backend, x *tensor.Tensor3) (*tensor.Tensor3, error) {
	w := quant.Dequantize(d.Weight)
	return tensor.Linear(be, x, w, d.Bias)
}
