package model

import (
	"time"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// FeedForward is the position-wise block: dense → activation → dense.
// Residual and normalization belong to the caller.
type FeedForward struct {
	Backend      device.Backend
	Intermediate Dense // hidden → intermediate
	Output       Dense // intermediate → hidden
	Activation   Activation
}

// NewFeedForward checks that the two dense layers chain.
func NewFeedForward(backend device.Backend, intermediate, output Dense, act Activation) (*FeedForward, error) {
	if intermediate.OutFeatures() != output.InFeatures() {
		return nil, &tensor.ShapeError{Op: "NewFeedForward", Detail: "intermediate out vs output in",
			Want: []int{intermediate.OutFeatures()}, Got: []int{output.InFeatures()}}
	}
	return &FeedForward{Backend: backend, Intermediate: intermediate, Output: output, Activation: act}, nil
}

// Forward returns a new tensor of shape (batch, seq, output width). It fails
// when the input's feature axis does not match the first dense layer.
func (f *FeedForward) Forward(hiddenStates *tensor.Tensor3) (*tensor.Tensor3, error) {
	defer observeLayer("feed_forward", f.Backend.Name(), time.Now())

	intermediate, err := f.Intermediate.Forward(f.Backend, hiddenStates)
	if err != nil {
		return nil, err
	}
	Apply(f.Backend, f.Activation, intermediate)
	return f.Output.Forward(f.Backend, intermediate)
}
