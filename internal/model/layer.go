package model

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Layer is the forward contract shared by stacked blocks: a pure function of
// the hidden states, an optional (batch × seq) mask and immutable weights.
type Layer interface {
	Forward(hiddenStates *tensor.Tensor3, mask *tensor.Tensor2) (*tensor.Tensor3, error)
}

var _ Layer = (*TransformerLayer)(nil)

// TransformerLayer is a single post-norm Transformer block:
//
//	a = LayerNorm1(Attention(x, mask) + x)
//	f = LayerNorm2(FeedForward(a) + a)
type TransformerLayer struct {
	Attention   *MultiHeadAttention
	FeedForward *FeedForward
	LayerNorm1  *LayerNorm
	LayerNorm2  *LayerNorm
}

// NewTransformerLayer checks that the sub-layers agree on the hidden size.
func NewTransformerLayer(attn *MultiHeadAttention, ff *FeedForward, ln1, ln2 *LayerNorm) (*TransformerLayer, error) {
	if attn == nil || ff == nil || ln1 == nil || ln2 == nil {
		return nil, fmt.Errorf("transformer layer: nil sub-layer")
	}
	hidden := attn.HiddenSize
	if ff.Intermediate.InFeatures() != hidden || ff.Output.OutFeatures() != hidden {
		return nil, &tensor.ShapeError{Op: "NewTransformerLayer", Detail: "feed-forward in/out vs hidden size",
			Want: []int{hidden, hidden}, Got: []int{ff.Intermediate.InFeatures(), ff.Output.OutFeatures()}}
	}
	if len(ln1.Weight) != hidden || len(ln2.Weight) != hidden {
		return nil, &tensor.ShapeError{Op: "NewTransformerLayer", Detail: "layer norm widths vs hidden size",
			Want: []int{hidden, hidden}, Got: []int{len(ln1.Weight), len(ln2.Weight)}}
	}
	return &TransformerLayer{Attention: attn, FeedForward: ff, LayerNorm1: ln1, LayerNorm2: ln2}, nil
}

// Forward runs self-attention and the feed-forward block, each followed by a
// residual add and LayerNorm. The input is not modified.
func (l *TransformerLayer) Forward(hiddenStates *tensor.Tensor3, mask *tensor.Tensor2) (*tensor.Tensor3, error) {
	defer observeLayer("transformer_layer", l.Attention.Backend.Name(), time.Now())

	attentionOut, err := l.Attention.Forward(hiddenStates, nil, mask)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(attentionOut, hiddenStates); err != nil {
		return nil, err
	}
	attentionOut, err = l.LayerNorm1.Forward(attentionOut)
	if err != nil {
		return nil, err
	}

	ffOut, err := l.FeedForward.Forward(attentionOut)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(ffOut, attentionOut); err != nil {
		return nil, err
	}
	return l.LayerNorm2.Forward(ffOut)
}
