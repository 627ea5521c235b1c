package model

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// MultiHeadAttention projects queries, keys and values, attends per head and
// projects the merged heads back to the hidden size.
//
// Mask convention: the attention mask is a (batch × kv_seq) float tensor where
// 0 blocks a key position and any other value lets it through. Blocked
// positions receive an additive -Inf before softmax, so they get exactly zero
// probability. A query row whose keys are all blocked produces NaN; callers
// must leave at least one visible key per sequence.
type MultiHeadAttention struct {
	Backend     device.Backend
	HiddenSize  int
	NumHeads    int
	HeadDim     int
	ScaleFactor float32

	Query  Dense
	Key    Dense
	Value  Dense
	Output Dense
}

// NewMultiHeadAttention validates hidden % heads == 0 and that every
// projection maps hidden → hidden.
func NewMultiHeadAttention(backend device.Backend, hiddenSize, numHeads int, query, key, value, output Dense) (*MultiHeadAttention, error) {
	if numHeads <= 0 || hiddenSize <= 0 {
		return nil, fmt.Errorf("attention: hidden size (%d) and heads (%d) must be positive", hiddenSize, numHeads)
	}
	if hiddenSize%numHeads != 0 {
		return nil, fmt.Errorf("attention: hidden size (%d) must be divisible by num heads (%d)", hiddenSize, numHeads)
	}
	names := [...]string{"query", "key", "value", "output"}
	for i, d := range [...]Dense{query, key, value, output} {
		if d.Weight == nil {
			return nil, fmt.Errorf("attention: nil %s weight", names[i])
		}
		if d.InFeatures() != hiddenSize || d.OutFeatures() != hiddenSize {
			return nil, &tensor.ShapeError{Op: "NewMultiHeadAttention", Detail: names[i] + " projection",
				Want: []int{hiddenSize, hiddenSize}, Got: []int{d.InFeatures(), d.OutFeatures()}}
		}
	}

	headDim := hiddenSize / numHeads
	return &MultiHeadAttention{
		Backend:     backend,
		HiddenSize:  hiddenSize,
		NumHeads:    numHeads,
		HeadDim:     headDim,
		ScaleFactor: float32(1 / math.Sqrt(float64(headDim))),
		Query:       query,
		Key:         key,
		Value:       value,
		Output:      output,
	}, nil
}

// Forward attends hiddenStates over itself, or over encoderHiddenStates when
// that is non-nil (cross-attention). mask may be nil. The result always has
// the shape of hiddenStates.
func (a *MultiHeadAttention) Forward(hiddenStates, encoderHiddenStates *tensor.Tensor3, mask *tensor.Tensor2) (*tensor.Tensor3, error) {
	defer observeLayer("attention", a.Backend.Name(), time.Now())

	if hiddenStates.Dim != a.HiddenSize {
		return nil, &tensor.ShapeError{Op: "Attention", Detail: "hidden states",
			Want: []int{tensor.Any, tensor.Any, a.HiddenSize}, Got: hiddenStates.Shape()}
	}

	kvSource := hiddenStates
	if encoderHiddenStates != nil {
		kvSource = encoderHiddenStates
		if kvSource.Batch != hiddenStates.Batch || kvSource.Dim != a.HiddenSize {
			return nil, &tensor.ShapeError{Op: "Attention", Detail: "encoder hidden states",
				Want: []int{hiddenStates.Batch, tensor.Any, a.HiddenSize}, Got: kvSource.Shape()}
		}
	}
	if mask != nil && (mask.Rows != hiddenStates.Batch || mask.Cols != kvSource.Seq) {
		return nil, &tensor.ShapeError{Op: "Attention", Detail: "attention mask",
			Want: []int{hiddenStates.Batch, kvSource.Seq}, Got: mask.Shape()}
	}

	// 1-2. Projections
	q, err := a.Query.Forward(a.Backend, hiddenStates)
	if err != nil {
		return nil, err
	}
	k, err := a.Key.Forward(a.Backend, kvSource)
	if err != nil {
		return nil, err
	}
	v, err := a.Value.Forward(a.Backend, kvSource)
	if err != nil {
		return nil, err
	}

	// 3. (batch, seq, hidden) -> (batch, heads, seq, head_dim)
	qh, err := tensor.SplitHeads(a.Backend, q, a.NumHeads)
	if err != nil {
		return nil, err
	}
	kh, err := tensor.SplitHeads(a.Backend, k, a.NumHeads)
	if err != nil {
		return nil, err
	}
	vh, err := tensor.SplitHeads(a.Backend, v, a.NumHeads)
	if err != nil {
		return nil, err
	}

	// 4. scores = Q * Kᵀ * scale, in a pooled buffer owned by this call
	seqQ, seqKV := hiddenStates.Seq, kvSource.Seq
	scoresBuf := a.Backend.GetBuffer(hiddenStates.Batch * a.NumHeads * seqQ * seqKV)
	defer a.Backend.PutBuffer(scoresBuf)
	scores := &tensor.Tensor4{Batch: hiddenStates.Batch, Heads: a.NumHeads, Seq: seqQ, Dim: seqKV, Data: scoresBuf}
	if err := tensor.BatchMatMulInto(a.Backend, scores, qh, kh, true); err != nil {
		return nil, err
	}
	scores.Scale(a.Backend, a.ScaleFactor)

	// 5. mask
	if mask != nil {
		if err := ApplyAttentionMask(a.Backend, scores, mask); err != nil {
			return nil, err
		}
	}

	// 6. softmax over keys
	softmaxInPlace(a.Backend, scores)

	// 7. context = weights * V
	context, err := tensor.BatchMatMul(a.Backend, scores, vh, false)
	if err != nil {
		return nil, err
	}

	// 8-9. merge heads, output projection
	merged := tensor.MergeHeads(a.Backend, context)
	return a.Output.Forward(a.Backend, merged)
}

// ApplyAttentionMask adds -Inf to every score whose key position is 0 in
// mask. mask is (batch × kv_seq) and is broadcast over heads and queries.
func ApplyAttentionMask(be device.Backend, scores *tensor.Tensor4, mask *tensor.Tensor2) error {
	if mask.Rows != scores.Batch || mask.Cols != scores.Dim {
		return &tensor.ShapeError{Op: "ApplyAttentionMask",
			Want: []int{scores.Batch, scores.Dim}, Got: mask.Shape()}
	}

	negInf := float32(math.Inf(-1))
	rowsPerBatch := scores.Heads * scores.Seq
	be.For(scores.Rows(), func(i int) {
		m := mask.Row(i / rowsPerBatch)
		row := scores.Row(i)
		for j, keep := range m {
			if keep == 0 {
				row[j] += negInf
			}
		}
	})
	return nil
}
