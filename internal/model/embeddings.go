package model

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/simd"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Embeddings handles word, position, and token type embeddings.
type Embeddings struct {
	Backend             device.Backend
	WordEmbeddings      *tensor.Tensor2 // vocab × hidden
	PositionEmbeddings  *tensor.Tensor2 // max positions × hidden
	TokenTypeEmbeddings *tensor.Tensor2 // type vocab × hidden
	LayerNorm           *LayerNorm      // optional
	Dropout             *Dropout
}

// Dropout is the identity at inference time.
type Dropout struct {
	Rate float32
}

func NewDropout(rate float32) *Dropout {
	return &Dropout{Rate: rate}
}

func (d *Dropout) Forward(t *tensor.Tensor3) *tensor.Tensor3 {
	return t
}

// NewEmbeddings checks that the three tables share the hidden width.
func NewEmbeddings(backend device.Backend, word, position, tokenType *tensor.Tensor2, ln *LayerNorm, dropout float32) (*Embeddings, error) {
	if word == nil || position == nil || tokenType == nil {
		return nil, fmt.Errorf("embeddings: nil table")
	}
	hidden := word.Cols
	if position.Cols != hidden || tokenType.Cols != hidden {
		return nil, &tensor.ShapeError{Op: "NewEmbeddings", Detail: "position/type widths vs word width",
			Want: []int{hidden, hidden}, Got: []int{position.Cols, tokenType.Cols}}
	}
	if ln != nil && len(ln.Weight) != hidden {
		return nil, &tensor.ShapeError{Op: "NewEmbeddings", Detail: "layer norm width",
			Want: []int{hidden}, Got: []int{len(ln.Weight)}}
	}
	return &Embeddings{
		Backend:             backend,
		WordEmbeddings:      word,
		PositionEmbeddings:  position,
		TokenTypeEmbeddings: tokenType,
		LayerNorm:           ln,
		Dropout:             NewDropout(dropout),
	}, nil
}

// HiddenSize is the width of every embedding row.
func (e *Embeddings) HiddenSize() int {
	return e.WordEmbeddings.Cols
}

// Forward embeds a rectangular batch of token ids. Positions run 0..seq-1.
// typeIDs may be nil, in which case every token uses type 0.
func (e *Embeddings) Forward(inputIDs, typeIDs [][]int) (*tensor.Tensor3, error) {
	batch := len(inputIDs)
	if batch == 0 {
		return nil, fmt.Errorf("embeddings: empty batch")
	}
	seqLen := len(inputIDs[0])
	for i, ids := range inputIDs {
		if len(ids) != seqLen {
			return nil, &tensor.ShapeError{Op: "Embeddings", Detail: fmt.Sprintf("sequence %d length", i),
				Want: []int{seqLen}, Got: []int{len(ids)}}
		}
	}
	if typeIDs != nil {
		if len(typeIDs) != batch {
			return nil, &tensor.ShapeError{Op: "Embeddings", Detail: "token type batch",
				Want: []int{batch}, Got: []int{len(typeIDs)}}
		}
		for i, ids := range typeIDs {
			if len(ids) != seqLen {
				return nil, &tensor.ShapeError{Op: "Embeddings", Detail: fmt.Sprintf("token type sequence %d length", i),
					Want: []int{seqLen}, Got: []int{len(ids)}}
			}
		}
	}
	if seqLen > e.PositionEmbeddings.Rows {
		return nil, fmt.Errorf("embeddings: sequence length %d exceeds max position embeddings %d", seqLen, e.PositionEmbeddings.Rows)
	}
	if err := e.checkIDs(inputIDs, e.WordEmbeddings.Rows, "token"); err != nil {
		return nil, err
	}
	if typeIDs != nil {
		if err := e.checkIDs(typeIDs, e.TokenTypeEmbeddings.Rows, "token type"); err != nil {
			return nil, err
		}
	}

	hidden := e.HiddenSize()
	out := tensor.New3(batch, seqLen, hidden)
	e.Backend.For(out.Rows(), func(r int) {
		b, s := r/seqLen, r%seqLen
		row := out.Row(b, s)
		copy(row, e.WordEmbeddings.Row(inputIDs[b][s]))
		simd.VecAdd(row, e.PositionEmbeddings.Row(s))
		typeID := 0
		if typeIDs != nil {
			typeID = typeIDs[b][s]
		}
		simd.VecAdd(row, e.TokenTypeEmbeddings.Row(typeID))
	})

	if e.LayerNorm != nil {
		normed, err := e.LayerNorm.Forward(out)
		if err != nil {
			return nil, err
		}
		out = normed
	}
	return e.Dropout.Forward(out), nil
}

func (e *Embeddings) checkIDs(ids [][]int, limit int, kind string) error {
	for b, row := range ids {
		for s, id := range row {
			if id < 0 || id >= limit {
				return fmt.Errorf("embeddings: %s id %d at (%d, %d) out of range [0, %d)", kind, id, b, s, limit)
			}
		}
	}
	return nil
}
