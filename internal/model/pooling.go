package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/simd"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// PoolingStrategy reduces (batch, seq, hidden) to one vector per sequence.
type PoolingStrategy int

const (
	PoolMean PoolingStrategy = iota
	PoolCLS
)

func (p PoolingStrategy) String() string {
	switch p {
	case PoolMean:
		return "mean"
	case PoolCLS:
		return "cls"
	default:
		return fmt.Sprintf("PoolingStrategy(%d)", int(p))
	}
}

// ParsePoolingStrategy accepts "mean" or "cls".
func ParsePoolingStrategy(name string) (PoolingStrategy, error) {
	switch strings.ToLower(name) {
	case "mean":
		return PoolMean, nil
	case "cls":
		return PoolCLS, nil
	default:
		return 0, fmt.Errorf("unknown pooling strategy %q", name)
	}
}

// Pool dispatches to MeanPool or CLSPool.
func Pool(be device.Backend, strategy PoolingStrategy, hidden *tensor.Tensor3, mask *tensor.Tensor2) (*tensor.Tensor2, error) {
	switch strategy {
	case PoolMean:
		return MeanPool(be, hidden, mask)
	case PoolCLS:
		return CLSPool(hidden), nil
	default:
		return nil, fmt.Errorf("pool: unknown strategy %v", strategy)
	}
}

// MeanPool averages the token vectors of each sequence, weighting token s of
// sequence b by mask[b][s]. A nil mask weights every token equally.
func MeanPool(be device.Backend, hidden *tensor.Tensor3, mask *tensor.Tensor2) (*tensor.Tensor2, error) {
	if mask != nil && (mask.Rows != hidden.Batch || mask.Cols != hidden.Seq) {
		return nil, &tensor.ShapeError{Op: "MeanPool", Detail: "attention mask",
			Want: []int{hidden.Batch, hidden.Seq}, Got: mask.Shape()}
	}

	out := tensor.New2(hidden.Batch, hidden.Dim)
	be.For(hidden.Batch, func(b int) {
		dst := out.Row(b)
		var total float32
		for s := 0; s < hidden.Seq; s++ {
			w := float32(1)
			if mask != nil {
				w = mask.At(b, s)
			}
			if w == 0 {
				continue
			}
			simd.VecAddScaled(dst, hidden.Row(b, s), w)
			total += w
		}
		if total > 0 {
			simd.VecScale(dst, 1/total)
		}
	})
	return out, nil
}

// CLSPool returns the first token vector of each sequence.
func CLSPool(hidden *tensor.Tensor3) *tensor.Tensor2 {
	out := tensor.New2(hidden.Batch, hidden.Dim)
	if hidden.Seq == 0 {
		return out
	}
	for b := 0; b < hidden.Batch; b++ {
		copy(out.Row(b), hidden.Row(b, 0))
	}
	return out
}

// Normalize scales every row of t to unit L2 norm in place. Zero rows are
// left untouched.
func Normalize(t *tensor.Tensor2) {
	for i := 0; i < t.Rows; i++ {
		row := t.Row(i)
		norm := math.Sqrt(float64(simd.DotProduct(row, row)))
		if norm > 0 {
			simd.VecScale(row, float32(1/norm))
		}
	}
}
