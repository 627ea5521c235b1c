package tensor

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// Linear computes x * w + bias for every token of x. w is stored in × out so
// no transpose happens at call time; bias may be nil.
func Linear(be device.Backend, x *Tensor3, w *Tensor2, bias []float32) (*Tensor3, error) {
	if x.Dim != w.Rows {
		return nil, shapeErr("Linear", "input features vs weight rows",
			[]int{Any, Any, w.Rows}, x.Shape())
	}
	if bias != nil && len(bias) != w.Cols {
		return nil, shapeErr("Linear", "bias length vs weight cols",
			[]int{w.Cols}, []int{len(bias)})
	}

	out := New3(x.Batch, x.Seq, w.Cols)
	be.MatMul(out.General(), x.General(), w.General(), false)

	if bias != nil {
		be.For(out.Rows(), func(i int) {
			simd.VecAdd(out.Data[i*out.Dim:(i+1)*out.Dim], bias)
		})
	}
	return out, nil
}

// AddInPlace performs dst += src elementwise.
func AddInPlace(dst, src *Tensor3) error {
	if dst.Batch != src.Batch || dst.Seq != src.Seq || dst.Dim != src.Dim {
		return shapeErr("Add", "", dst.Shape(), src.Shape())
	}
	simd.VecAdd(dst.Data, src.Data)
	return nil
}

// SplitHeads reshapes x (batch, seq, heads*dim) into (batch, heads, seq, dim).
// The permutation is materialized so each head is a contiguous seq × dim slab.
func SplitHeads(be device.Backend, x *Tensor3, heads int) (*Tensor4, error) {
	if heads <= 0 || x.Dim%heads != 0 {
		return nil, shapeErr("SplitHeads", fmt.Sprintf("%d features not divisible by %d heads", x.Dim, heads),
			[]int{Any, Any, Any}, x.Shape())
	}
	headDim := x.Dim / heads
	out := New4(x.Batch, heads, x.Seq, headDim)

	be.For(x.Rows(), func(r int) {
		b, s := r/x.Seq, r%x.Seq
		src := x.Data[r*x.Dim : (r+1)*x.Dim]
		for h := 0; h < heads; h++ {
			off := ((b*heads+h)*x.Seq + s) * headDim
			copy(out.Data[off:off+headDim], src[h*headDim:(h+1)*headDim])
		}
	})
	return out, nil
}

// MergeHeads is the inverse of SplitHeads: (batch, heads, seq, dim) back to
// (batch, seq, heads*dim) in the original feature order.
func MergeHeads(be device.Backend, x *Tensor4) *Tensor3 {
	hidden := x.Heads * x.Dim
	out := New3(x.Batch, x.Seq, hidden)

	be.For(out.Rows(), func(r int) {
		b, s := r/x.Seq, r%x.Seq
		dst := out.Data[r*hidden : (r+1)*hidden]
		for h := 0; h < x.Heads; h++ {
			off := ((b*x.Heads+h)*x.Seq + s) * x.Dim
			copy(dst[h*x.Dim:(h+1)*x.Dim], x.Data[off:off+x.Dim])
		}
	})
	return out
}

// BatchMatMul multiplies every (batch, head) slab of a by the matching slab of
// b, or of bᵀ when transB is set. Slabs are independent and run in parallel.
func BatchMatMul(be device.Backend, a, b *Tensor4, transB bool) (*Tensor4, error) {
	if err := checkBatchMatMul(a, b, transB); err != nil {
		return nil, err
	}
	cols := b.Dim
	if transB {
		cols = b.Seq
	}
	out := New4(a.Batch, a.Heads, a.Seq, cols)
	batchMatMul(be, out, a, b, transB)
	return out, nil
}

// BatchMatMulInto is BatchMatMul writing into a caller-owned tensor, which
// lets callers recycle scratch buffers.
func BatchMatMulInto(be device.Backend, out, a, b *Tensor4, transB bool) error {
	if err := checkBatchMatMul(a, b, transB); err != nil {
		return err
	}
	cols := b.Dim
	if transB {
		cols = b.Seq
	}
	if out.Batch != a.Batch || out.Heads != a.Heads || out.Seq != a.Seq || out.Dim != cols {
		return shapeErr("BatchMatMul", "output", []int{a.Batch, a.Heads, a.Seq, cols}, out.Shape())
	}
	batchMatMul(be, out, a, b, transB)
	return nil
}

func checkBatchMatMul(a, b *Tensor4, transB bool) error {
	if a.Batch != b.Batch || a.Heads != b.Heads {
		return shapeErr("BatchMatMul", "batch/heads", []int{a.Batch, a.Heads, Any, Any}, b.Shape())
	}
	if transB {
		if a.Dim != b.Dim {
			return shapeErr("BatchMatMul", "contracted axis", []int{a.Batch, a.Heads, Any, a.Dim}, b.Shape())
		}
	} else if a.Dim != b.Seq {
		return shapeErr("BatchMatMul", "contracted axis", []int{a.Batch, a.Heads, a.Dim, Any}, b.Shape())
	}
	return nil
}

func batchMatMul(be device.Backend, out, a, b *Tensor4, transB bool) {
	be.For(a.Batch*a.Heads, func(i int) {
		bi, h := i/a.Heads, i%a.Heads
		be.MatMul(out.Matrix(bi, h), a.Matrix(bi, h), b.Matrix(bi, h), transB)
	})
}

// Scale multiplies every element of t by s in place.
func (t *Tensor4) Scale(be device.Backend, s float32) {
	be.For(t.Rows(), func(i int) {
		simd.VecScale(t.Row(i), s)
	})
}
