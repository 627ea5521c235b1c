// Package quant holds weights that may be shipped in reduced precision.
//
// A Tensor is either Full (float32) or Int8 (symmetric, per-tensor scale with
// no zero point). Float arithmetic only ever sees the result of Dequantize;
// int8 and float32 operands are never mixed directly.
package quant

import (
	"errors"
	"math"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Tensor is the sum type over the supported storage precisions. The set of
// variants is closed: Full and Int8.
type Tensor interface {
	// Dims returns (rows, cols) of the logical float matrix.
	Dims() (int, int)
	sealed()
}

// Full is a full-precision weight.
type Full struct {
	T *tensor.Tensor2
}

// Int8 is a quantized weight. Element (i, j) reconstructs as
// float32(Values[i*Cols+j]) * Scale.
type Int8 struct {
	Rows, Cols int
	Values     []int8
	Scale      float32
}

func (f Full) Dims() (int, int) { return f.T.Rows, f.T.Cols }
func (Full) sealed()            {}

func (q Int8) Dims() (int, int) { return q.Rows, q.Cols }
func (Int8) sealed()            {}

// Check reports a tensor that cannot be dequantized: a Full without data, or
// an Int8 whose payload length is not Rows*Cols.
func Check(t Tensor) error {
	switch v := t.(type) {
	case nil:
		return errors.New("quant: nil tensor")
	case Full:
		if v.T == nil {
			return errors.New("quant: full tensor without data")
		}
	case Int8:
		if v.Rows < 0 || v.Cols < 0 || len(v.Values) != v.Rows*v.Cols {
			return &tensor.ShapeError{Op: "quant.Int8", Detail: "payload length vs rows*cols",
				Want: []int{v.Rows * v.Cols}, Got: []int{len(v.Values)}}
		}
	}
	return nil
}

// Dequantize returns the float32 view of t, which must pass Check. A Full tensor is returned as is,
// without copying, and must be treated as read-only. An Int8 tensor is
// materialized into a new tensor owned by the caller. The source is never
// modified.
func Dequantize(t Tensor) *tensor.Tensor2 {
	switch v := t.(type) {
	case Full:
		return v.T
	case Int8:
		out := tensor.New2(v.Rows, v.Cols)
		for i, q := range v.Values {
			out.Data[i] = float32(q) * v.Scale
		}
		return out
	default:
		panic("quant: unknown tensor variant")
	}
}

// Quantize converts t to Int8 with scale = max|x| / 127, rounding to nearest
// and clamping to [-127, 127]. An all-zero tensor gets scale 1.
func Quantize(t *tensor.Tensor2) Int8 {
	var maxAbs float32
	for _, v := range t.Data {
		if a := float32(math.Abs(float64(v))); a > maxAbs {
			maxAbs = a
		}
	}
	scale := maxAbs / 127
	if scale == 0 {
		scale = 1
	}

	values := make([]int8, len(t.Data))
	for i, v := range t.Data {
		r := math.Round(float64(v / scale))
		if r > 127 {
			r = 127
		} else if r < -127 {
			r = -127
		}
		values[i] = int8(r)
	}
	return Int8{Rows: t.Rows, Cols: t.Cols, Values: values, Scale: scale}
}
