// Package tensor defines the dense, row-major float32 tensors threaded through
// the transformer layers and the shape-aware operations between them.
//
// Tensor2 holds weights and pooled outputs, Tensor3 is the hidden-state layout
// (batch × sequence × feature) and Tensor4 is the per-head attention layout
// (batch × heads × sequence × head_dim). The last axis is always contiguous.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor2 is a rows × cols matrix.
type Tensor2 struct {
	Rows, Cols int
	Data       []float32
}

// Tensor3 is a batch × seq × dim tensor.
type Tensor3 struct {
	Batch, Seq, Dim int
	Data            []float32
}

// Tensor4 is a batch × heads × seq × dim tensor.
type Tensor4 struct {
	Batch, Heads, Seq, Dim int
	Data                   []float32
}

// New2 returns a zeroed rows × cols tensor.
func New2(rows, cols int) *Tensor2 {
	return &Tensor2{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromSlice2 copies data into a new rows × cols tensor.
func FromSlice2(rows, cols int, data []float32) (*Tensor2, error) {
	if err := checkLen("FromSlice2", data, rows, cols); err != nil {
		return nil, err
	}
	t := New2(rows, cols)
	copy(t.Data, data)
	return t, nil
}

// New3 returns a zeroed batch × seq × dim tensor.
func New3(batch, seq, dim int) *Tensor3 {
	return &Tensor3{Batch: batch, Seq: seq, Dim: dim, Data: make([]float32, batch*seq*dim)}
}

// FromSlice3 copies data into a new batch × seq × dim tensor.
func FromSlice3(batch, seq, dim int, data []float32) (*Tensor3, error) {
	if err := checkLen("FromSlice3", data, batch, seq, dim); err != nil {
		return nil, err
	}
	t := New3(batch, seq, dim)
	copy(t.Data, data)
	return t, nil
}

// New4 returns a zeroed batch × heads × seq × dim tensor.
func New4(batch, heads, seq, dim int) *Tensor4 {
	return &Tensor4{Batch: batch, Heads: heads, Seq: seq, Dim: dim, Data: make([]float32, batch*heads*seq*dim)}
}

// FromSlice4 copies data into a new batch × heads × seq × dim tensor.
func FromSlice4(batch, heads, seq, dim int, data []float32) (*Tensor4, error) {
	if err := checkLen("FromSlice4", data, batch, heads, seq, dim); err != nil {
		return nil, err
	}
	t := New4(batch, heads, seq, dim)
	copy(t.Data, data)
	return t, nil
}

func checkLen(op string, data []float32, dims ...int) error {
	size := 1
	for _, d := range dims {
		if d < 0 {
			return fmt.Errorf("%s: invalid dimension %d in %v", op, d, dims)
		}
		size *= d
	}
	if len(data) != size {
		return shapeErr(op, "data length", []int{size}, []int{len(data)})
	}
	return nil
}

// Shape returns [rows cols].
func (t *Tensor2) Shape() []int { return []int{t.Rows, t.Cols} }

// At returns the value at (i, j).
func (t *Tensor2) At(i, j int) float32 { return t.Data[i*t.Cols+j] }

// Set sets the value at (i, j).
func (t *Tensor2) Set(i, j int, v float32) { t.Data[i*t.Cols+j] = v }

// Row returns row i as a slice of the backing array.
func (t *Tensor2) Row(i int) []float32 { return t.Data[i*t.Cols : (i+1)*t.Cols] }

// Clone returns a deep copy.
func (t *Tensor2) Clone() *Tensor2 {
	out := New2(t.Rows, t.Cols)
	copy(out.Data, t.Data)
	return out
}

// Transpose returns a new cols × rows tensor.
func (t *Tensor2) Transpose() *Tensor2 {
	out := New2(t.Cols, t.Rows)
	for i := 0; i < t.Rows; i++ {
		for j := 0; j < t.Cols; j++ {
			out.Data[j*t.Rows+i] = t.Data[i*t.Cols+j]
		}
	}
	return out
}

// General exposes t to blas32 without copying.
func (t *Tensor2) General() blas32.General {
	return blas32.General{Rows: t.Rows, Cols: t.Cols, Stride: max(t.Cols, 1), Data: t.Data}
}

// Shape returns [batch seq dim].
func (t *Tensor3) Shape() []int { return []int{t.Batch, t.Seq, t.Dim} }

// At returns the value at (b, s, d).
func (t *Tensor3) At(b, s, d int) float32 { return t.Data[(b*t.Seq+s)*t.Dim+d] }

// Set sets the value at (b, s, d).
func (t *Tensor3) Set(b, s, d int, v float32) { t.Data[(b*t.Seq+s)*t.Dim+d] = v }

// Row returns the feature vector of token (b, s).
func (t *Tensor3) Row(b, s int) []float32 {
	off := (b*t.Seq + s) * t.Dim
	return t.Data[off : off+t.Dim]
}

// Rows returns batch*seq, the number of feature vectors.
func (t *Tensor3) Rows() int { return t.Batch * t.Seq }

// Clone returns a deep copy.
func (t *Tensor3) Clone() *Tensor3 {
	out := New3(t.Batch, t.Seq, t.Dim)
	copy(out.Data, t.Data)
	return out
}

// General views t as a (batch*seq) × dim matrix without copying.
func (t *Tensor3) General() blas32.General {
	return blas32.General{Rows: t.Rows(), Cols: t.Dim, Stride: max(t.Dim, 1), Data: t.Data}
}

// Shape returns [batch heads seq dim].
func (t *Tensor4) Shape() []int { return []int{t.Batch, t.Heads, t.Seq, t.Dim} }

// At returns the value at (b, h, s, d).
func (t *Tensor4) At(b, h, s, d int) float32 {
	return t.Data[((b*t.Heads+h)*t.Seq+s)*t.Dim+d]
}

// Set sets the value at (b, h, s, d).
func (t *Tensor4) Set(b, h, s, d int, v float32) {
	t.Data[((b*t.Heads+h)*t.Seq+s)*t.Dim+d] = v
}

// Rows returns batch*heads*seq, the number of last-axis rows.
func (t *Tensor4) Rows() int { return t.Batch * t.Heads * t.Seq }

// Row returns the i-th last-axis row, counting over batch, heads and seq.
func (t *Tensor4) Row(i int) []float32 { return t.Data[i*t.Dim : (i+1)*t.Dim] }

// Clone returns a deep copy.
func (t *Tensor4) Clone() *Tensor4 {
	out := New4(t.Batch, t.Heads, t.Seq, t.Dim)
	copy(out.Data, t.Data)
	return out
}

// Matrix views the seq × dim slab of head h in batch b without copying.
func (t *Tensor4) Matrix(b, h int) blas32.General {
	size := t.Seq * t.Dim
	off := (b*t.Heads + h) * size
	return blas32.General{Rows: t.Seq, Cols: t.Dim, Stride: max(t.Dim, 1), Data: t.Data[off : off+size]}
}
