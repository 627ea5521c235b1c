// Package device provides the compute backend used by every forward pass:
// parallel fan-out over independent rows, BLAS matrix products and pooled
// scratch buffers.
package device

import "gonum.org/v1/gonum/blas/blas32"

// Backend runs the data-parallel and BLAS parts of a forward pass.
//
// Implementations must be safe for concurrent use: a single backend is shared
// by every layer of a model and by every concurrent forward pass over it.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Workers returns the maximum fan-out used by For.
	Workers() int

	// For calls fn(i) for every i in [0, n). Iterations must be independent;
	// no ordering is guaranteed. For returns once every call has returned.
	For(n int, fn func(i int))

	// MatMul computes c = a * b, or c = a * bᵀ when transB is set.
	// Dimensions are checked and a mismatch panics.
	MatMul(c, a, b blas32.General, transB bool)

	// GetBuffer returns a zeroed scratch slice of length n that the caller
	// owns until it hands it back with PutBuffer.
	GetBuffer(n int) []float32

	// PutBuffer returns a slice obtained from GetBuffer. The caller must not
	// touch it afterwards.
	PutBuffer(buf []float32)
}
