package device

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// CPUBackend fans work out over goroutines and multiplies through blas32.
// It is stateless apart from the scratch pool, which is itself safe for
// concurrent use.
type CPUBackend struct {
	workers int
	pool    sync.Pool
}

// NewCPUBackend returns a backend using one worker per CPU.
func NewCPUBackend() *CPUBackend {
	return NewCPUBackendWithWorkers(numWorkers)
}

// NewCPUBackendWithWorkers returns a backend with a fixed fan-out. Values
// below one run everything on the calling goroutine.
func NewCPUBackendWithWorkers(workers int) *CPUBackend {
	if workers < 1 {
		workers = 1
	}
	log.Debug().Int("workers", workers).Msg("CPU backend initialized")
	return &CPUBackend{workers: workers}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Workers() int {
	return b.workers
}

func (b *CPUBackend) For(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	workers := b.workers
	if n < workers {
		workers = n
	}
	if workers == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var wg sync.WaitGroup
	itemsPerWorker := (n + workers - 1) / workers

	for w := 0; w < workers; w++ {
		start := w * itemsPerWorker
		if start >= n {
			break
		}
		end := start + itemsPerWorker
		if end > n {
			end = n
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}

func (b *CPUBackend) MatMul(c, a, bm blas32.General, transB bool) {
	tB := blas.NoTrans
	br, bc := bm.Rows, bm.Cols
	if transB {
		tB = blas.Trans
		br, bc = bc, br
	}

	if a.Cols != br {
		panic(fmt.Sprintf("MatMul: dimension mismatch. A cols (%d) != B rows (%d)", a.Cols, br))
	}
	if c.Rows != a.Rows || c.Cols != bc {
		panic(fmt.Sprintf("MatMul: result dimension mismatch. Expected %dx%d, got %dx%d", a.Rows, bc, c.Rows, c.Cols))
	}
	if a.Rows == 0 || bc == 0 {
		return
	}
	if a.Cols == 0 {
		for i := 0; i < c.Rows; i++ {
			row := c.Data[i*c.Stride : i*c.Stride+c.Cols]
			for j := range row {
				row[j] = 0
			}
		}
		return
	}

	blas32.Gemm(blas.NoTrans, tB, 1, a, bm, 0, c)
}

func (b *CPUBackend) GetBuffer(n int) []float32 {
	if v := b.pool.Get(); v != nil {
		buf := v.(*[]float32)
		if cap(*buf) >= n {
			poolHits.Inc()
			s := (*buf)[:n]
			for i := range s {
				s[i] = 0
			}
			return s
		}
	}
	poolMisses.Inc()
	return make([]float32, n)
}

func (b *CPUBackend) PutBuffer(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	b.pool.Put(&buf)
}
