package device

import (
	"math"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(r, c int, data []float32) blas32.General {
	if data == nil {
		data = make([]float32, r*c)
	}
	return blas32.General{Rows: r, Cols: c, Stride: c, Data: data}
}

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPUBackend_For(t *testing.T) {
	for _, workers := range []int{1, 3, 8} {
		b := NewCPUBackendWithWorkers(workers)
		seen := make([]int32, 37)
		b.For(len(seen), func(i int) {
			atomic.AddInt32(&seen[i], 1)
		})
		for i, v := range seen {
			require.Equal(t, int32(1), v, "workers=%d index %d", workers, i)
		}
	}

	b := NewCPUBackend()
	b.For(0, func(int) { t.Fatal("fn must not run for n=0") })
}

func TestCPUBackend_MatMul(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("NoTrans", func(t *testing.T) {
		// A: 2x3, B: 3x2 -> C: 2x2
		a := general(2, 3, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		b := general(3, 2, []float32{
			7, 8,
			9, 10,
			11, 12,
		})
		c := general(2, 2, nil)
		backend.MatMul(c, a, b, false)

		// 1*7 + 2*9 + 3*11 = 58, 1*8 + 2*10 + 3*12 = 64
		// 4*7 + 5*9 + 6*11 = 139, 4*8 + 5*10 + 6*12 = 154
		require.Equal(t, []float32{58, 64, 139, 154}, c.Data)
	})

	t.Run("TransB", func(t *testing.T) {
		a := general(2, 3, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		// Bᵀ of the matrix above, stored 2x3.
		b := general(2, 3, []float32{
			7, 9, 11,
			8, 10, 12,
		})
		c := general(2, 2, nil)
		backend.MatMul(c, a, b, true)
		require.Equal(t, []float32{58, 64, 139, 154}, c.Data)
	})

	t.Run("Mismatch", func(t *testing.T) {
		a := general(2, 3, nil)
		b := general(2, 2, nil)
		c := general(2, 2, nil)
		require.Panics(t, func() { backend.MatMul(c, a, b, false) })
	})
}

func TestCPUBackend_Pool(t *testing.T) {
	backend := NewCPUBackend()

	startMisses := getMetricValue(poolMisses)
	buf := backend.GetBuffer(100)
	require.Len(t, buf, 100)
	assert.GreaterOrEqual(t, getMetricValue(poolMisses)-startMisses, 1.0)

	buf[0] = 123
	backend.PutBuffer(buf)

	// sync.Pool may drop entries; whatever comes back must be zeroed.
	buf2 := backend.GetBuffer(50)
	require.Len(t, buf2, 50)
	for i, v := range buf2 {
		require.Equal(t, float32(0), v, "index %d", i)
	}
}

func TestFloat16RoundTrip(t *testing.T) {
	tests := []struct {
		in   float32
		bits uint16
	}{
		{1.0, 0x3C00},
		{-2.0, 0xC000},
		{0.5, 0x3800},
		{65504, 0x7BFF},
		{0, 0x0000},
	}
	for _, tt := range tests {
		got := Float32ToFloat16(tt.in)
		require.Equal(t, tt.bits, got, "encode %v", tt.in)
		require.Equal(t, tt.in, Float16ToFloat32(got), "decode 0x%x", got)
	}

	// Round to nearest, ties to even.
	assert.Equal(t, uint16(0x3C02), Float32ToFloat16(1+0x1p-10+0x1p-11+0x1p-12))
	assert.Equal(t, float32(1.0019531), Float16ToFloat32(Float32ToFloat16(1+0x1p-10+0x1p-11+0x1p-12)))
	assert.Equal(t, uint16(0x3C00), Float32ToFloat16(1+0x1p-11))
	assert.Equal(t, uint16(0x3C02), Float32ToFloat16(1+0x1p-10+0x1p-11))
	assert.Equal(t, uint16(0x7BFF), Float32ToFloat16(65519))

	// Saturation instead of overflow.
	assert.Equal(t, uint16(0x7BFF), Float32ToFloat16(1e6))
	assert.Equal(t, uint16(0xFBFF), Float32ToFloat16(-1e6))

	// Special values.
	assert.True(t, math.IsNaN(float64(Float16ToFloat32(Float32ToFloat16(float32(math.NaN()))))))
	assert.True(t, math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(float32(math.Inf(1))))), 1))

	// Smallest FP16 subnormal, 2^-24.
	tiny := float32(math.Ldexp(1, -24))
	assert.Equal(t, uint16(0x0001), Float32ToFloat16(tiny))
	assert.Equal(t, tiny, Float16ToFloat32(0x0001))
}
