package model

import (
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/quant"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var goldenInput = []float32{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8,
	-0.3, 0.1, 0.4, -0.2, 0.0, 0.9, -0.5, 0.2,
	0.6, -0.1, 0.2, 0.3, -0.4, 0.1, 0.8, -0.6,
	0.0, 0.5, -0.7, 0.1, 0.3, -0.2, 0.4, 0.9,
}

func identityDense(n int) Dense {
	w := tensor.New2(n, n)
	for i := 0; i < n; i++ {
		w.Set(i, i, 1)
	}
	return Dense{Weight: quant.Full{T: w}, Bias: make([]float32, n)}
}

func randomAttention(t *testing.T, be device.Backend, hidden, heads int, seed int64) *MultiHeadAttention {
	t.Helper()
	rng := newTestRand(seed)
	attn, err := NewMultiHeadAttention(be, hidden, heads,
		randomDense(rng, hidden, hidden),
		randomDense(rng, hidden, hidden),
		randomDense(rng, hidden, hidden),
		randomDense(rng, hidden, hidden),
	)
	require.NoError(t, err)
	return attn
}

func identityAttention(t *testing.T, be device.Backend, hidden, heads int) *MultiHeadAttention {
	t.Helper()
	attn, err := NewMultiHeadAttention(be, hidden, heads,
		identityDense(hidden), identityDense(hidden), identityDense(hidden), identityDense(hidden))
	require.NoError(t, err)
	return attn
}

// simpleAttentionCPU is a scalar reference for one batch element with
// identity projections.
func simpleAttentionCPU(q, kv [][]float32, heads int, keep []bool) [][]float32 {
	hidden := len(q[0])
	headDim := hidden / heads
	scale := 1 / math.Sqrt(float64(headDim))
	out := make([][]float32, len(q))
	for i := range out {
		out[i] = make([]float32, hidden)
	}
	for h := 0; h < heads; h++ {
		for i := range q {
			scores := make([]float64, len(kv))
			maxScore := math.Inf(-1)
			for j := range kv {
				if keep != nil && !keep[j] {
					scores[j] = math.Inf(-1)
					continue
				}
				var s float64
				for d := 0; d < headDim; d++ {
					s += float64(q[i][h*headDim+d]) * float64(kv[j][h*headDim+d])
				}
				scores[j] = s * scale
				maxScore = math.Max(maxScore, scores[j])
			}
			var sum float64
			for j := range scores {
				scores[j] = math.Exp(scores[j] - maxScore)
				sum += scores[j]
			}
			for d := 0; d < headDim; d++ {
				var acc float64
				for j := range kv {
					acc += scores[j] / sum * float64(kv[j][h*headDim+d])
				}
				out[i][h*headDim+d] = float32(acc)
			}
		}
	}
	return out
}

func rowsOf(t *tensor.Tensor3, b int) [][]float32 {
	rows := make([][]float32, t.Seq)
	for s := range rows {
		rows[s] = t.Row(b, s)
	}
	return rows
}

func TestAttentionGolden(t *testing.T) {
	be := device.NewCPUBackend()
	attn := identityAttention(t, be, 8, 2)
	assert.Equal(t, 4, attn.HeadDim)
	assert.InDelta(t, 0.5, float64(attn.ScaleFactor), 1e-7)

	x, err := tensor.FromSlice3(1, 4, 8, goldenInput)
	require.NoError(t, err)

	t.Run("Unmasked", func(t *testing.T) {
		out, err := attn.Forward(x, nil, nil)
		require.NoError(t, err)
		require.Equal(t, []int{1, 4, 8}, out.Shape())

		want := []float32{
			0.113040, 0.165551, 0.070894, 0.162757, 0.210112, 0.364271, 0.405164, 0.493678,
			0.076438, 0.168077, 0.084270, 0.135115, 0.117444, 0.469029, 0.210190, 0.351622,
			0.142975, 0.152822, 0.073766, 0.174526, 0.004040, 0.299643, 0.464267, 0.138956,
			0.091259, 0.216874, -0.045239, 0.149585, 0.198696, 0.302198, 0.404244, 0.500999,
		}
		assert.InDeltaSlice(t, want, out.Data, 1e-4)
	})

	t.Run("Masked", func(t *testing.T) {
		mask, err := tensor.FromSlice2(1, 4, []float32{1, 1, 0, 0})
		require.NoError(t, err)
		out, err := attn.Forward(x, nil, mask)
		require.NoError(t, err)

		want := []float32{
			-0.086520, 0.153370, 0.346630, 0.120219, 0.333539, 0.699877, 0.300494, 0.600247,
			-0.113480, 0.146630, 0.353370, 0.079781, 0.203667, 0.777800, -0.011200, 0.444400,
			-0.080562, 0.154860, 0.345140, 0.129158, 0.273059, 0.736164, 0.155342, 0.527671,
			-0.091006, 0.152248, 0.347752, 0.113491, 0.324540, 0.705276, 0.278897, 0.589448,
		}
		assert.InDeltaSlice(t, want, out.Data, 1e-4)
	})

	assert.Equal(t, goldenInput, x.Data, "input must not be modified")
}

func TestAttentionMatchesReference(t *testing.T) {
	be := device.NewCPUBackend()
	attn := identityAttention(t, be, 16, 4)

	rng := newTestRand(3)
	x := tensor.New3(2, 5, 16)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	mask, err := MaskFromLengths([]int{5, 3}, 5)
	require.NoError(t, err)

	out, err := attn.Forward(x, nil, mask)
	require.NoError(t, err)

	for b := 0; b < 2; b++ {
		keep := make([]bool, 5)
		for s := range keep {
			keep[s] = mask.At(b, s) != 0
		}
		want := simpleAttentionCPU(rowsOf(x, b), rowsOf(x, b), 4, keep)
		for s := 0; s < 5; s++ {
			assert.InDeltaSlice(t, want[s], out.Row(b, s), 1e-4, "batch %d seq %d", b, s)
		}
	}
}

func TestCrossAttention(t *testing.T) {
	be := device.NewCPUBackend()
	attn := identityAttention(t, be, 8, 2)

	rng := newTestRand(11)
	q := tensor.New3(2, 3, 8)
	kv := tensor.New3(2, 6, 8)
	for i := range q.Data {
		q.Data[i] = float32(rng.NormFloat64())
	}
	for i := range kv.Data {
		kv.Data[i] = float32(rng.NormFloat64())
	}

	out, err := attn.Forward(q, kv, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 8}, out.Shape(), "output follows the query sequence")

	for b := 0; b < 2; b++ {
		want := simpleAttentionCPU(rowsOf(q, b), rowsOf(kv, b), 2, nil)
		for s := 0; s < 3; s++ {
			assert.InDeltaSlice(t, want[s], out.Row(b, s), 1e-4)
		}
	}

	t.Run("MaskFollowsKeys", func(t *testing.T) {
		_, err := attn.Forward(q, kv, tensor.New2(2, 3))
		require.ErrorIs(t, err, tensor.ErrShape)

		mask, err := MaskFromLengths([]int{6, 2}, 6)
		require.NoError(t, err)
		_, err = attn.Forward(q, kv, mask)
		require.NoError(t, err)
	})

	t.Run("BatchMismatch", func(t *testing.T) {
		_, err := attn.Forward(q, tensor.New3(1, 6, 8), nil)
		require.ErrorIs(t, err, tensor.ErrShape)
	})
}

func TestMaskedKeysGetZeroWeight(t *testing.T) {
	be := device.NewCPUBackend()
	attn := identityAttention(t, be, 4, 1)

	// Only key 0 is visible, so every query copies value 0 exactly.
	x, err := tensor.FromSlice3(1, 3, 4, []float32{
		1, 2, 3, 4,
		100, -50, 7, 9,
		-8, 30, 0.5, 2,
	})
	require.NoError(t, err)
	mask, err := tensor.FromSlice2(1, 3, []float32{1, 0, 0})
	require.NoError(t, err)

	out, err := attn.Forward(x, nil, mask)
	require.NoError(t, err)
	for s := 0; s < 3; s++ {
		assert.Equal(t, []float32{1, 2, 3, 4}, out.Row(0, s))
	}
}

func TestNewMultiHeadAttentionErrors(t *testing.T) {
	be := device.NewCPUBackend()
	id := identityDense(8)

	_, err := NewMultiHeadAttention(be, 8, 3, id, id, id, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "divisible")

	_, err = NewMultiHeadAttention(be, 8, 0, id, id, id, id)
	require.Error(t, err)

	_, err = NewMultiHeadAttention(be, 8, 2, id, identityDense(4), id, id)
	require.ErrorIs(t, err, tensor.ErrShape)
	assert.Contains(t, err.Error(), "key projection")

	_, err = NewMultiHeadAttention(be, 8, 2, id, id, Dense{}, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil value weight")
}

func TestAttentionHiddenMismatch(t *testing.T) {
	be := device.NewCPUBackend()
	attn := identityAttention(t, be, 8, 2)
	_, err := attn.Forward(tensor.New3(1, 2, 6), nil, nil)
	require.ErrorIs(t, err, tensor.ErrShape)
}

func TestAttentionDeterministic(t *testing.T) {
	be := device.NewCPUBackend()
	attn := randomAttention(t, be, 32, 4, 5)

	rng := newTestRand(9)
	x := tensor.New3(3, 7, 32)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	mask, err := MaskFromLengths([]int{7, 4, 1}, 7)
	require.NoError(t, err)

	first, err := attn.Forward(x, nil, mask)
	require.NoError(t, err)
	second, err := attn.Forward(x, nil, mask)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)

	t.Run("Concurrent", func(t *testing.T) {
		const callers = 8
		results := make([]*tensor.Tensor3, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = attn.Forward(x, nil, mask)
			}(i)
		}
		wg.Wait()
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, first.Data, results[i].Data, "caller %d", i)
		}
	})
}

func TestAttentionMetrics(t *testing.T) {
	be := device.NewCPUBackend()
	attn := identityAttention(t, be, 8, 2)
	x, err := tensor.FromSlice3(1, 4, 8, goldenInput)
	require.NoError(t, err)

	before := histogramCount(t, "attention", be.Name())
	_, err = attn.Forward(x, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, before+1, histogramCount(t, "attention", be.Name()))
}

func histogramCount(t *testing.T, layerType, deviceName string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, LayerDuration.WithLabelValues(layerType, deviceName).(prometheus.Metric).Write(m))
	return m.GetHistogram().GetSampleCount()
}
