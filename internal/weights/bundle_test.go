package weights

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/quant"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func smallConfig(t *testing.T) *config.BaseConfig {
	t.Helper()
	p := config.Defaults()
	p.VocabSize = 40
	p.HiddenSize = 16
	p.NumHiddenLayers = 2
	p.NumAttentionHeads = 4
	p.IntermediateSize = 32
	p.MaxPositionEmbeddings = 8
	cfg, err := config.New(p)
	require.NoError(t, err)
	return cfg
}

var testIDs = [][]int{{1, 2, 3, 4}, {5, 6, 0, 0}}

func encode(t *testing.T, enc *model.Encoder) *tensor.Tensor3 {
	t.Helper()
	mask, err := model.MaskFromLengths([]int{4, 2}, 4)
	require.NoError(t, err)
	out, err := enc.Encode(context.Background(), testIDs, nil, mask)
	require.NoError(t, err)
	return out
}

func TestRoundTrip(t *testing.T) {
	be := device.NewCPUBackend()
	cfg := smallConfig(t)
	enc, err := model.NewRandomEncoder(cfg, be, 17)
	require.NoError(t, err)
	want := encode(t, enc)

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, enc, cfg))

	b, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, cfg.Params(), b.Config)
	assert.Contains(t, b.Tensors, "encoder.layer.1.attention.self.query.weight")
	assert.Contains(t, b.Tensors, "encoder.layer.0.output.LayerNorm.bias")
	assert.Equal(t, []int{16, 32}, b.Tensors["encoder.layer.0.intermediate.dense.weight"].Shape)

	loaded, err := b.Encoder(be)
	require.NoError(t, err)
	assert.Equal(t, want.Data, encode(t, loaded).Data)
}

func TestRoundTripFP16(t *testing.T) {
	be := device.NewCPUBackend()
	cfg := smallConfig(t)
	enc, err := model.NewRandomEncoder(cfg, be, 18)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.cbor")
	require.NoError(t, SaveFile(path, enc, cfg, F16))

	b, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, F16, b.Tensors[wordEmbeddings].DType)

	loaded, err := b.Encoder(be)
	require.NoError(t, err)
	assert.InDeltaSlice(t, encode(t, enc).Data, encode(t, loaded).Data, 0.05)
}

func TestRoundTripInt8(t *testing.T) {
	be := device.NewCPUBackend()
	cfg := smallConfig(t)
	enc, err := model.NewRandomEncoder(cfg, be, 19)
	require.NoError(t, err)
	q, err := model.QuantizeEncoder(enc)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, q, cfg))
	b, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, I8, b.Tensors["encoder.layer.0.attention.self.key.weight"].DType)
	assert.Equal(t, F32, b.Tensors["encoder.layer.0.attention.self.key.bias"].DType)

	loaded, err := b.Encoder(be)
	require.NoError(t, err)
	_, ok := loaded.Layers[0].Attention.Key.Weight.(quant.Int8)
	assert.True(t, ok)
	assert.Equal(t, q.Layers[1].FeedForward.Output.Weight, loaded.Layers[1].FeedForward.Output.Weight)
	assert.Equal(t, encode(t, q).Data, encode(t, loaded).Data)
}

func TestLoadErrors(t *testing.T) {
	be := device.NewCPUBackend()
	cfg := smallConfig(t)
	enc, err := model.NewRandomEncoder(cfg, be, 20)
	require.NoError(t, err)

	fresh := func(t *testing.T) *Bundle {
		b, err := FromEncoder(enc, cfg, F32)
		require.NoError(t, err)
		return b
	}

	t.Run("MissingTensor", func(t *testing.T) {
		b := fresh(t)
		delete(b.Tensors, "encoder.layer.1.attention.self.value.weight")
		_, err := b.Encoder(be)
		require.ErrorIs(t, err, ErrMissing)
		assert.Contains(t, err.Error(), "encoder.layer.1.attention.self.value.weight")
		assert.Contains(t, err.Error(), "layer 1")
	})

	t.Run("WrongShape", func(t *testing.T) {
		b := fresh(t)
		name := "encoder.layer.0.intermediate.dense.weight"
		b.Tensors[name] = encodeFloats(make([]float32, 32*16), F32, 32, 16)
		_, err := b.Encoder(be)
		require.ErrorIs(t, err, tensor.ErrShape)
		assert.Contains(t, err.Error(), name)
	})

	t.Run("TruncatedData", func(t *testing.T) {
		b := fresh(t)
		e := b.Tensors[positionEmbeddings]
		e.Data = e.Data[:len(e.Data)-4]
		b.Tensors[positionEmbeddings] = e
		_, err := b.Encoder(be)
		require.Error(t, err)
		assert.Contains(t, err.Error(), positionEmbeddings)
	})

	t.Run("UnknownDType", func(t *testing.T) {
		b := fresh(t)
		e := b.Tensors[tokenTypeEmbeddings]
		e.DType = "bf16"
		b.Tensors[tokenTypeEmbeddings] = e
		_, err := b.Encoder(be)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown dtype")
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		b := fresh(t)
		b.Config.NumAttentionHeads = 5
		_, err := b.Encoder(be)
		require.ErrorIs(t, err, config.ErrInvalid)
	})

	t.Run("WrongFormat", func(t *testing.T) {
		b := fresh(t)
		b.Format = "other/v9"
		data, err := cbor.Marshal(b)
		require.NoError(t, err)
		_, err = Load(bytes.NewReader(data))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported weights format")
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := Load(bytes.NewReader([]byte{0xff, 0x00, 0x13}))
		require.Error(t, err)
	})

	t.Run("BadFloatType", func(t *testing.T) {
		_, err := FromEncoder(enc, cfg, I8)
		require.Error(t, err)
	})
}

func TestLayersOnlyBundle(t *testing.T) {
	be := device.NewCPUBackend()
	cfg := smallConfig(t)
	enc, err := model.NewRandomEncoder(cfg, be, 21)
	require.NoError(t, err)
	enc.Embeddings = nil

	b, err := FromEncoder(enc, cfg, F32)
	require.NoError(t, err)
	assert.NotContains(t, b.Tensors, wordEmbeddings)

	loaded, err := b.Encoder(be)
	require.NoError(t, err)
	assert.Nil(t, loaded.Embeddings)

	x := tensor.New3(1, 3, 16)
	for i := range x.Data {
		x.Data[i] = float32(i%7) - 3
	}
	want, err := enc.Forward(context.Background(), x, nil)
	require.NoError(t, err)
	got, err := loaded.Forward(context.Background(), x, nil)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestSummary(t *testing.T) {
	b := &Bundle{Format: FormatVersion, Tensors: map[string]Entry{
		"b.bias":   encodeFloats([]float32{1, 2, 3}, F32, 3),
		"a.weight": encodeInt8(quant.Int8{Rows: 2, Cols: 3, Values: []int8{1, 2, 3, 4, 5, 6}, Scale: 0.5}),
		"c.broken": {DType: F32, Shape: []int{4}, Data: []byte{1, 2}},
	}}

	s := b.Summary()
	require.Len(t, s, 3)
	assert.Equal(t, "a.weight", s[0].Name)
	assert.Equal(t, []float32{0.5, 1, 1.5, 2, 2.5}, s[0].FirstFew)
	assert.Equal(t, []float32{1, 1.5, 2, 2.5, 3}, s[0].LastFew)
	assert.InDelta(t, 10.5, s[0].Sum, 1e-9)

	assert.Equal(t, "b.bias", s[1].Name)
	assert.Equal(t, []float32{1, 2, 3}, s[1].FirstFew)
	assert.Equal(t, 12, s[1].Bytes)

	assert.Equal(t, "c.broken", s[2].Name)
	assert.Nil(t, s[2].FirstFew)
}
