package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/quant"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// NewRandomEncoder builds a complete encoder from cfg with Xavier-uniform
// weights, zero biases and identity LayerNorms. The same seed always yields
// the same weights.
func NewRandomEncoder(cfg Config, be device.Backend, seed int64) (*Encoder, error) {
	rng := rand.New(rand.NewSource(seed))
	hidden, inter := cfg.HiddenSize(), cfg.IntermediateSize()
	eps := cfg.LayerNormEps()

	embeddings, err := NewEmbeddings(be,
		xavierInit(rng, cfg.VocabSize(), hidden),
		xavierInit(rng, cfg.MaxPositionEmbeddings(), hidden),
		xavierInit(rng, cfg.TypeVocabSize(), hidden),
		NewIdentityLayerNorm(be, hidden, eps),
		cfg.HiddenDropoutProb(),
	)
	if err != nil {
		return nil, err
	}

	layers := make([]*TransformerLayer, cfg.NumHiddenLayers())
	for i := range layers {
		attn, err := NewMultiHeadAttention(be, hidden, cfg.NumAttentionHeads(),
			randomDense(rng, hidden, hidden),
			randomDense(rng, hidden, hidden),
			randomDense(rng, hidden, hidden),
			randomDense(rng, hidden, hidden),
		)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		ff, err := NewFeedForward(be, randomDense(rng, hidden, inter), randomDense(rng, inter, hidden), cfg.HiddenAct())
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers[i], err = NewTransformerLayer(attn, ff,
			NewIdentityLayerNorm(be, hidden, eps),
			NewIdentityLayerNorm(be, hidden, eps),
		)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	log.Debug().Int64("seed", seed).Msg("Initialized random encoder weights")
	return NewEncoder(cfg, be, embeddings, layers)
}

// QuantizeEncoder returns a copy of enc whose dense weights are stored as
// Int8. Embedding tables, biases and LayerNorm parameters stay float32 and
// are shared with enc.
func QuantizeEncoder(enc *Encoder) (*Encoder, error) {
	layers := make([]*TransformerLayer, len(enc.Layers))
	for i, l := range enc.Layers {
		a := l.Attention
		attn, err := NewMultiHeadAttention(a.Backend, a.HiddenSize, a.NumHeads,
			quantizeDense(a.Query), quantizeDense(a.Key), quantizeDense(a.Value), quantizeDense(a.Output))
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		f := l.FeedForward
		ff, err := NewFeedForward(f.Backend, quantizeDense(f.Intermediate), quantizeDense(f.Output), f.Activation)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers[i] = &TransformerLayer{Attention: attn, FeedForward: ff, LayerNorm1: l.LayerNorm1, LayerNorm2: l.LayerNorm2}
	}
	return &Encoder{Config: enc.Config, Backend: enc.Backend, Embeddings: enc.Embeddings, Layers: layers}, nil
}

func quantizeDense(d Dense) Dense {
	if _, ok := d.Weight.(quant.Int8); ok {
		return d
	}
	return Dense{Weight: quant.Quantize(quant.Dequantize(d.Weight)), Bias: d.Bias}
}

func randomDense(rng *rand.Rand, in, out int) Dense {
	return Dense{Weight: quant.Full{T: xavierInit(rng, in, out)}, Bias: make([]float32, out)}
}

// xavierInit fills a rows × cols tensor with Glorot uniform values.
func xavierInit(rng *rand.Rand, rows, cols int) *tensor.Tensor2 {
	t := tensor.New2(rows, cols)
	limit := math.Sqrt(6.0 / float64(rows+cols))
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return t
}
