package weights

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/quant"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

const (
	wordEmbeddings      = "embeddings.word_embeddings.weight"
	positionEmbeddings  = "embeddings.position_embeddings.weight"
	tokenTypeEmbeddings = "embeddings.token_type_embeddings.weight"
	embeddingsLayerNorm = "embeddings.LayerNorm"
)

func layerPrefix(i int) string {
	return fmt.Sprintf("encoder.layer.%d.", i)
}

// FromEncoder captures every parameter of enc. Float tensors are written as
// floatType (F32 or F16); Int8 dense weights keep their quantized form.
func FromEncoder(enc *model.Encoder, cfg *config.BaseConfig, floatType DType) (*Bundle, error) {
	if floatType != F32 && floatType != F16 {
		return nil, fmt.Errorf("unsupported float type %q", floatType)
	}
	if len(enc.Layers) != cfg.NumHiddenLayers() {
		return nil, fmt.Errorf("encoder has %d layers, config wants %d", len(enc.Layers), cfg.NumHiddenLayers())
	}

	w := &writer{dtype: floatType, tensors: make(map[string]Entry)}
	if e := enc.Embeddings; e != nil {
		w.table(wordEmbeddings, e.WordEmbeddings)
		w.table(positionEmbeddings, e.PositionEmbeddings)
		w.table(tokenTypeEmbeddings, e.TokenTypeEmbeddings)
		w.layerNorm(embeddingsLayerNorm, e.LayerNorm)
	}
	for i, l := range enc.Layers {
		p := layerPrefix(i)
		w.dense(p+"attention.self.query", l.Attention.Query)
		w.dense(p+"attention.self.key", l.Attention.Key)
		w.dense(p+"attention.self.value", l.Attention.Value)
		w.dense(p+"attention.output.dense", l.Attention.Output)
		w.layerNorm(p+"attention.output.LayerNorm", l.LayerNorm1)
		w.dense(p+"intermediate.dense", l.FeedForward.Intermediate)
		w.dense(p+"output.dense", l.FeedForward.Output)
		w.layerNorm(p+"output.LayerNorm", l.LayerNorm2)
	}

	return &Bundle{Format: FormatVersion, Config: cfg.Params(), Tensors: w.tensors}, nil
}

type writer struct {
	dtype   DType
	tensors map[string]Entry
}

func (w *writer) table(name string, t *tensor.Tensor2) {
	w.tensors[name] = encodeFloats(t.Data, w.dtype, t.Rows, t.Cols)
}

func (w *writer) dense(name string, d model.Dense) {
	switch v := d.Weight.(type) {
	case quant.Int8:
		w.tensors[name+".weight"] = encodeInt8(v)
	case quant.Full:
		w.table(name+".weight", v.T)
	}
	if d.Bias != nil {
		w.tensors[name+".bias"] = encodeFloats(d.Bias, w.dtype, len(d.Bias))
	}
}

func (w *writer) layerNorm(name string, ln *model.LayerNorm) {
	if ln == nil {
		return
	}
	w.tensors[name+".weight"] = encodeFloats(ln.Weight, w.dtype, len(ln.Weight))
	w.tensors[name+".bias"] = encodeFloats(ln.Bias, w.dtype, len(ln.Bias))
}

// BaseConfig validates the embedded configuration.
func (b *Bundle) BaseConfig() (*config.BaseConfig, error) {
	return config.New(b.Config)
}

// Encoder assembles a model from the bundle. Embeddings are optional as a
// group; every layer tensor except biases is required.
func (b *Bundle) Encoder(be device.Backend) (*model.Encoder, error) {
	cfg, err := b.BaseConfig()
	if err != nil {
		return nil, err
	}
	hidden, inter := cfg.HiddenSize(), cfg.IntermediateSize()
	eps := cfg.LayerNormEps()

	var embeddings *model.Embeddings
	if _, ok := b.Tensors[wordEmbeddings]; ok {
		word, err := b.table(wordEmbeddings, cfg.VocabSize(), hidden)
		if err != nil {
			return nil, err
		}
		pos, err := b.table(positionEmbeddings, cfg.MaxPositionEmbeddings(), hidden)
		if err != nil {
			return nil, err
		}
		typ, err := b.table(tokenTypeEmbeddings, cfg.TypeVocabSize(), hidden)
		if err != nil {
			return nil, err
		}
		var ln *model.LayerNorm
		if _, ok := b.Tensors[embeddingsLayerNorm+".weight"]; ok {
			if ln, err = b.layerNorm(be, embeddingsLayerNorm, hidden, eps); err != nil {
				return nil, err
			}
		}
		if embeddings, err = model.NewEmbeddings(be, word, pos, typ, ln, cfg.HiddenDropoutProb()); err != nil {
			return nil, err
		}
	}

	layers := make([]*model.TransformerLayer, cfg.NumHiddenLayers())
	for i := range layers {
		if layers[i], err = b.layer(be, layerPrefix(i), hidden, inter, cfg); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	log.Debug().
		Int("layers", len(layers)).
		Bool("embeddings", embeddings != nil).
		Msg("Assembled encoder from weight bundle")
	return model.NewEncoder(cfg, be, embeddings, layers)
}

func (b *Bundle) layer(be device.Backend, p string, hidden, inter int, cfg *config.BaseConfig) (*model.TransformerLayer, error) {
	var projections [4]model.Dense
	for i, name := range []string{"attention.self.query", "attention.self.key", "attention.self.value", "attention.output.dense"} {
		d, err := b.dense(p+name, hidden, hidden)
		if err != nil {
			return nil, err
		}
		projections[i] = d
	}
	attn, err := model.NewMultiHeadAttention(be, hidden, cfg.NumAttentionHeads(),
		projections[0], projections[1], projections[2], projections[3])
	if err != nil {
		return nil, err
	}

	intermediate, err := b.dense(p+"intermediate.dense", hidden, inter)
	if err != nil {
		return nil, err
	}
	output, err := b.dense(p+"output.dense", inter, hidden)
	if err != nil {
		return nil, err
	}
	ff, err := model.NewFeedForward(be, intermediate, output, cfg.HiddenAct())
	if err != nil {
		return nil, err
	}

	ln1, err := b.layerNorm(be, p+"attention.output.LayerNorm", hidden, cfg.LayerNormEps())
	if err != nil {
		return nil, err
	}
	ln2, err := b.layerNorm(be, p+"output.LayerNorm", hidden, cfg.LayerNormEps())
	if err != nil {
		return nil, err
	}
	return model.NewTransformerLayer(attn, ff, ln1, ln2)
}

func (b *Bundle) entry(name string, shape ...int) (Entry, error) {
	e, ok := b.Tensors[name]
	if !ok {
		return Entry{}, fmt.Errorf("tensor %s: %w", name, ErrMissing)
	}
	if err := e.checkShape(name, shape...); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (b *Bundle) table(name string, rows, cols int) (*tensor.Tensor2, error) {
	e, err := b.entry(name, rows, cols)
	if err != nil {
		return nil, err
	}
	return &tensor.Tensor2{Rows: rows, Cols: cols, Data: e.floats()}, nil
}

func (b *Bundle) vector(name string, n int) ([]float32, error) {
	e, err := b.entry(name, n)
	if err != nil {
		return nil, err
	}
	return e.floats(), nil
}

func (b *Bundle) dense(name string, in, out int) (model.Dense, error) {
	e, err := b.entry(name+".weight", in, out)
	if err != nil {
		return model.Dense{}, err
	}
	var weight quant.Tensor
	if e.DType == I8 {
		values := make([]int8, len(e.Data))
		for i, v := range e.Data {
			values[i] = int8(v)
		}
		weight = quant.Int8{Rows: in, Cols: out, Values: values, Scale: e.Scale}
	} else {
		weight = quant.Full{T: &tensor.Tensor2{Rows: in, Cols: out, Data: e.floats()}}
	}

	var bias []float32
	if _, ok := b.Tensors[name+".bias"]; ok {
		if bias, err = b.vector(name+".bias", out); err != nil {
			return model.Dense{}, err
		}
	}
	return model.NewDense(weight, bias)
}

func (b *Bundle) layerNorm(be device.Backend, name string, size int, eps float32) (*model.LayerNorm, error) {
	gamma, err := b.vector(name+".weight", size)
	if err != nil {
		return nil, err
	}
	beta, err := b.vector(name+".bias", size)
	if err != nil {
		return nil, err
	}
	return model.NewLayerNorm(be, gamma, beta, eps)
}
