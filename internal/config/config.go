// Package config loads encoder hyperparameters from HuggingFace-style
// config.json files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/model"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Params is the serialized form of a configuration. Field names follow
// config.json.
type Params struct {
	ModelType             string  `json:"model_type"`
	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	IntermediateSize      int     `json:"intermediate_size"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	TypeVocabSize         int     `json:"type_vocab_size"`
	LayerNormEps          float32 `json:"layer_norm_eps"`
	HiddenDropoutProb     float32 `json:"hidden_dropout_prob"`
	AttentionDropoutProb  float32 `json:"attention_probs_dropout_prob"`
	HiddenAct             string  `json:"hidden_act"`
}

// Defaults returns the values used for fields absent from config.json.
func Defaults() Params {
	return Params{
		ModelType:            "bert",
		TypeVocabSize:        2,
		LayerNormEps:         1e-12,
		HiddenDropoutProb:    0.1,
		AttentionDropoutProb: 0.1,
		HiddenAct:            "gelu",
	}
}

// BaseConfig is an immutable, validated model.Config.
type BaseConfig struct {
	params Params
	act    model.Activation
}

var _ model.Config = (*BaseConfig)(nil)

// New validates p and returns the corresponding configuration.
func New(p Params) (*BaseConfig, error) {
	act, err := model.ParseActivation(p.HiddenAct)
	if err != nil {
		return nil, fmt.Errorf("%w: hidden_act: %v", ErrInvalid, err)
	}
	c := &BaseConfig{params: p, act: act}
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultBertTiny returns the BERT-Tiny configuration (2 layers, 128 hidden).
func DefaultBertTiny() *BaseConfig {
	p := Defaults()
	p.VocabSize = 30522
	p.HiddenSize = 128
	p.NumHiddenLayers = 2
	p.NumAttentionHeads = 2
	p.IntermediateSize = 512
	p.MaxPositionEmbeddings = 512
	c, err := New(p)
	if err != nil {
		panic(err)
	}
	return c
}

// Decode reads a JSON configuration. Unknown fields are ignored so stock
// config.json files load as is.
func Decode(r io.Reader) (*BaseConfig, error) {
	p := Defaults()
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return New(p)
}

// Load reads a JSON configuration from path.
func Load(path string) (*BaseConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	log.Debug().
		Str("path", path).
		Str("model_type", c.ModelType()).
		Int("hidden", c.HiddenSize()).
		Int("layers", c.NumHiddenLayers()).
		Msg("Loaded model config")
	return c, nil
}

// Validate checks any model.Config for values the layers cannot run with.
func Validate(c model.Config) error {
	positive := []struct {
		name  string
		value int
	}{
		{"hidden_size", c.HiddenSize()},
		{"num_attention_heads", c.NumAttentionHeads()},
		{"intermediate_size", c.IntermediateSize()},
		{"vocab_size", c.VocabSize()},
		{"max_position_embeddings", c.MaxPositionEmbeddings()},
		{"type_vocab_size", c.TypeVocabSize()},
	}
	for _, f := range positive {
		if f.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, f.name, f.value)
		}
	}
	if c.NumHiddenLayers() < 0 {
		return fmt.Errorf("%w: num_hidden_layers must not be negative, got %d", ErrInvalid, c.NumHiddenLayers())
	}
	if c.HiddenSize()%c.NumAttentionHeads() != 0 {
		return fmt.Errorf("%w: hidden_size %d not divisible by num_attention_heads %d",
			ErrInvalid, c.HiddenSize(), c.NumAttentionHeads())
	}
	if c.LayerNormEps() <= 0 {
		return fmt.Errorf("%w: layer_norm_eps must be positive, got %g", ErrInvalid, c.LayerNormEps())
	}
	for _, p := range []float32{c.HiddenDropoutProb(), c.AttentionDropoutProb()} {
		if p < 0 || p >= 1 {
			return fmt.Errorf("%w: dropout probability %g outside [0, 1)", ErrInvalid, p)
		}
	}
	return nil
}

// Params returns a copy of the serialized form.
func (c *BaseConfig) Params() Params { return c.params }

func (c *BaseConfig) HiddenSize() int               { return c.params.HiddenSize }
func (c *BaseConfig) NumAttentionHeads() int        { return c.params.NumAttentionHeads }
func (c *BaseConfig) NumHiddenLayers() int          { return c.params.NumHiddenLayers }
func (c *BaseConfig) IntermediateSize() int         { return c.params.IntermediateSize }
func (c *BaseConfig) VocabSize() int                { return c.params.VocabSize }
func (c *BaseConfig) MaxPositionEmbeddings() int    { return c.params.MaxPositionEmbeddings }
func (c *BaseConfig) TypeVocabSize() int            { return c.params.TypeVocabSize }
func (c *BaseConfig) LayerNormEps() float32         { return c.params.LayerNormEps }
func (c *BaseConfig) HiddenDropoutProb() float32    { return c.params.HiddenDropoutProb }
func (c *BaseConfig) AttentionDropoutProb() float32 { return c.params.AttentionDropoutProb }
func (c *BaseConfig) HiddenAct() model.Activation   { return c.act }
func (c *BaseConfig) ModelType() string             { return c.params.ModelType }
