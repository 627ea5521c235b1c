package model

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var tracer = otel.Tracer("quiver-encoder")

// Encoder is a stack of Transformer layers, optionally fronted by embeddings.
// All weights are read-only, so one Encoder serves any number of concurrent
// forward passes.
type Encoder struct {
	Config     Config
	Backend    device.Backend
	Embeddings *Embeddings
	Layers     []*TransformerLayer
}

// NewEncoder assembles an encoder. embeddings may be nil when callers feed
// hidden states directly.
func NewEncoder(cfg Config, backend device.Backend, embeddings *Embeddings, layers []*TransformerLayer) (*Encoder, error) {
	if len(layers) != cfg.NumHiddenLayers() {
		return nil, fmt.Errorf("encoder: got %d layers, config wants %d", len(layers), cfg.NumHiddenLayers())
	}
	for i, l := range layers {
		if l.Attention.HiddenSize != cfg.HiddenSize() {
			return nil, fmt.Errorf("encoder: layer %d: %w", i, &tensor.ShapeError{Op: "NewEncoder", Detail: "layer hidden size",
				Want: []int{cfg.HiddenSize()}, Got: []int{l.Attention.HiddenSize}})
		}
	}
	if embeddings != nil && embeddings.HiddenSize() != cfg.HiddenSize() {
		return nil, &tensor.ShapeError{Op: "NewEncoder", Detail: "embedding width",
			Want: []int{cfg.HiddenSize()}, Got: []int{embeddings.HiddenSize()}}
	}

	log.Debug().
		Str("model_type", cfg.ModelType()).
		Int("layers", len(layers)).
		Int("hidden", cfg.HiddenSize()).
		Int("heads", cfg.NumAttentionHeads()).
		Str("backend", backend.Name()).
		Msg("Encoder assembled")

	return &Encoder{Config: cfg, Backend: backend, Embeddings: embeddings, Layers: layers}, nil
}

// Forward runs every layer in order. The context is checked between layers;
// a single layer always runs to completion.
func (e *Encoder) Forward(ctx context.Context, hiddenStates *tensor.Tensor3, mask *tensor.Tensor2) (*tensor.Tensor3, error) {
	ctx, span := tracer.Start(ctx, "Encoder.Forward", trace.WithAttributes(
		attribute.Int("batch", hiddenStates.Batch),
		attribute.Int("seq_len", hiddenStates.Seq),
		attribute.Int("layers", len(e.Layers)),
	))
	defer span.End()

	for i, layer := range e.Layers {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}

		_, layerSpan := tracer.Start(ctx, "TransformerLayer.Forward", trace.WithAttributes(attribute.Int("layer", i)))
		next, err := layer.Forward(hiddenStates, mask)
		layerSpan.End()
		if err != nil {
			err = fmt.Errorf("layer %d: %w", i, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "layer failed")
			return nil, err
		}
		hiddenStates = next
	}
	return hiddenStates, nil
}

// Encode embeds token ids and runs the layer stack.
func (e *Encoder) Encode(ctx context.Context, inputIDs, typeIDs [][]int, mask *tensor.Tensor2) (*tensor.Tensor3, error) {
	if e.Embeddings == nil {
		return nil, fmt.Errorf("encoder: no embeddings configured")
	}
	hidden, err := e.Embeddings.Forward(inputIDs, typeIDs)
	if err != nil {
		return nil, err
	}
	return e.Forward(ctx, hidden, mask)
}

// MaskFromLengths builds a (batch × seqLen) attention mask with 1 for the
// first lengths[b] positions of each sequence and 0 for the padding.
func MaskFromLengths(lengths []int, seqLen int) (*tensor.Tensor2, error) {
	mask := tensor.New2(len(lengths), seqLen)
	for b, l := range lengths {
		if l < 1 || l > seqLen {
			return nil, fmt.Errorf("mask: length %d of sequence %d outside [1, %d]", l, b, seqLen)
		}
		row := mask.Row(b)
		for s := 0; s < l; s++ {
			row[s] = 1
		}
	}
	return mask, nil
}
