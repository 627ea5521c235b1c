package model

import (
	"fmt"
	"strings"
)

// Config is the hyperparameter capability set the layers depend on. Any
// configuration backend can satisfy it; the model never sees a concrete type.
// Implementations must be immutable once handed to a model.
type Config interface {
	HiddenSize() int
	NumAttentionHeads() int
	NumHiddenLayers() int
	IntermediateSize() int
	VocabSize() int
	MaxPositionEmbeddings() int
	TypeVocabSize() int
	LayerNormEps() float32
	// Dropout probabilities are carried for completeness; inference ignores them.
	HiddenDropoutProb() float32
	AttentionDropoutProb() float32
	HiddenAct() Activation
	ModelType() string
}

// Activation selects the elementwise non-linearity of the feed-forward block.
type Activation int

const (
	ActivationGELU Activation = iota
	ActivationReLU
	ActivationTanh
	ActivationSwish
)

func (a Activation) String() string {
	switch a {
	case ActivationGELU:
		return "gelu"
	case ActivationReLU:
		return "relu"
	case ActivationTanh:
		return "tanh"
	case ActivationSwish:
		return "swish"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// ParseActivation maps a HuggingFace hidden_act name to an Activation.
// Both GELU spellings resolve to the tanh approximation.
func ParseActivation(name string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gelu", "gelu_new", "gelu_pytorch_tanh":
		return ActivationGELU, nil
	case "relu":
		return ActivationReLU, nil
	case "tanh":
		return ActivationTanh, nil
	case "swish", "silu":
		return ActivationSwish, nil
	default:
		return 0, fmt.Errorf("unknown activation %q", name)
	}
}
