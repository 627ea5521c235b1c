// Package weights stores encoder weights as a single CBOR document: the model
// configuration plus a map of named tensors. Tensor names follow the BERT
// checkpoint convention (encoder.layer.{i}.attention.self.query.weight, ...)
// but matrices are stored in × out, the layout the dense layers consume.
package weights

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/quant"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// FormatVersion identifies bundles written by this package.
const FormatVersion = "quiver/v1"

// ErrMissing is wrapped when a required tensor is absent from a bundle.
var ErrMissing = errors.New("missing tensor")

// DType is the on-disk element type of an Entry.
type DType string

const (
	F32 DType = "f32"
	F16 DType = "f16"
	I8  DType = "i8"
)

// Entry is one named tensor. Data is little-endian; I8 entries reconstruct as
// value * Scale.
type Entry struct {
	DType DType   `cbor:"dtype"`
	Shape []int   `cbor:"shape"`
	Data  []byte  `cbor:"data"`
	Scale float32 `cbor:"scale,omitempty"`
}

// Bundle is a serialized encoder.
type Bundle struct {
	Format  string           `cbor:"format"`
	Config  config.Params    `cbor:"config"`
	Tensors map[string]Entry `cbor:"tensors"`
}

// Save writes enc and its configuration to w with float32 tensors.
func Save(w io.Writer, enc *model.Encoder, cfg *config.BaseConfig) error {
	b, err := FromEncoder(enc, cfg, F32)
	if err != nil {
		return err
	}
	return b.Encode(w)
}

// SaveFile is Save to a newly created file.
func SaveFile(path string, enc *model.Encoder, cfg *config.BaseConfig, floatType DType) error {
	b, err := FromEncoder(enc, cfg, floatType)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}
	if err := b.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes the bundle as CBOR.
func (b *Bundle) Encode(w io.Writer) error {
	if err := cbor.NewEncoder(w).Encode(b); err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	return nil
}

// Load decodes a bundle from r.
func Load(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := cbor.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	if b.Format != FormatVersion {
		return nil, fmt.Errorf("unsupported weights format %q, want %q", b.Format, FormatVersion)
	}
	log.Debug().Int("tensors", len(b.Tensors)).Str("model_type", b.Config.ModelType).Msg("Decoded weight bundle")
	return &b, nil
}

// LoadFile decodes a bundle from path.
func LoadFile(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights: %w", err)
	}
	defer f.Close()

	b, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load weights %s: %w", path, err)
	}
	return b, nil
}

func encodeFloats(values []float32, dtype DType, shape ...int) Entry {
	switch dtype {
	case F16:
		data := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(data[2*i:], device.Float32ToFloat16(v))
		}
		return Entry{DType: F16, Shape: shape, Data: data}
	default:
		data := make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
		}
		return Entry{DType: F32, Shape: shape, Data: data}
	}
}

func encodeInt8(q quant.Int8) Entry {
	data := make([]byte, len(q.Values))
	for i, v := range q.Values {
		data[i] = byte(v)
	}
	return Entry{DType: I8, Shape: []int{q.Rows, q.Cols}, Data: data, Scale: q.Scale}
}

func (e Entry) size() int {
	n := 1
	for _, d := range e.Shape {
		n *= d
	}
	return n
}

func (e Entry) checkShape(name string, want ...int) error {
	if len(e.Shape) != len(want) {
		return fmt.Errorf("tensor %s: %w", name, &tensor.ShapeError{Op: "weights", Detail: "rank", Want: want, Got: e.Shape})
	}
	for i := range want {
		if e.Shape[i] != want[i] {
			return fmt.Errorf("tensor %s: %w", name, &tensor.ShapeError{Op: "weights", Want: want, Got: e.Shape})
		}
	}
	width := map[DType]int{F32: 4, F16: 2, I8: 1}[e.DType]
	if width == 0 {
		return fmt.Errorf("tensor %s: unknown dtype %q", name, e.DType)
	}
	if len(e.Data) != width*e.size() {
		return fmt.Errorf("tensor %s: %d bytes of %s data for %v", name, len(e.Data), e.DType, e.Shape)
	}
	return nil
}

// floats decodes any dtype to float32.
func (e Entry) floats() []float32 {
	out := make([]float32, e.size())
	switch e.DType {
	case F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(e.Data[4*i:]))
		}
	case F16:
		for i := range out {
			out[i] = device.Float16ToFloat32(binary.LittleEndian.Uint16(e.Data[2*i:]))
		}
	case I8:
		for i := range out {
			out[i] = float32(int8(e.Data[i])) * e.Scale
		}
	}
	return out
}
