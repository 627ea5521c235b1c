package weights

import (
	"sort"
)

// TensorSummary describes one stored tensor for quick inspection.
type TensorSummary struct {
	Name     string    `json:"name"`
	DType    DType     `json:"dtype"`
	Shape    []int     `json:"shape"`
	Bytes    int       `json:"bytes"`
	FirstFew []float32 `json:"first_few"`
	LastFew  []float32 `json:"last_few"`
	Sum      float64   `json:"sum"`
}

// Summary decodes every well-formed tensor and reports its leading and
// trailing values and their sum, ordered by name. Malformed entries are
// reported with shape and size only.
func (b *Bundle) Summary() []TensorSummary {
	names := make([]string, 0, len(b.Tensors))
	for name := range b.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]TensorSummary, 0, len(names))
	for _, name := range names {
		e := b.Tensors[name]
		s := TensorSummary{Name: name, DType: e.DType, Shape: e.Shape, Bytes: len(e.Data)}
		if err := e.checkShape(name, e.Shape...); err == nil {
			data := e.floats()
			count := min(5, len(data))
			s.FirstFew = data[:count]
			s.LastFew = data[len(data)-count:]
			for _, v := range data {
				s.Sum += float64(v)
			}
		}
		out = append(out, s)
	}
	return out
}
