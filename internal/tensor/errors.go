package tensor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrShape is matched by every *ShapeError through errors.Is.
var ErrShape = errors.New("shape mismatch")

// Any marks a dimension that ShapeError.Want does not constrain.
const Any = -1

// ShapeError reports an operation whose operands do not line up. It is a
// model/configuration defect, never a transient condition.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
	// Detail names the offending operand when Want/Got alone are ambiguous.
	Detail string
}

func (e *ShapeError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	sb.WriteString(": shape mismatch")
	if e.Detail != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Detail)
		sb.WriteString(")")
	}
	fmt.Fprintf(&sb, ": want %s, got %s", formatDims(e.Want), formatDims(e.Got))
	return sb.String()
}

func (e *ShapeError) Is(target error) bool {
	return target == ErrShape
}

func formatDims(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		if d == Any {
			parts[i] = "?"
		} else {
			parts[i] = strconv.Itoa(d)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func shapeErr(op, detail string, want, got []int) error {
	return &ShapeError{Op: op, Want: want, Got: got, Detail: detail}
}
