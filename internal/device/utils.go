package device

import (
	"math"

	"github.com/x448/float16"
)

// maxFloat16 is the largest finite binary16 value.
const maxFloat16 = 65504

// Float32ToFloat16 converts a float32 to its IEEE 754 binary16 bit pattern,
// rounding to nearest even. Finite values beyond the FP16 range saturate to
// ±65504 rather than overflowing to infinity; NaN and ±Inf are preserved.
func Float32ToFloat16(f float32) uint16 {
	switch {
	case math.IsNaN(float64(f)):
		return 0x7E00
	case f > maxFloat16 && !math.IsInf(float64(f), 1):
		return 0x7BFF
	case f < -maxFloat16 && !math.IsInf(float64(f), -1):
		return 0xFBFF
	}
	return float16.Fromfloat32(f).Bits()
}

// Float16ToFloat32 converts an IEEE 754 binary16 bit pattern to float32.
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}
