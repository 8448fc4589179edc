package tensor

import (
	"math"

	"github.com/x448/float16"
)

// DType identifies the element encoding of a tensor.
//
// Weight matrices may use F32, F16, FP8 or GF4. The key/value cache supports
// F16 and FP8. All encodings decode to float32 on read, so code above this
// package always computes on full-precision rows regardless of storage.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	// DTypeFP8 is an 8-bit float in e5m2 layout: the high byte of an IEEE
	// half-precision value with the low mantissa byte dropped.
	DTypeFP8
	// DTypeGF4 is a 4-bit grouped format: eight weights packed into one
	// little-endian uint32, the low byte holding an FP8 scale and the
	// remaining 24 bits holding eight 3-bit magnitudes.
	DTypeGF4
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeFP8:
		return "fp8"
	case DTypeGF4:
		return "gf4"
	default:
		return "unknown"
	}
}

// GF4GroupSize is the number of weights sharing one scale in the GF4 encoding.
const GF4GroupSize = 8

// RowBytes returns the storage size of a row of n elements, or false when the
// dtype cannot represent a row of that length.
func (d DType) RowBytes(n int) (int, bool) {
	switch d {
	case DTypeF32:
		return n * 4, true
	case DTypeF16:
		return n * 2, true
	case DTypeFP8:
		return n, true
	case DTypeGF4:
		if n%GF4GroupSize != 0 {
			return 0, false
		}
		return n / GF4GroupSize * 4, true
	default:
		return 0, false
	}
}

// F16ToF32 widens an IEEE half-precision bit pattern.
func F16ToF32(u uint16) float32 {
	return float16.Frombits(u).Float32()
}

// F16FromF32 narrows to an IEEE half-precision bit pattern.
func F16FromF32(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// FP8ToF32 decodes an e5m2 byte by widening it into the exponent half of an
// f16 bit pattern.
func FP8ToF32(b uint8) float32 {
	return float16.Frombits(uint16(b) << 8).Float32()
}

// FP8FromF32 encodes an e5m2 byte with round-to-nearest-even on the dropped
// mantissa bits.
func FP8FromF32(f float32) uint8 {
	u := float16.Fromfloat32(f).Bits()
	if u&0x7f00 == 0x7c00 { // inf/nan: keep the exponent byte intact
		return uint8(u >> 8)
	}
	r := uint32(u) + 0x7f + uint32((u>>8)&1)
	if r > 0xffff {
		r = 0xffff
	}
	return uint8(r >> 8)
}

// gf4Scale recovers the group scale from the low byte of a GF4 word.
func gf4Scale(v uint32) float32 {
	return FP8ToF32(uint8(v)) / -4.0
}

// gf4Elem decodes element k (0..7) of a GF4 word given its scale.
func gf4Elem(v uint32, k int, scale float32) float32 {
	return float32(int(v>>(8+k*3)&7)-4) * scale
}

// QuantizeGF4 packs eight float32 values into one GF4 word. The scale is
// chosen from the group's absolute maximum; values are rounded to the nearest
// of the eight representable steps.
func QuantizeGF4(group []float32) uint32 {
	if len(group) != GF4GroupSize {
		panic("gf4 group must have 8 elements")
	}
	// Quantized steps span [-4s, 3s], so the scale is driven by whichever
	// side of zero reaches further.
	var want float32
	for _, x := range group {
		if s := x / 3; s > want {
			want = s
		}
		if s := x / -4; s > want {
			want = s
		}
	}
	scaleByte := FP8FromF32(want * -4)
	scale := gf4Scale(uint32(scaleByte))
	v := uint32(scaleByte)
	for k, x := range group {
		q := 4
		if scale != 0 {
			q = int(math.Round(float64(x/scale))) + 4
		}
		if q < 0 {
			q = 0
		}
		if q > 7 {
			q = 7
		}
		v |= uint32(q) << (8 + k*3)
	}
	return v
}
