package tensor

import "encoding/binary"

// EncodeRow packs float32 values into dst using the given dtype. dst must be
// sized per DType.RowBytes. Used when building quantized fixtures and when
// writing the key/value cache.
func EncodeRow(dst []byte, dtype DType, src []float32) {
	switch dtype {
	case DTypeF16:
		for j, x := range src {
			binary.LittleEndian.PutUint16(dst[j*2:], F16FromF32(x))
		}
	case DTypeFP8:
		for j, x := range src {
			dst[j] = FP8FromF32(x)
		}
	case DTypeGF4:
		for g := 0; g < len(src)/GF4GroupSize; g++ {
			v := QuantizeGF4(src[g*GF4GroupSize : (g+1)*GF4GroupSize])
			binary.LittleEndian.PutUint32(dst[g*4:], v)
		}
	default:
		panic("unsupported dtype for row encode")
	}
}

// Quantize converts an F32 matrix into the requested encoding. The input
// matrix is left untouched.
func Quantize(m *Mat, dtype DType) (Mat, error) {
	if dtype == DTypeF32 {
		out := NewMat(m.R, m.C)
		for i := 0; i < m.R; i++ {
			m.RowTo(out.Data[i*m.C:(i+1)*m.C], i)
		}
		return out, nil
	}
	rowBytes, ok := dtype.RowBytes(m.C)
	if !ok {
		return Mat{}, errUnsupportedDType
	}
	raw := make([]byte, m.R*rowBytes)
	row := make([]float32, m.C)
	for i := 0; i < m.R; i++ {
		m.RowTo(row, i)
		EncodeRow(raw[i*rowBytes:(i+1)*rowBytes], dtype, row)
	}
	return NewMatFromRaw(m.R, m.C, dtype, raw)
}
