package tensor

import "encoding/binary"

// Mat represents a dense row-major matrix.
//
// R and C are the number of rows and columns. For F32 matrices Data holds the
// values directly; for the reduced-precision encodings Raw holds the packed
// bytes and rows are decoded on access. Raw may alias a memory-mapped model
// file, so it must never be written through.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out-of-range indices will panic.
type Mat struct {
	R, C int

	DType DType
	Data  []float32
	Raw   []byte
}

// NewMat allocates a zero-initialised F32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:     r,
		C:     c,
		DType: DTypeF32,
		Data:  make([]float32, r*c),
	}
}

// NewMatFromData creates an F32 matrix from existing data.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:     r,
		C:     c,
		DType: DTypeF32,
		Data:  data,
	}
}

// NewMatFromRaw creates a matrix backed by raw bytes in the provided packed
// dtype. The raw slice must contain exactly r*c elements in row-major layout.
// F32 matrices use NewMatFromData; Row and RowTo decode only from Raw for the
// packed encodings.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if dtype == DTypeF32 {
		return Mat{}, errUnsupportedDType
	}
	rowBytes, ok := dtype.RowBytes(c)
	if !ok {
		return Mat{}, errUnsupportedDType
	}
	if len(raw) != r*rowBytes {
		return Mat{}, errRawSizeMismatch
	}
	return Mat{
		R:     r,
		C:     c,
		DType: dtype,
		Raw:   raw,
	}, nil
}

// Empty reports whether the matrix has no backing storage. Unused weight
// slots (absent biases, non-MoE layers) stay empty and must not be accessed.
func (m *Mat) Empty() bool {
	return m.Data == nil && m.Raw == nil
}

// Bytes returns the storage footprint of the matrix.
func (m *Mat) Bytes() int {
	if m.Raw != nil {
		return len(m.Raw)
	}
	return len(m.Data) * 4
}

// Row returns the i-th row as float32 values. For F32 matrices the returned
// slice aliases the matrix; for packed encodings a freshly decoded copy is
// returned.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if m.Raw == nil || m.DType == DTypeF32 {
		start := i * m.C
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	if m.Raw == nil || m.DType == DTypeF32 {
		copy(dst[:m.C], m.Data[i*m.C:(i+1)*m.C])
		return
	}
	rowBytes, _ := m.DType.RowBytes(m.C)
	raw := m.Raw[i*rowBytes : (i+1)*rowBytes]
	switch m.DType {
	case DTypeF16:
		for j := 0; j < m.C; j++ {
			dst[j] = F16ToF32(binary.LittleEndian.Uint16(raw[j*2:]))
		}
	case DTypeFP8:
		for j := 0; j < m.C; j++ {
			dst[j] = FP8ToF32(raw[j])
		}
	case DTypeGF4:
		for g := 0; g < m.C/GF4GroupSize; g++ {
			v := binary.LittleEndian.Uint32(raw[g*4:])
			scale := gf4Scale(v)
			for k := 0; k < GF4GroupSize; k++ {
				dst[g*GF4GroupSize+k] = gf4Elem(v, k, scale)
			}
		}
	default:
		panic("unsupported dtype for row decode")
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errUnsupportedDType = fmtError("unsupported dtype for raw matrix")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
