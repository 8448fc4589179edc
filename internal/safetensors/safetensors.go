// Package safetensors reads the safetensors container format: an 8-byte
// little-endian header length, a JSON header mapping tensor names to dtype,
// shape and byte offsets (plus an optional __metadata__ string map), followed
// by the raw tensor payload.
//
// The payload is memory-mapped when the platform allows it, so tensor views
// alias the file and no weight data is copied; a plain read fallback keeps
// the same zero-copy contract over an owned buffer.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
)

// TensorInfo describes one tensor in the header.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an open safetensors file. Tensor data returned by Data aliases the
// mapped (or owned) payload and stays valid until Close.
type File struct {
	Path     string
	Metadata map[string]string
	Tensors  map[string]TensorInfo

	payload []byte
	mapping []byte // full mmap region when mapped; nil for owned payloads
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header and maps the payload.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || int64(headerLen) > st.Size()-8 {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	metadata := map[string]string{}
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}

	dataStart := int64(8 + headerLen)
	dataLen := st.Size() - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[0] < 0 ||
			th.DataOffsets[1] < th.DataOffsets[0] || th.DataOffsets[1] > dataLen {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}

	payload, mapping, err := mapPayload(f, dataStart, dataLen)
	if err != nil {
		return nil, err
	}

	return &File{
		Path:     path,
		Metadata: metadata,
		Tensors:  tensors,
		payload:  payload,
		mapping:  mapping,
	}, nil
}

// Close releases the payload mapping. Tensor views become invalid.
func (f *File) Close() error {
	mapping := f.mapping
	f.mapping = nil
	f.payload = nil
	return unmapPayload(mapping)
}

// Mapped reports whether the payload aliases a memory-mapped file.
func (f *File) Mapped() bool {
	return f.mapping != nil
}

// Tensor looks up a tensor by name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Data returns the raw bytes of a named tensor as a view into the payload.
func (f *File) Data(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	return f.payload[t.Start:t.End], t, nil
}

// NumElements multiplies out a tensor shape.
func NumElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
