package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// NamedTensor pairs a tensor name with its header fields and raw bytes, for
// writing. Used by fixtures and tests; the engine itself only reads.
type NamedTensor struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// Write produces a safetensors file with tensors laid out in name order.
func Write(path string, tensors []NamedTensor, metadata map[string]string) error {
	sorted := append([]NamedTensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, t := range sorted {
		header[t.Name] = tensorHeader{
			DType:       t.DType,
			Shape:       t.Shape,
			DataOffsets: []int64{off, off + int64(len(t.Data))},
		}
		off += int64(len(t.Data))
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		_ = f.Close()
		return err
	}
	for _, t := range sorted {
		if _, err := w.Write(t.Data); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
