//go:build unix

package safetensors

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mapPayload maps f read-only and returns the payload slice starting at
// dataStart plus the full mapping (needed to unmap). Mapping the whole file
// and slicing avoids page-alignment bookkeeping for the header. On mmap
// failure it falls back to an owned read, returning a nil mapping.
func mapPayload(f *os.File, dataStart, dataLen int64) (payload, mapping []byte, err error) {
	if dataLen == 0 {
		return nil, nil, nil
	}
	mapping, err = unix.Mmap(int(f.Fd()), 0, int(dataStart+dataLen), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		payload, err = readPayload(f, dataStart, dataLen)
		return payload, nil, err
	}
	return mapping[dataStart:], mapping, nil
}

func unmapPayload(mapping []byte) error {
	if mapping == nil {
		return nil
	}
	if err := unix.Munmap(mapping); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

func readPayload(f *os.File, dataStart, dataLen int64) ([]byte, error) {
	buf := make([]byte, dataLen)
	if _, err := f.ReadAt(buf, dataStart); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return buf, nil
}
