//go:build !unix

package safetensors

import (
	"fmt"
	"io"
	"os"
)

func mapPayload(f *os.File, dataStart, dataLen int64) (payload, mapping []byte, err error) {
	if dataLen == 0 {
		return nil, nil, nil
	}
	buf := make([]byte, dataLen)
	if _, err := f.ReadAt(buf, dataStart); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("read payload: %w", err)
	}
	return buf, nil, nil
}

func unmapPayload([]byte) error {
	return nil
}
