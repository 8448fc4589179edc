package tensor

import "testing"

func TestNewMatFromRawRejectsF32(t *testing.T) {
	// F32 matrices carry Data, not Raw; Row would otherwise read the
	// nil Data slice.
	if _, err := NewMatFromRaw(2, 2, DTypeF32, make([]byte, 16)); err == nil {
		t.Fatal("expected error for f32 raw matrix")
	}
}

func TestNewMatFromRawLengthMismatch(t *testing.T) {
	if _, err := NewMatFromRaw(2, 4, DTypeF16, make([]byte, 8)); err == nil {
		t.Fatal("expected error for short raw data")
	}
	if _, err := NewMatFromRaw(-1, 4, DTypeF16, nil); err == nil {
		t.Fatal("expected error for negative rows")
	}
}
