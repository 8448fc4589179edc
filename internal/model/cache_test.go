package model

import (
	"math"
	"testing"

	"github.com/stratum-ml/stratum/internal/tensor"
)

func TestKVCacheSlotMapping(t *testing.T) {
	c, err := NewKVCache(1, 6, 4, 2, tensor.DTypeF16)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		pos, slot int
	}{
		{0, 0},
		{1, 1},
		{5, 5},
		{6, 2}, // first eviction reuses the oldest non-sink slot
		{7, 3},
		{9, 5},
		{10, 2}, // wrapped a full lap of the non-sink region
	}
	for _, tc := range tests {
		if got := c.Slot(tc.pos); got != tc.slot {
			t.Errorf("Slot(%d) = %d, want %d", tc.pos, got, tc.slot)
		}
	}
}

func TestKVCacheWindow(t *testing.T) {
	c, err := NewKVCache(1, 6, 4, 2, tensor.DTypeF16)
	if err != nil {
		t.Fatal(err)
	}
	for pos, want := range map[int]int{0: 1, 4: 5, 5: 6, 6: 6, 100: 6} {
		if got := c.Window(pos); got != want {
			t.Errorf("Window(%d) = %d, want %d", pos, got, want)
		}
	}
}

// After writing past capacity, the sink slots must still hold the earliest
// positions and every non-sink slot must hold one of the most recent writes.
func TestKVCacheRingInvariant(t *testing.T) {
	const (
		seqLen = 6
		sinks  = 2
		kvDim  = 4
		writes = 11
	)
	c, err := NewKVCache(1, seqLen, kvDim, sinks, tensor.DTypeF16)
	if err != nil {
		t.Fatal(err)
	}

	rowFor := func(pos int) []float32 {
		row := make([]float32, kvDim)
		for i := range row {
			row[i] = float32(pos*kvDim + i)
		}
		return row
	}
	for pos := 0; pos < writes; pos++ {
		c.Put(0, pos, rowFor(pos), rowFor(pos))
	}

	got := make([]float32, kvDim)
	for slot := 0; slot < seqLen; slot++ {
		wantPos := -1
		if slot < sinks {
			wantPos = slot
		} else {
			// the most recent write that landed in this slot
			for pos := writes - 1; pos >= 0; pos-- {
				if c.Slot(pos) == slot {
					wantPos = pos
					break
				}
			}
			if wantPos < writes-(seqLen-sinks) {
				t.Errorf("slot %d holds stale position %d", slot, wantPos)
			}
		}
		want := rowFor(wantPos)
		c.KeyRow(0, slot, got)
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("slot %d key[%d] = %v, want %v (pos %d)", slot, i, got[i], want[i], wantPos)
			}
		}
	}
}

func TestKVCacheFP8RoundTrip(t *testing.T) {
	const kvDim = 8
	c, err := NewKVCache(1, 4, kvDim, 2, tensor.DTypeFP8)
	if err != nil {
		t.Fatal(err)
	}
	row := []float32{1, -2, 0.5, 4, -0.25, 8, 0, -1}
	c.Put(0, 0, row, row)

	got := make([]float32, kvDim)
	c.ValueRow(0, 0, got)
	for i := range row {
		if diff := math.Abs(float64(got[i] - row[i])); diff > 0.25*math.Abs(float64(row[i]))+1e-6 {
			t.Errorf("value[%d] = %v, want ~%v", i, got[i], row[i])
		}
	}
}

func TestKVCacheDotAgainstDecode(t *testing.T) {
	const kvDim = 6
	c, err := NewKVCache(2, 4, kvDim, 2, tensor.DTypeF16)
	if err != nil {
		t.Fatal(err)
	}
	key := []float32{0.5, -1.5, 2, 0.125, -3, 1}
	val := []float32{1, 2, 3, 4, 5, 6}
	c.Put(1, 2, key, val)

	q := []float32{1, -1, 0.5, 2, 0, -0.5}
	var want float32
	dec := make([]float32, kvDim)
	c.KeyRow(1, 2, dec)
	for i := range q {
		want += dec[i] * q[i]
	}
	if got := c.KeyDot(1, 2, 0, q); got != want {
		t.Errorf("KeyDot = %v, want %v", got, want)
	}

	out := make([]float32, 3)
	c.ValueAccum(1, 2, 2, 2, out)
	for i := range out {
		if want := 2 * val[2+i]; out[i] != want {
			t.Errorf("ValueAccum[%d] = %v, want %v", i, out[i], want)
		}
	}
}

func TestNewKVCacheRejectsBadArgs(t *testing.T) {
	if _, err := NewKVCache(1, 8, 4, 2, tensor.DTypeGF4); err == nil {
		t.Error("expected error for gf4 cache dtype")
	}
	if _, err := NewKVCache(1, 2, 4, 2, tensor.DTypeF16); err == nil {
		t.Error("expected error when sinks fill the whole cache")
	}
}
