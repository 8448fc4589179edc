package model

import (
	"encoding/binary"
	"fmt"

	"github.com/stratum-ml/stratum/internal/tensor"
)

// KVCache is the rolling per-layer key/value store, the only state carried
// across forward calls. Each layer owns seqLen slots of kvDim elements. The
// first sinks slots are never evicted; once positions run past seqLen, new
// writes rotate through the non-sink slots, evicting the oldest one.
//
// Rows are stored in F16 or FP8; keys are written after rotary encoding, so
// attention reads them back without re-rotating.
type KVCache struct {
	dtype  tensor.DType
	elem   int // bytes per element
	layers int
	seqLen int
	kvDim  int
	sinks  int

	k []byte
	v []byte
}

// NewKVCache allocates a cache. Only F16 and FP8 encodings are supported.
func NewKVCache(layers, seqLen, kvDim, sinks int, dtype tensor.DType) (*KVCache, error) {
	var elem int
	switch dtype {
	case tensor.DTypeF16:
		elem = 2
	case tensor.DTypeFP8:
		elem = 1
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("unsupported kv cache dtype %v", dtype)}
	}
	if sinks >= seqLen {
		return nil, &ShapeError{Reason: fmt.Sprintf("kv sinks %d must be below seq_len %d", sinks, seqLen)}
	}
	n := layers * seqLen * kvDim * elem
	return &KVCache{
		dtype:  dtype,
		elem:   elem,
		layers: layers,
		seqLen: seqLen,
		kvDim:  kvDim,
		sinks:  sinks,
		k:      make([]byte, n),
		v:      make([]byte, n),
	}, nil
}

// Bytes returns the total cache footprint.
func (c *KVCache) Bytes() int {
	return len(c.k) + len(c.v)
}

// Slot maps an absolute position to its cache slot. Positions below seqLen
// map directly; beyond that, non-sink slots are reused round-robin.
func (c *KVCache) Slot(pos int) int {
	if pos < c.seqLen {
		return pos
	}
	return c.sinks + (pos-c.sinks)%(c.seqLen-c.sinks)
}

// Window returns the number of valid slots for attention at pos: the filled
// prefix before wraparound, the whole cache after.
func (c *KVCache) Window(pos int) int {
	if pos+1 < c.seqLen {
		return pos + 1
	}
	return c.seqLen
}

// Put encodes the rotated key and the value for pos into the cache.
func (c *KVCache) Put(layer, pos int, key, value []float32) {
	slot := c.Slot(pos)
	base := c.offset(layer, slot, 0)
	rowBytes := c.kvDim * c.elem
	tensor.EncodeRow(c.k[base:base+rowBytes], c.dtype, key[:c.kvDim])
	tensor.EncodeRow(c.v[base:base+rowBytes], c.dtype, value[:c.kvDim])
}

// KeyDot computes dot(q, K[layer,slot][off:off+len(q)]), decoding on the fly.
func (c *KVCache) KeyDot(layer, slot, off int, q []float32) float32 {
	base := c.offset(layer, slot, off)
	var sum float32
	if c.elem == 2 {
		for i := range q {
			sum += tensor.F16ToF32(binary.LittleEndian.Uint16(c.k[base+i*2:])) * q[i]
		}
	} else {
		for i := range q {
			sum += tensor.FP8ToF32(c.k[base+i]) * q[i]
		}
	}
	return sum
}

// ValueAccum adds w * V[layer,slot][off:off+len(out)] into out.
func (c *KVCache) ValueAccum(layer, slot, off int, w float32, out []float32) {
	base := c.offset(layer, slot, off)
	if c.elem == 2 {
		for i := range out {
			out[i] += w * tensor.F16ToF32(binary.LittleEndian.Uint16(c.v[base+i*2:]))
		}
	} else {
		for i := range out {
			out[i] += w * tensor.FP8ToF32(c.v[base+i])
		}
	}
}

// KeyRow decodes a full key row; used by tests and diagnostics, not the hot
// path.
func (c *KVCache) KeyRow(layer, slot int, dst []float32) {
	base := c.offset(layer, slot, 0)
	c.decodeRow(c.k, base, dst)
}

// ValueRow decodes a full value row.
func (c *KVCache) ValueRow(layer, slot int, dst []float32) {
	base := c.offset(layer, slot, 0)
	c.decodeRow(c.v, base, dst)
}

func (c *KVCache) decodeRow(buf []byte, base int, dst []float32) {
	if c.elem == 2 {
		for i := range dst[:c.kvDim] {
			dst[i] = tensor.F16ToF32(binary.LittleEndian.Uint16(buf[base+i*2:]))
		}
		return
	}
	for i := range dst[:c.kvDim] {
		dst[i] = tensor.FP8ToF32(buf[base+i])
	}
}

func (c *KVCache) offset(layer, slot, off int) int {
	return ((layer*c.seqLen+slot)*c.kvDim + off) * c.elem
}

// Reset clears all slots.
func (c *KVCache) Reset() {
	clear(c.k)
	clear(c.v)
}
