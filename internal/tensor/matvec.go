package tensor

import (
	"encoding/binary"
	"runtime"
	"sync"
)

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
}

var (
	matVecWorkPool *matVecPool
	matVecPoolOnce sync.Once
)

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		matVecWorkPool = newMatVecPool()
	})
	return matVecWorkPool
}

func newMatVecPool() *matVecPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &matVecPool{
		size:      size,
		tasks:     make(chan matVecTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for i := 0; i < size; i++ {
		go func() {
			for task := range p.tasks {
				matVecRange(task.dst, task.w, task.x, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// MatVec computes dst = w * x, fanning output rows out over a shared worker
// pool. Weights are only read, so concurrent calls against the same matrix
// from independent callers are safe.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}

	pool := getMatVecPool()
	workers := pool.size
	if workers > w.R {
		workers = w.R
	}

	if workers <= 1 {
		matVecRange(dst, w, x, 0, w.R)
		return
	}

	chunk := (w.R + workers - 1) / workers
	done := <-pool.doneSlots

	activeWorkers := 0
	for i := 0; i < workers; i++ {
		rs := i * chunk
		re := rs + chunk
		if re > w.R {
			re = w.R
		}
		if rs >= re {
			break
		}
		activeWorkers++
		pool.tasks <- matVecTask{
			dst:  dst,
			w:    w,
			x:    x,
			rs:   rs,
			re:   re,
			done: done,
		}
	}

	for i := 0; i < activeWorkers; i++ {
		<-done
	}
	pool.doneSlots <- done
}

// MatVecBias computes dst = w * x + b. A nil bias degrades to MatVec.
func MatVecBias(dst []float32, w *Mat, x []float32, b []float32) {
	MatVec(dst, w, x)
	if b != nil {
		for i := 0; i < w.R; i++ {
			dst[i] += b[i]
		}
	}
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	if w.Raw != nil && w.DType != DTypeF32 {
		switch w.DType {
		case DTypeF16:
			matVecRangeF16(dst, w, x, rs, re)
		case DTypeFP8:
			matVecRangeFP8(dst, w, x, rs, re)
		case DTypeGF4:
			matVecRangeGF4(dst, w, x, rs, re)
		default:
			panic("unsupported dtype for matvec")
		}
		return
	}
	matVecRangeF32(dst, w, x, rs, re)
}

func matVecRangeF32(dst []float32, w *Mat, x []float32, rs, re int) {
	for i := rs; i < re; i++ {
		row := w.Data[i*w.C : (i+1)*w.C]
		var sum float32
		j := 0
		for ; j+3 < w.C; j += 4 {
			sum += row[j]*x[j] + row[j+1]*x[j+1] + row[j+2]*x[j+2] + row[j+3]*x[j+3]
		}
		for ; j < w.C; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

func matVecRangeF16(dst []float32, w *Mat, x []float32, rs, re int) {
	rowBytes := w.C * 2
	for i := rs; i < re; i++ {
		raw := w.Raw[i*rowBytes : (i+1)*rowBytes]
		var sum float32
		for j := 0; j < w.C; j++ {
			sum += F16ToF32(binary.LittleEndian.Uint16(raw[j*2:])) * x[j]
		}
		dst[i] = sum
	}
}

func matVecRangeFP8(dst []float32, w *Mat, x []float32, rs, re int) {
	rowBytes := w.C
	for i := rs; i < re; i++ {
		raw := w.Raw[i*rowBytes : (i+1)*rowBytes]
		var sum float32
		for j := 0; j < w.C; j++ {
			sum += FP8ToF32(raw[j]) * x[j]
		}
		dst[i] = sum
	}
}

func matVecRangeGF4(dst []float32, w *Mat, x []float32, rs, re int) {
	groups := w.C / GF4GroupSize
	rowBytes := groups * 4
	for i := rs; i < re; i++ {
		raw := w.Raw[i*rowBytes : (i+1)*rowBytes]
		var sum float32
		for g := 0; g < groups; g++ {
			v := binary.LittleEndian.Uint32(raw[g*4:])
			scale := gf4Scale(v)
			base := g * GF4GroupSize
			var acc float32
			for k := 0; k < GF4GroupSize; k++ {
				acc += float32(int(v>>(8+k*3)&7)-4) * x[base+k]
			}
			sum += acc * scale
		}
		dst[i] = sum
	}
}
