// Package logits turns a forward pass's output scores into token choices.
// Sampling is fully deterministic for a fixed seed and logits sequence.
package logits

import (
	"math"
	"math/rand"
)

// Config controls sampling behaviour. The zero value of every knob selects a
// sensible default; Temperature <= 0 selects greedy decoding.
type Config struct {
	Seed          int64
	Temperature   float32
	TopK          int     // shortlist size, default 40
	TopP          float32 // nucleus cutoff, default 1 (off)
	RepeatPenalty float32 // >1 discourages tokens seen in the recent window
	RepeatLastN   int     // penalty window length, default 64
}

// Sampler draws token ids from logits vectors. Not safe for concurrent use;
// the scratch buffers are reused across calls.
type Sampler struct {
	rng    *rand.Rand
	cfg    Config
	greedy bool

	idx  []int
	val  []float32
	prob []float64

	mark  []uint32
	epoch uint32
}

// New builds a sampler, filling config defaults in place.
func New(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if greedy {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Greedy reports whether the sampler always picks the argmax.
func (s *Sampler) Greedy() bool {
	return s.greedy
}

// Sample draws one token id. recent is the tail of the generated sequence and
// feeds the repetition penalty; it may be nil. logits is modified in place
// when a penalty applies.
func (s *Sampler) Sample(logits []float32, recent []int) int {
	if s.cfg.RepeatPenalty > 1 && len(recent) > 0 {
		s.penalize(logits, recent)
	}
	if s.greedy {
		return argmax(logits)
	}

	k := min(s.cfg.TopK, len(logits))
	idx, val := s.shortlist(logits, k, 1/s.cfg.Temperature)

	// softmax over the shortlist; val is sorted descending so val[0] is the max
	if cap(s.prob) < len(val) {
		s.prob = make([]float64, len(val))
	}
	prob := s.prob[:len(val)]
	var sum float64
	for i, v := range val {
		e := math.Exp(float64(v - val[0]))
		prob[i] = e
		sum += e
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i, p := range prob {
			c += p
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return idx[i]
		}
	}
	return idx[cut-1]
}

// penalize divides positive logits (and multiplies negative ones) of tokens in
// the recent window by the configured penalty. Each token is penalized once no
// matter how often it repeats.
func (s *Sampler) penalize(logits []float32, recent []int) {
	start := max(len(recent)-s.cfg.RepeatLastN, 0)

	if len(s.mark) < len(logits) {
		s.mark = make([]uint32, len(logits))
	}
	s.epoch++
	if s.epoch == 0 {
		clear(s.mark)
		s.epoch = 1
	}

	for _, id := range recent[start:] {
		if id < 0 || id >= len(logits) || s.mark[id] == s.epoch {
			continue
		}
		s.mark[id] = s.epoch
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// shortlist returns the indices and temperature-scaled values of the k
// largest logits, sorted descending. O(V*k); fine for the small k used in
// practice.
func (s *Sampler) shortlist(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.idx) < k+1 {
		s.idx = make([]int, 0, k+1)
		s.val = make([]float32, 0, k+1)
	}
	idx := s.idx[:0]
	val := s.val[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(val)
		for pos > 0 && val[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		idx = append(idx, 0)
		val = append(val, 0)
		copy(idx[pos+1:], idx[pos:])
		copy(val[pos+1:], val[pos:])
		idx[pos] = i
		val[pos] = v
		if len(val) > k {
			idx = idx[:k]
			val = val[:k]
		}
	}
	s.idx = idx
	s.val = val
	return idx, val
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
