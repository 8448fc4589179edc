package model

import "github.com/stratum-ml/stratum/internal/tensor"

// RunState is the per-context scratch memory for the forward pass. One
// RunState serves exactly one sequence at a time; every buffer except the
// cache is overwritten on every call. Nothing here is shared between
// concurrent contexts, which is what makes lock-free multi-context serving
// possible (weights are read-only, state is exclusively owned).
type RunState struct {
	x   []float32 // current activation (dim)
	xb  []float32 // residual-branch activation (dim)
	xb2 []float32 // second residual-branch buffer (dim)
	xa  []float32 // parallel-branch / expert accumulation buffer (dim)

	q       []float32 // query (n_heads * head_dim)
	k       []float32 // key (n_kv_heads * head_dim)
	v       []float32 // value (n_kv_heads * head_dim)
	attnOut []float32 // per-head attention output (n_heads * head_dim)
	att     []float32 // attention scores (seq_len)

	hb  []float32 // ffn hidden (hidden_dim)
	hb2 []float32 // ffn hidden (hidden_dim)

	expScores  []float32 // router scores (n_experts)
	expWeights []float32 // renormalized weights of selected experts
	expIdx     []int     // selected expert indices

	logits []float32 // (vocab_size)

	cache *KVCache
}

func newRunState(cfg *Config, kvType tensor.DType) (*RunState, error) {
	cache, err := NewKVCache(cfg.NLayers, cfg.SeqLen, cfg.NKVHeads*cfg.HeadDim, KVSinks, kvType)
	if err != nil {
		return nil, err
	}
	s := &RunState{
		x:       make([]float32, cfg.Dim),
		xb:      make([]float32, cfg.Dim),
		xb2:     make([]float32, cfg.Dim),
		xa:      make([]float32, cfg.Dim),
		q:       make([]float32, cfg.NHeads*cfg.HeadDim),
		k:       make([]float32, cfg.NKVHeads*cfg.HeadDim),
		v:       make([]float32, cfg.NKVHeads*cfg.HeadDim),
		attnOut: make([]float32, cfg.NHeads*cfg.HeadDim),
		att:     make([]float32, cfg.SeqLen),
		hb:      make([]float32, cfg.HiddenDim),
		hb2:     make([]float32, cfg.HiddenDim),
		logits:  make([]float32, cfg.VocabSize),
		cache:   cache,
	}
	if cfg.NExperts > 0 {
		s.expScores = make([]float32, cfg.NExperts)
		s.expWeights = make([]float32, cfg.NExpertsAc)
		s.expIdx = make([]int, cfg.NExpertsAc)
	}
	return s, nil
}

// Reset clears the cross-call state, readying the context for a fresh
// sequence at position 0.
func (s *RunState) Reset() {
	s.cache.Reset()
}
