package model

import (
	"fmt"

	"github.com/stratum-ml/stratum/internal/safetensors"
	"github.com/stratum-ml/stratum/internal/tensor"
)

// Flags modifies a single Forward call.
type Flags uint32

const (
	// FlagUpdateKVOnly populates the kv cache and skips the classifier
	// projection; Forward returns nil logits. Used for prompt pre-fill.
	FlagUpdateKVOnly Flags = 1 << 0
)

// Transformer binds a Config, its Weights and one RunState into an inference
// context. Weights may be shared read-only between many Transformers; the
// RunState (including the kv cache) belongs exclusively to this one.
//
// Forward calls for one Transformer must be issued with strictly increasing
// positions; the cache appends with eviction and cannot rewrite history.
type Transformer struct {
	Config  Config
	Weights *Weights

	state       *RunState
	traits      traits
	ropeInvFreq []float64
	src         *safetensors.File // set by Load; weights alias its mapping

	// Derived accounting, computed once at construction.
	NParams    int64 // total parameter count
	NBytes     int64 // weight storage bytes
	NBandwidth int64 // bytes touched per generated token
}

// Options tunes construction.
type Options struct {
	// KVType selects the cache encoding; zero value means F16.
	KVType tensor.DType
}

// New validates the weight shapes against cfg, resolves the architecture
// traits, and allocates the run state. Shape validation happens once here;
// the forward path performs no shape checks of its own.
func New(cfg Config, w *Weights, opts Options) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tr := archTraits(cfg.Arch)
	if err := validateWeights(&cfg, tr, w); err != nil {
		return nil, err
	}
	kvType := opts.KVType
	if kvType == tensor.DTypeF32 {
		kvType = tensor.DTypeF16
	}
	state, err := newRunState(&cfg, kvType)
	if err != nil {
		return nil, err
	}
	t := &Transformer{
		Config:      cfg,
		Weights:     w,
		state:       state,
		traits:      tr,
		ropeInvFreq: tensor.RoPEInvFreq(cfg.RotaryDim, float64(cfg.RopeTheta)),
	}
	t.account()
	return t, nil
}

// Reset readies the context for a new sequence starting at position 0.
func (t *Transformer) Reset() {
	t.state.Reset()
}

// Close releases the mapped weight file for a loaded model. The Transformer
// must not be used afterwards. Close on a hand-built Transformer is a no-op.
func (t *Transformer) Close() error {
	if t.src == nil {
		return nil
	}
	src := t.src
	t.src = nil
	return src.Close()
}

// Cache exposes the kv cache for inspection.
func (t *Transformer) Cache() *KVCache {
	return t.state.cache
}

func validateWeights(cfg *Config, tr traits, w *Weights) error {
	qDim := cfg.NHeads * cfg.HeadDim
	kvDim := cfg.NKVHeads * cfg.HeadDim

	checkMat := func(name string, m *tensor.Mat, r, c int) error {
		if m.Empty() {
			return &ShapeError{Tensor: name, Reason: "missing tensor"}
		}
		if m.R != r || m.C != c {
			return &ShapeError{
				Tensor: name,
				Reason: fmt.Sprintf("got (%d,%d), want (%d,%d)", m.R, m.C, r, c),
			}
		}
		return nil
	}
	checkVec := func(name string, v []float32, n int) error {
		if len(v) != n {
			return &ShapeError{
				Tensor: name,
				Reason: fmt.Sprintf("got %d elements, want %d", len(v), n),
			}
		}
		return nil
	}

	if err := checkMat("token_embedding", &w.TokenEmbedding, cfg.VocabSize, cfg.Dim); err != nil {
		return err
	}
	if err := checkVec("final_norm", w.FinalNorm, cfg.Dim); err != nil {
		return err
	}
	if err := checkMat("cls", &w.Cls, cfg.VocabSize, cfg.Dim); err != nil {
		return err
	}
	if tr.ffnBias && w.ClsBias != nil {
		if err := checkVec("cls_bias", w.ClsBias, cfg.VocabSize); err != nil {
			return err
		}
	}
	if len(w.Layers) != cfg.NLayers {
		return &ShapeError{Reason: fmt.Sprintf("got %d layers, want %d", len(w.Layers), cfg.NLayers)}
	}

	for i := range w.Layers {
		l := &w.Layers[i]
		name := func(s string) string { return fmt.Sprintf("layers.%d.%s", i, s) }

		if err := checkVec(name("attn_norm"), l.AttnNorm, cfg.Dim); err != nil {
			return err
		}
		if !tr.parallel {
			if err := checkVec(name("ffn_norm"), l.FfnNorm, cfg.Dim); err != nil {
				return err
			}
		}
		if err := checkMat(name("wq"), &l.Wq, qDim, cfg.Dim); err != nil {
			return err
		}
		if err := checkMat(name("wk"), &l.Wk, kvDim, cfg.Dim); err != nil {
			return err
		}
		if err := checkMat(name("wv"), &l.Wv, kvDim, cfg.Dim); err != nil {
			return err
		}
		if err := checkMat(name("wo"), &l.Wo, cfg.Dim, qDim); err != nil {
			return err
		}
		if tr.qkvBias {
			if err := checkVec(name("bq"), l.Bq, qDim); err != nil {
				return err
			}
			if err := checkVec(name("bk"), l.Bk, kvDim); err != nil {
				return err
			}
			if err := checkVec(name("bv"), l.Bv, kvDim); err != nil {
				return err
			}
		}

		if tr.moe {
			if err := checkMat(name("moegate"), &l.MoEGate, cfg.NExperts, cfg.Dim); err != nil {
				return err
			}
			if len(l.Experts) != cfg.NExperts {
				return &ShapeError{
					Tensor: name("experts"),
					Reason: fmt.Sprintf("got %d experts, want %d", len(l.Experts), cfg.NExperts),
				}
			}
			if l.ExpertMap != nil && len(l.ExpertMap) != cfg.NExperts {
				return &ShapeError{
					Tensor: name("expert_map"),
					Reason: fmt.Sprintf("got %d entries, want %d", len(l.ExpertMap), cfg.NExperts),
				}
			}
			for e := range l.Experts {
				ex := &l.Experts[e]
				ename := func(s string) string { return fmt.Sprintf("layers.%d.experts.%d.%s", i, e, s) }
				if err := checkMat(ename("w1"), &ex.W1, cfg.HiddenDim, cfg.Dim); err != nil {
					return err
				}
				if err := checkMat(ename("w2"), &ex.W2, cfg.Dim, cfg.HiddenDim); err != nil {
					return err
				}
				if err := checkMat(ename("w3"), &ex.W3, cfg.HiddenDim, cfg.Dim); err != nil {
					return err
				}
			}
			continue
		}

		if err := checkMat(name("w1"), &l.W1, cfg.HiddenDim, cfg.Dim); err != nil {
			return err
		}
		if err := checkMat(name("w2"), &l.W2, cfg.Dim, cfg.HiddenDim); err != nil {
			return err
		}
		if tr.gated {
			if err := checkMat(name("w3"), &l.W3, cfg.HiddenDim, cfg.Dim); err != nil {
				return err
			}
		}
		if tr.ffnBias {
			if err := checkVec(name("b1"), l.B1, cfg.HiddenDim); err != nil {
				return err
			}
			if err := checkVec(name("b2"), l.B2, cfg.Dim); err != nil {
				return err
			}
		}
	}
	return nil
}

// account derives parameter, byte, and per-token bandwidth figures. Bandwidth
// counts weight bytes actually read per token (only active experts for MoE)
// plus one pass over the kv cache.
func (t *Transformer) account() {
	cfg := &t.Config
	w := t.Weights

	var params, bytes, bandwidth int64
	addMat := func(m *tensor.Mat, active bool) {
		if m.Empty() {
			return
		}
		params += int64(m.R) * int64(m.C)
		b := int64(m.Bytes())
		bytes += b
		if active {
			bandwidth += b
		}
	}
	addVec := func(v []float32) {
		params += int64(len(v))
		bytes += int64(len(v)) * 4
		bandwidth += int64(len(v)) * 4
	}

	addMat(&w.TokenEmbedding, false)
	if rb, ok := w.TokenEmbedding.DType.RowBytes(cfg.Dim); ok {
		bandwidth += int64(rb) // one embedding row per token
	}
	for i := range w.Layers {
		l := &w.Layers[i]
		addVec(l.AttnNorm)
		addVec(l.FfnNorm)
		addMat(&l.Wq, true)
		addMat(&l.Wk, true)
		addMat(&l.Wv, true)
		addMat(&l.Wo, true)
		addVec(l.Bq)
		addVec(l.Bk)
		addVec(l.Bv)
		addMat(&l.W1, true)
		addMat(&l.W2, true)
		addMat(&l.W3, true)
		addVec(l.B1)
		addVec(l.B2)
		addMat(&l.MoEGate, true)
		for e := range l.Experts {
			ex := &l.Experts[e]
			active := e < cfg.NExpertsAc
			addMat(&ex.W1, active)
			addMat(&ex.W2, active)
			addMat(&ex.W3, active)
		}
	}
	addVec(w.FinalNorm)
	if !sameStorage(&w.Cls, &w.TokenEmbedding) {
		addMat(&w.Cls, true)
	} else {
		bandwidth += int64(w.Cls.Bytes())
	}
	addVec(w.ClsBias)
	bandwidth += int64(t.state.cache.Bytes()) // full cache sweep

	t.NParams = params
	t.NBytes = bytes
	t.NBandwidth = bandwidth
}

func sameStorage(a, b *tensor.Mat) bool {
	if a.Raw != nil && b.Raw != nil {
		return &a.Raw[0] == &b.Raw[0]
	}
	if a.Data != nil && b.Data != nil {
		return &a.Data[0] == &b.Data[0]
	}
	return false
}
