package model

import (
	"fmt"
	"math"

	"github.com/stratum-ml/stratum/internal/tensor"
)

// Forward runs one autoregressive step for token at pos and returns the
// logits slice, owned by the run state and overwritten on the next call.
// With FlagUpdateKVOnly it populates the kv cache and returns nil logits.
//
// Positions must be issued in strictly increasing order per context;
// positions at or beyond SeqLen are valid and engage cache ring rotation.
func (t *Transformer) Forward(token, pos int, flags Flags) ([]float32, error) {
	cfg := &t.Config
	w := t.Weights
	s := t.state

	if token < 0 || token >= cfg.VocabSize {
		return nil, fmt.Errorf("token id out of range: %d", token)
	}

	w.TokenEmbedding.RowTo(s.x, token)
	if cfg.EmbedScale != 1 {
		tensor.Scale(s.x, cfg.EmbedScale)
	}

	for i := range w.Layers {
		l := &w.Layers[i]

		// Attention block: pre-norm, attention into xb2.
		t.norm(s.xb, s.x, l.AttnNorm)
		t.attention(i, l, pos)

		if t.traits.parallel {
			// One shared pre-norm feeds both branches; their outputs join
			// the residual stream together.
			ffnOut := t.ffn(l, s.xb, s.xa)
			tensor.Add(s.x, s.xb2)
			tensor.Add(s.x, ffnOut)
			continue
		}

		tensor.Add(s.x, s.xb2)

		// FFN block: pre-norm, dense or MoE, residual.
		t.norm(s.xb, s.x, l.FfnNorm)
		var ffnOut []float32
		if t.traits.moe {
			ffnOut = t.moe(l, s.xb)
		} else {
			ffnOut = t.ffn(l, s.xb, s.xb2)
		}
		tensor.Add(s.x, ffnOut)
	}

	t.norm(s.xb, s.x, w.FinalNorm)

	if flags&FlagUpdateKVOnly != 0 {
		return nil, nil
	}

	tensor.MatVecBias(s.logits, &w.Cls, s.xb, w.ClsBias)
	return s.logits, nil
}

func (t *Transformer) norm(dst, src, weight []float32) {
	if t.traits.normLN {
		tensor.LayerNorm(dst, src, weight, nil, t.Config.NormEps)
		return
	}
	tensor.RMSNorm(dst, src, weight, t.Config.NormEps)
}

func (t *Transformer) act(x float32) float32 {
	if t.traits.actGelu {
		return tensor.Gelu(x)
	}
	return tensor.Silu(x)
}

// attention projects the normed activation in xb to q/k/v, rotates q and k,
// writes this position's k/v into the cache, and runs per-head scaled
// dot-product attention over the valid window (sink slots plus the rolling
// window). The projected result lands in xb2.
func (t *Transformer) attention(layer int, l *LayerWeights, pos int) {
	cfg := &t.Config
	s := t.state
	headDim := cfg.HeadDim

	tensor.MatVecBias(s.q, &l.Wq, s.xb, l.Bq)
	tensor.MatVecBias(s.k, &l.Wk, s.xb, l.Bk)
	tensor.MatVecBias(s.v, &l.Wv, s.xb, l.Bv)

	tensor.ApplyRoPE(s.q, cfg.NHeads, headDim, pos, t.ropeInvFreq)
	tensor.ApplyRoPE(s.k, cfg.NKVHeads, headDim, pos, t.ropeInvFreq)

	cache := s.cache
	cache.Put(layer, pos, s.k, s.v)

	window := cache.Window(pos)
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	for h := 0; h < cfg.NHeads; h++ {
		kvHead := h * cfg.NKVHeads / cfg.NHeads
		off := kvHead * headDim
		qh := s.q[h*headDim : (h+1)*headDim]

		att := s.att[:window]
		for slot := 0; slot < window; slot++ {
			att[slot] = cache.KeyDot(layer, slot, off, qh) * scale
		}
		tensor.Softmax(att)

		out := s.attnOut[h*headDim : (h+1)*headDim]
		clear(out)
		for slot, p := range att {
			if p != 0 {
				cache.ValueAccum(layer, slot, off, p, out)
			}
		}
	}

	tensor.MatVec(s.xb2, &l.Wo, s.attnOut)
}

// ffn computes the dense feed-forward block: out = w2 · act(w1·x) ⊙ (w3·x),
// degenerating to out = w2 · act(w1·x) for ungated architectures. The result
// is written into out, which is returned.
func (t *Transformer) ffn(l *LayerWeights, x, out []float32) []float32 {
	s := t.state

	tensor.MatVecBias(s.hb, &l.W1, x, l.B1)
	if t.traits.gated {
		tensor.MatVec(s.hb2, &l.W3, x)
		for i := range s.hb {
			s.hb[i] = t.act(s.hb[i]) * s.hb2[i]
		}
	} else {
		for i := range s.hb {
			s.hb[i] = t.act(s.hb[i])
		}
	}
	tensor.MatVecBias(out, &l.W2, s.hb, l.B2)
	return out
}
