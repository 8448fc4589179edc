package model

import "github.com/stratum-ml/stratum/internal/tensor"

// moe computes the sparse mixture-of-experts block: route, pick the top
// NExpertsAc experts, renormalize their scores with a softmax over the
// selected subset, and sum the expert feed-forward outputs weighted by those
// scores. Selection is deterministic: ties break toward the lower expert
// index.
func (t *Transformer) moe(l *LayerWeights, x []float32) []float32 {
	cfg := &t.Config
	s := t.state

	tensor.MatVec(s.expScores, &l.MoEGate, x)
	selectTopK(s.expScores, s.expIdx)

	for j, id := range s.expIdx {
		s.expWeights[j] = s.expScores[id]
	}
	tensor.Softmax(s.expWeights)

	clear(s.xa)
	for j, id := range s.expIdx {
		ex := l.expert(id)
		weight := s.expWeights[j]

		tensor.MatVec(s.hb, &ex.W1, x)
		tensor.MatVec(s.hb2, &ex.W3, x)
		for i := range s.hb {
			s.hb[i] = t.act(s.hb[i]) * s.hb2[i]
		}
		tensor.MatVec(s.xb2, &ex.W2, s.hb)

		for i := range cfg.Dim {
			s.xa[i] += weight * s.xb2[i]
		}
	}
	return s.xa
}

// selectTopK fills idx with the indices of the len(idx) largest scores in
// descending score order. Equal scores keep ascending index order, so the
// selection is reproducible for any input.
func selectTopK(scores []float32, idx []int) {
	k := len(idx)
	for j := range idx {
		idx[j] = -1
	}
	for i, score := range scores {
		insert := -1
		for j := 0; j < k; j++ {
			if idx[j] == -1 || score > scores[idx[j]] {
				insert = j
				break
			}
		}
		if insert == -1 {
			continue
		}
		copy(idx[insert+1:], idx[insert:k-1])
		idx[insert] = i
	}
}
