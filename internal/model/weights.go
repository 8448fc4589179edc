package model

import "github.com/stratum-ml/stratum/internal/tensor"

// ExpertWeights holds one expert's feed-forward matrices.
type ExpertWeights struct {
	W1 tensor.Mat // (hidden_dim, dim) gate projection
	W2 tensor.Mat // (dim, hidden_dim) down projection
	W3 tensor.Mat // (hidden_dim, dim) up projection
}

// LayerWeights holds one transformer block's parameters. Slots not used by
// the model's architecture stay empty and must not be dereferenced; the
// pipeline consults the resolved traits, never the slots themselves.
type LayerWeights struct {
	AttnNorm []float32 // pre-attention norm; the only per-layer norm for parallel blocks
	FfnNorm  []float32 // pre-ffn norm; empty for parallel blocks

	Wq tensor.Mat // (n_heads*head_dim, dim)
	Wk tensor.Mat // (n_kv_heads*head_dim, dim)
	Wv tensor.Mat // (n_kv_heads*head_dim, dim)
	Wo tensor.Mat // (dim, n_heads*head_dim)
	Bq []float32
	Bk []float32
	Bv []float32

	W1 tensor.Mat // (hidden_dim, dim)
	W2 tensor.Mat // (dim, hidden_dim)
	W3 tensor.Mat // (hidden_dim, dim); empty for ungated architectures
	B1 []float32
	B2 []float32

	MoEGate   tensor.Mat // (n_experts, dim)
	Experts   []ExpertWeights
	ExpertMap []int // optional storage-order indirection; nil means identity
}

// Weights holds all model parameters. Immutable after load; raw matrix bytes
// may alias a memory-mapped file owned by the loader.
type Weights struct {
	DType tensor.DType // encoding of the large matrices

	TokenEmbedding tensor.Mat // (vocab_size, dim)
	Layers         []LayerWeights
	FinalNorm      []float32
	Cls            tensor.Mat // (vocab_size, dim); may share storage with TokenEmbedding
	ClsBias        []float32
}

// expert resolves an expert index through the optional reorder table.
func (l *LayerWeights) expert(i int) *ExpertWeights {
	if l.ExpertMap != nil {
		i = l.ExpertMap[i]
	}
	return &l.Experts[i]
}
