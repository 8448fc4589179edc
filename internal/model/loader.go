package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/stratum-ml/stratum/internal/safetensors"
	"github.com/stratum-ml/stratum/internal/tensor"
	"github.com/stratum-ml/stratum/internal/tokenizer"
)

// LoadOptions tunes model loading.
type LoadOptions struct {
	// MaxContext caps the cache capacity below the model's seq_len.
	// Zero keeps the model's own value.
	MaxContext int
	// KVType selects the cache encoding; zero value means F16.
	KVType tensor.DType
}

// Load opens a converted model file, validates it, and builds a Transformer
// plus the tokenizer shipped alongside the weights. Large matrices alias the
// memory-mapped file; the Transformer's Close releases the mapping.
func Load(path string, opts LoadOptions) (*Transformer, *tokenizer.Tokenizer, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, nil, &FormatError{Reason: err.Error()}
	}

	t, tok, err := build(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	t.src = f
	return t, tok, nil
}

func build(f *safetensors.File, opts LoadOptions) (*Transformer, *tokenizer.Tokenizer, error) {
	cfg, err := configFromMetadata(f.Metadata)
	if err != nil {
		return nil, nil, err
	}
	if opts.MaxContext > 0 && opts.MaxContext < cfg.SeqLen {
		cfg.SeqLen = opts.MaxContext
	}

	ld := &weightLoader{f: f, cfg: &cfg}

	w := &Weights{}
	w.TokenEmbedding = ld.mat("model.embed.weight", cfg.VocabSize, cfg.Dim)
	w.DType = w.TokenEmbedding.DType

	tr := archTraits(cfg.Arch)
	normShift := float32(0)
	if cfg.Arch == ArchGemma {
		// Gemma stores rms weights centered on zero; fold the +1 in here so
		// the hot path runs the plain rms kernel.
		normShift = 1
	}

	w.Layers = make([]LayerWeights, cfg.NLayers)
	for i := range w.Layers {
		l := &w.Layers[i]
		name := func(s string) string { return fmt.Sprintf("model.layers.%d.%s", i, s) }

		l.AttnNorm = ld.vecShift(name("attn.norm.weight"), cfg.Dim, normShift)
		if !tr.parallel {
			l.FfnNorm = ld.vecShift(name("mlp.norm.weight"), cfg.Dim, normShift)
		}

		l.Wq = ld.mat(name("attn.wq.weight"), cfg.NHeads*cfg.HeadDim, cfg.Dim)
		l.Wk = ld.mat(name("attn.wk.weight"), cfg.NKVHeads*cfg.HeadDim, cfg.Dim)
		l.Wv = ld.mat(name("attn.wv.weight"), cfg.NKVHeads*cfg.HeadDim, cfg.Dim)
		l.Wo = ld.mat(name("attn.wo.weight"), cfg.Dim, cfg.NHeads*cfg.HeadDim)
		if tr.qkvBias {
			l.Bq = ld.vec(name("attn.wq.bias"), cfg.NHeads*cfg.HeadDim)
			l.Bk = ld.vec(name("attn.wk.bias"), cfg.NKVHeads*cfg.HeadDim)
			l.Bv = ld.vec(name("attn.wv.bias"), cfg.NKVHeads*cfg.HeadDim)
		}

		if tr.moe {
			l.MoEGate = ld.mat(name("moegate.weight"), cfg.NExperts, cfg.Dim)
			l.Experts = make([]ExpertWeights, cfg.NExperts)
			for e := range l.Experts {
				ename := func(s string) string {
					return fmt.Sprintf("model.layers.%d.experts.%d.%s", i, e, s)
				}
				l.Experts[e].W1 = ld.mat(ename("w1.weight"), cfg.HiddenDim, cfg.Dim)
				l.Experts[e].W2 = ld.mat(ename("w2.weight"), cfg.Dim, cfg.HiddenDim)
				l.Experts[e].W3 = ld.mat(ename("w3.weight"), cfg.HiddenDim, cfg.Dim)
			}
			l.ExpertMap = ld.optionalIndex(name("experts.order"), cfg.NExperts)
			continue
		}

		l.W1 = ld.mat(name("mlp.w1.weight"), cfg.HiddenDim, cfg.Dim)
		l.W2 = ld.mat(name("mlp.w2.weight"), cfg.Dim, cfg.HiddenDim)
		if tr.gated {
			l.W3 = ld.mat(name("mlp.w3.weight"), cfg.HiddenDim, cfg.Dim)
		}
		if tr.ffnBias {
			l.B1 = ld.vec(name("mlp.w1.bias"), cfg.HiddenDim)
			l.B2 = ld.vec(name("mlp.w2.bias"), cfg.Dim)
		}
	}

	w.FinalNorm = ld.vecShift("model.norm.weight", cfg.Dim, normShift)
	if _, ok := f.Tensor("model.output.weight"); ok {
		w.Cls = ld.mat("model.output.weight", cfg.VocabSize, cfg.Dim)
	} else {
		w.Cls = w.TokenEmbedding // tied classifier
	}
	if tr.ffnBias {
		if _, ok := f.Tensor("model.output.bias"); ok {
			w.ClsBias = ld.vec("model.output.bias", cfg.VocabSize)
		}
	}

	vocab, err := loadVocab(f, &cfg)
	if err != nil {
		return nil, nil, err
	}

	if ld.err != nil {
		return nil, nil, ld.err
	}

	t, err := New(cfg, w, Options{KVType: opts.KVType})
	if err != nil {
		return nil, nil, err
	}
	tok, err := tokenizer.New(vocab)
	if err != nil {
		return nil, nil, &FormatError{Reason: fmt.Sprintf("tokenizer: %v", err)}
	}
	return t, tok, nil
}

// weightLoader accumulates the first error so callers can load a whole
// weight set without per-tensor error plumbing.
type weightLoader struct {
	f   *safetensors.File
	cfg *Config
	err error
}

func (ld *weightLoader) fail(err error) {
	if ld.err == nil {
		ld.err = err
	}
}

func (ld *weightLoader) mat(name string, r, c int) tensor.Mat {
	data, info, err := ld.f.Data(name)
	if err != nil {
		ld.fail(&ShapeError{Tensor: name, Reason: "missing tensor"})
		return tensor.Mat{}
	}
	dtype, err := matDType(info.DType)
	if err != nil {
		ld.fail(&FormatError{Reason: fmt.Sprintf("%s: %v", name, err)})
		return tensor.Mat{}
	}
	if len(info.Shape) != 2 || info.Shape[0] != r || info.Shape[1] != c {
		ld.fail(&ShapeError{
			Tensor: name,
			Reason: fmt.Sprintf("got shape %v, want (%d,%d)", info.Shape, r, c),
		})
		return tensor.Mat{}
	}
	m, err := tensor.NewMatFromRaw(r, c, dtype, data)
	if err != nil {
		ld.fail(&FormatError{Reason: fmt.Sprintf("%s: %v", name, err)})
		return tensor.Mat{}
	}
	return m
}

func (ld *weightLoader) vec(name string, n int) []float32 {
	return ld.vecShift(name, n, 0)
}

func (ld *weightLoader) vecShift(name string, n int, shift float32) []float32 {
	data, info, err := ld.f.Data(name)
	if err != nil {
		ld.fail(&ShapeError{Tensor: name, Reason: "missing tensor"})
		return nil
	}
	if info.DType != "F32" {
		ld.fail(&FormatError{Reason: fmt.Sprintf("%s: vectors must be F32, got %s", name, info.DType)})
		return nil
	}
	if count, err := safetensors.NumElements(info.Shape); err != nil || count != n {
		ld.fail(&ShapeError{Tensor: name, Reason: fmt.Sprintf("got shape %v, want %d elements", info.Shape, n)})
		return nil
	}
	if len(data) < n*4 {
		ld.fail(&ShapeError{Tensor: name, Reason: fmt.Sprintf("got %d bytes, want %d", len(data), n*4)})
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])) + shift
	}
	return out
}

func (ld *weightLoader) optionalIndex(name string, n int) []int {
	data, info, err := ld.f.Data(name)
	if err != nil {
		return nil
	}
	if info.DType != "I32" {
		ld.fail(&FormatError{Reason: fmt.Sprintf("%s: expert order must be I32, got %s", name, info.DType)})
		return nil
	}
	if count, err := safetensors.NumElements(info.Shape); err != nil || count != n {
		ld.fail(&ShapeError{Tensor: name, Reason: fmt.Sprintf("got shape %v, want %d elements", info.Shape, n)})
		return nil
	}
	if len(data) < n*4 {
		ld.fail(&ShapeError{Tensor: name, Reason: fmt.Sprintf("got %d bytes, want %d", len(data), n*4)})
		return nil
	}
	out := make([]int, n)
	for i := range out {
		v := int(int32(binary.LittleEndian.Uint32(data[i*4:])))
		if v < 0 || v >= n {
			ld.fail(&FormatError{Reason: fmt.Sprintf("%s: expert index %d out of range", name, v)})
			return nil
		}
		out[i] = v
	}
	return out
}

func matDType(s string) (tensor.DType, error) {
	switch s {
	case "F16":
		return tensor.DTypeF16, nil
	case "F8_E5M2":
		return tensor.DTypeFP8, nil
	case "GF4":
		return tensor.DTypeGF4, nil
	default:
		return 0, fmt.Errorf("unsupported weight dtype %s", s)
	}
}

func configFromMetadata(meta map[string]string) (Config, error) {
	md := metadataReader{meta: meta}

	archName := md.str("arch", "llama")
	arch, err := ParseArch(archName)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Arch:       arch,
		Dim:        md.num("dim", 0),
		HiddenDim:  md.num("hidden_dim", 0),
		NLayers:    md.num("n_layers", 0),
		NHeads:     md.num("n_heads", 0),
		NKVHeads:   md.num("n_kv_heads", 0),
		VocabSize:  md.num("vocab_size", 0),
		SeqLen:     md.num("seq_len", 4096),
		RopeTheta:  md.float("rope_theta", 10000),
		NExperts:   md.num("n_experts", 0),
		NExpertsAc: md.num("n_experts_ac", 0),
		NormEps:    md.float("norm_eps", 1e-5),
		EmbedScale: md.float("embed_scale", 1),
		BOSToken:   md.num("bos_token_id", -1),
		EOSToken:   md.num("eos_token_id", -1),
	}
	if cfg.NKVHeads == 0 {
		cfg.NKVHeads = cfg.NHeads
	}
	if cfg.NHeads > 0 {
		cfg.HeadDim = md.num("head_dim", cfg.Dim/cfg.NHeads)
	}
	cfg.RotaryDim = md.num("rotary_dim", cfg.HeadDim)
	if md.err != nil {
		return Config{}, &FormatError{Reason: md.err.Error()}
	}
	return cfg, nil
}

type metadataReader struct {
	meta map[string]string
	err  error
}

func (m *metadataReader) str(key, def string) string {
	if v, ok := m.meta[key]; ok {
		return v
	}
	return def
}

func (m *metadataReader) num(key string, def int) int {
	v, ok := m.meta[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && m.err == nil {
		m.err = fmt.Errorf("metadata %s: %v", key, err)
	}
	return n
}

func (m *metadataReader) float(key string, def float32) float32 {
	v, ok := m.meta[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil && m.err == nil {
		m.err = fmt.Errorf("metadata %s: %v", key, err)
	}
	return float32(f)
}

func loadVocab(f *safetensors.File, cfg *Config) (tokenizer.Vocab, error) {
	raw, info, err := f.Data("tokenizer.tokens")
	if err != nil {
		return tokenizer.Vocab{}, &FormatError{Reason: "missing tokenizer.tokens"}
	}
	if info.DType != "U8" {
		return tokenizer.Vocab{}, &FormatError{Reason: fmt.Sprintf("tokenizer.tokens: want U8, got %s", info.DType)}
	}

	tokens := make([]string, 0, cfg.VocabSize)
	start := 0
	for i, b := range raw {
		if b == 0 {
			tokens = append(tokens, string(raw[start:i]))
			start = i + 1
		}
	}
	if len(tokens) != cfg.VocabSize {
		return tokenizer.Vocab{}, &FormatError{
			Reason: fmt.Sprintf("tokenizer.tokens: got %d tokens, want %d", len(tokens), cfg.VocabSize),
		}
	}

	scoreBytes, sinfo, err := f.Data("tokenizer.scores")
	if err != nil {
		return tokenizer.Vocab{}, &FormatError{Reason: "missing tokenizer.scores"}
	}
	if sinfo.DType != "F32" {
		return tokenizer.Vocab{}, &FormatError{Reason: fmt.Sprintf("tokenizer.scores: want F32, got %s", sinfo.DType)}
	}
	count, err := safetensors.NumElements(sinfo.Shape)
	if err != nil || count != cfg.VocabSize {
		return tokenizer.Vocab{}, &FormatError{
			Reason: fmt.Sprintf("tokenizer.scores: got shape %v, want %d elements", sinfo.Shape, cfg.VocabSize),
		}
	}
	if len(scoreBytes) < count*4 {
		return tokenizer.Vocab{}, &FormatError{
			Reason: fmt.Sprintf("tokenizer.scores: got %d bytes, want %d", len(scoreBytes), count*4),
		}
	}
	scores := make([]float32, count)
	for i := range scores {
		scores[i] = math.Float32frombits(binary.LittleEndian.Uint32(scoreBytes[i*4:]))
	}

	return tokenizer.Vocab{
		Tokens: tokens,
		Scores: scores,
		BOS:    cfg.BOSToken,
		EOS:    cfg.EOSToken,
	}, nil
}
