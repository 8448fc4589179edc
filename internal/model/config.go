package model

import "fmt"

// Arch identifies the model architecture. The forward pipeline is shared by
// all of them; the tag resolves into a small set of capability flags at
// construction time (see traits).
type Arch int

const (
	ArchLlama Arch = iota
	ArchQwen
	ArchPhi
	ArchMixtral
	ArchOlmo
	ArchGemma
)

var archNames = map[string]Arch{
	"llama":   ArchLlama,
	"qwen":    ArchQwen,
	"phi":     ArchPhi,
	"mixtral": ArchMixtral,
	"olmo":    ArchOlmo,
	"gemma":   ArchGemma,
}

// ParseArch maps an architecture tag from model metadata to an Arch.
func ParseArch(name string) (Arch, error) {
	arch, ok := archNames[name]
	if !ok {
		return 0, &UnsupportedArchitectureError{Name: name}
	}
	return arch, nil
}

func (a Arch) String() string {
	for name, arch := range archNames {
		if arch == a {
			return name
		}
	}
	return fmt.Sprintf("arch(%d)", int(a))
}

// KVSinks is the number of leading cache slots exempt from ring eviction.
const KVSinks = 2

// Config holds the hyperparameters of a loaded model. Immutable after load.
type Config struct {
	Arch       Arch
	Dim        int     // transformer width
	HiddenDim  int     // feed-forward width
	HeadDim    int     // per-head width; usually Dim / NHeads but not required
	NLayers    int
	NHeads     int     // query heads
	NKVHeads   int     // key/value heads; < NHeads enables grouped-query attention
	VocabSize  int
	SeqLen     int     // physical cache capacity; longer sequences roll the cache
	RopeTheta  float32 // rotary base frequency
	RotaryDim  int     // elements beyond this per head are not rotated
	NExperts   int     // total experts; 0 for dense models
	NExpertsAc int     // active experts per token
	NormEps    float32
	EmbedScale float32 // token embedding scale (tied-weight models)

	BOSToken int
	EOSToken int
}

// Validate checks internal consistency. All violations are load-time errors;
// nothing here is re-checked on the hot path.
func (c *Config) Validate() error {
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return &ShapeError{Reason: fmt.Sprintf(format, args...)}
	}
	if err := check(c.Dim > 0, "dim must be positive, got %d", c.Dim); err != nil {
		return err
	}
	if err := check(c.NLayers > 0, "n_layers must be positive, got %d", c.NLayers); err != nil {
		return err
	}
	if err := check(c.NHeads > 0, "n_heads must be positive, got %d", c.NHeads); err != nil {
		return err
	}
	if err := check(c.NKVHeads > 0 && c.NKVHeads <= c.NHeads,
		"n_kv_heads must be in 1..n_heads, got %d (n_heads %d)", c.NKVHeads, c.NHeads); err != nil {
		return err
	}
	if err := check(c.NHeads%c.NKVHeads == 0,
		"n_heads %d must be divisible by n_kv_heads %d", c.NHeads, c.NKVHeads); err != nil {
		return err
	}
	if err := check(c.HeadDim > 0 && c.HeadDim%2 == 0,
		"head_dim must be positive and even, got %d", c.HeadDim); err != nil {
		return err
	}
	if err := check(c.RotaryDim > 0 && c.RotaryDim <= c.HeadDim && c.RotaryDim%2 == 0,
		"rotary_dim must be even and in 1..head_dim, got %d (head_dim %d)", c.RotaryDim, c.HeadDim); err != nil {
		return err
	}
	if err := check(c.VocabSize > 0, "vocab_size must be positive, got %d", c.VocabSize); err != nil {
		return err
	}
	if err := check(c.SeqLen > KVSinks,
		"seq_len %d must exceed the %d sink slots", c.SeqLen, KVSinks); err != nil {
		return err
	}
	if err := check(c.NExpertsAc <= c.NExperts,
		"n_experts_ac %d exceeds n_experts %d", c.NExpertsAc, c.NExperts); err != nil {
		return err
	}
	if c.Arch == ArchMixtral {
		if err := check(c.NExperts > 0 && c.NExpertsAc > 0,
			"mixtral requires experts, got n_experts=%d n_experts_ac=%d", c.NExperts, c.NExpertsAc); err != nil {
			return err
		}
	}
	return nil
}

// traits are the per-architecture capabilities the layer pipeline dispatches
// on. Resolved once at construction, never re-decided per call.
type traits struct {
	normLN   bool // classic mean/variance layernorm instead of rmsnorm
	parallel bool // one shared pre-norm, attention and ffn residuals in parallel
	qkvBias  bool
	ffnBias  bool
	gated    bool // w3 present; otherwise act(w1 x) alone feeds w2
	actGelu  bool // gelu instead of silu
	moe      bool
}

func archTraits(a Arch) traits {
	switch a {
	case ArchQwen:
		return traits{gated: true, qkvBias: true}
	case ArchPhi:
		return traits{normLN: true, parallel: true, qkvBias: true, ffnBias: true, actGelu: true}
	case ArchMixtral:
		return traits{gated: true, moe: true}
	case ArchOlmo:
		return traits{normLN: true, gated: true}
	case ArchGemma:
		return traits{gated: true, actGelu: true}
	default: // ArchLlama
		return traits{gated: true}
	}
}
