package inference

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stratum-ml/stratum/internal/model"
	"github.com/stratum-ml/stratum/internal/tensor"
	"github.com/stratum-ml/stratum/internal/tokenizer"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()

	cfg := model.Config{
		Arch:       model.ArchLlama,
		Dim:        8,
		HiddenDim:  16,
		HeadDim:    2,
		NLayers:    1,
		NHeads:     4,
		NKVHeads:   2,
		VocabSize:  16,
		SeqLen:     16,
		RopeTheta:  10000,
		RotaryDim:  2,
		NormEps:    1e-5,
		EmbedScale: 1,
		BOSToken:   1,
		EOSToken:   2,
	}

	rng := rand.New(rand.NewSource(5))
	mat := func(r, c int) tensor.Mat {
		data := make([]float32, r*c)
		for i := range data {
			data[i] = (rng.Float32()*2 - 1) * 0.2
		}
		return tensor.NewMatFromData(r, c, data)
	}
	vec := func(n int, base float32) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = base + (rng.Float32()*2-1)*0.05
		}
		return v
	}

	w := &model.Weights{DType: tensor.DTypeF32}
	w.TokenEmbedding = mat(cfg.VocabSize, cfg.Dim)
	w.Layers = []model.LayerWeights{{
		AttnNorm: vec(cfg.Dim, 1),
		FfnNorm:  vec(cfg.Dim, 1),
		Wq:       mat(8, 8),
		Wk:       mat(4, 8),
		Wv:       mat(4, 8),
		Wo:       mat(8, 8),
		W1:       mat(16, 8),
		W2:       mat(8, 16),
		W3:       mat(16, 8),
	}}
	w.FinalNorm = vec(cfg.Dim, 1)
	w.Cls = mat(cfg.VocabSize, cfg.Dim)

	tr, err := model.New(cfg, w, model.Options{})
	if err != nil {
		t.Fatal(err)
	}

	tokens := []string{"<unk>", "<s>", "</s>", "a", "b", "c", "ab", "bc"}
	scores := []float32{0, 0, 0, -1, -2, -3, -0.5, -0.75}
	for len(tokens) < cfg.VocabSize {
		tokens = append(tokens, fmt.Sprintf("<pad%d>", len(tokens)))
		scores = append(scores, -100)
	}
	tok, err := tokenizer.New(tokenizer.Vocab{Tokens: tokens, Scores: scores, BOS: 1, EOS: 2})
	if err != nil {
		t.Fatal(err)
	}
	return New(tr, tok, nil)
}

func TestGenerateGreedyDeterministic(t *testing.T) {
	e := testEngine(t)
	req := Request{Prompt: "abc", MaxTokens: 5} // zero temperature: greedy

	a, err := e.Generate(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Generate(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(a.Tokens) != len(b.Tokens) {
		t.Fatalf("token count differs: %d vs %d", len(a.Tokens), len(b.Tokens))
	}
	for i := range a.Tokens {
		if a.Tokens[i] != b.Tokens[i] {
			t.Fatalf("token %d differs: %d vs %d", i, a.Tokens[i], b.Tokens[i])
		}
	}
	if a.Text != b.Text {
		t.Fatalf("text differs: %q vs %q", a.Text, b.Text)
	}
}

func TestGenerateStats(t *testing.T) {
	e := testEngine(t)
	res, err := e.Generate(context.Background(), Request{Prompt: "ab", MaxTokens: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// "ab" merges into one piece, so the prompt is bos + "ab"
	if res.Stats.PromptTokens != 2 {
		t.Fatalf("prompt tokens = %d, want 2", res.Stats.PromptTokens)
	}
	if res.Stats.TokensGenerated > 3 {
		t.Fatalf("generated %d tokens, budget was 3", res.Stats.TokensGenerated)
	}
	if res.FinishReason != "length" && res.FinishReason != "stop" {
		t.Fatalf("finish reason = %q", res.FinishReason)
	}
	if res.Stats.Duration <= 0 {
		t.Fatal("duration not recorded")
	}
}

func TestGenerateStreams(t *testing.T) {
	e := testEngine(t)
	var pieces []string
	res, err := e.Generate(context.Background(), Request{Prompt: "a", MaxTokens: 4}, func(p string) {
		pieces = append(pieces, p)
	})
	if err != nil {
		t.Fatal(err)
	}
	var joined string
	for _, p := range pieces {
		joined += p
	}
	if joined != res.Text {
		t.Fatalf("streamed %q, result text %q", joined, res.Text)
	}
	if len(pieces) != res.Stats.TokensGenerated {
		t.Fatalf("streamed %d pieces for %d tokens", len(pieces), res.Stats.TokensGenerated)
	}
}

func TestGenerateCanceled(t *testing.T) {
	e := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Generate(ctx, Request{Prompt: "abc", MaxTokens: 100}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != "canceled" {
		t.Fatalf("finish reason = %q, want canceled", res.FinishReason)
	}
	if res.Stats.TokensGenerated != 0 {
		t.Fatalf("generated %d tokens after cancellation", res.Stats.TokensGenerated)
	}
}

func TestGenerateStopToken(t *testing.T) {
	e := testEngine(t)

	// Find the greedy first choice, then declare it a stop token.
	probe, err := e.Generate(context.Background(), Request{Prompt: "abc", MaxTokens: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if probe.Stats.TokensGenerated == 0 {
		t.Skip("model stopped immediately")
	}
	first := probe.Tokens[len(probe.Tokens)-probe.Stats.TokensGenerated]

	res, err := e.Generate(context.Background(), Request{
		Prompt: "abc", MaxTokens: 5, StopTokens: []int{first},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != "stop" {
		t.Fatalf("finish reason = %q, want stop", res.FinishReason)
	}
	if res.Stats.TokensGenerated != 0 {
		t.Fatalf("stop token should end generation before emission, got %d tokens", res.Stats.TokensGenerated)
	}
}

func TestGenerateEmptyPrompt(t *testing.T) {
	e := testEngine(t)
	// bos keeps the encoded prompt non-empty even for empty text
	if _, err := e.Generate(context.Background(), Request{Prompt: "", MaxTokens: 1}, nil); err != nil {
		t.Fatal(err)
	}
}
