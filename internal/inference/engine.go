// Package inference drives token generation: prompt encoding, cache
// pre-fill, and the sampling loop over a loaded model.
package inference

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/stratum-ml/stratum/internal/logger"
	"github.com/stratum-ml/stratum/internal/logits"
	"github.com/stratum-ml/stratum/internal/metrics"
	"github.com/stratum-ml/stratum/internal/model"
	"github.com/stratum-ml/stratum/internal/tokenizer"
)

// Request describes one generation job. Zero-valued sampling knobs pick the
// sampler defaults; MaxTokens <= 0 generates until EOS or cache exhaustion.
type Request struct {
	Prompt    string
	MaxTokens int

	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	RepeatPenalty float32
	RepeatLastN   int

	// StopTokens end generation without being emitted; EOS is always included.
	StopTokens []int
}

// Stats summarizes a finished generation.
type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
}

// Result is the outcome of Generate.
type Result struct {
	Text         string
	Tokens       []int // prompt + generated ids
	FinishReason string // "stop", "length", or "canceled"
	Stats        Stats
}

// StreamFunc receives decoded text fragments as they are generated.
type StreamFunc func(piece string)

// Engine owns a Transformer and its tokenizer. A Transformer carries a single
// mutable run state, so Generate holds a lock for the whole run; concurrent
// callers queue.
type Engine struct {
	mu  sync.Mutex
	t   *model.Transformer
	tok *tokenizer.Tokenizer
	log logger.Logger
}

// New wraps an already-constructed model.
func New(t *model.Transformer, tok *tokenizer.Tokenizer, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{t: t, tok: tok, log: log}
}

// Load opens a model file and builds an engine around it.
func Load(path string, opts model.LoadOptions, log logger.Logger) (*Engine, error) {
	t, tok, err := model.Load(path, opts)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	log.Info("model loaded",
		"path", path,
		"arch", t.Config.Arch.String(),
		"params", t.NParams,
		"bytes", t.NBytes,
		"seq_len", t.Config.SeqLen,
	)
	metrics.ModelBytes.Set(float64(t.NBytes))
	return &Engine{t: t, tok: tok, log: log}, nil
}

// Model exposes the underlying transformer for inspection.
func (e *Engine) Model() *model.Transformer { return e.t }

// Tokenizer exposes the model's tokenizer.
func (e *Engine) Tokenizer() *tokenizer.Tokenizer { return e.tok }

// Close releases the model mapping.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t.Close()
}

// Generate encodes the prompt, pre-fills the cache, and samples until EOS, a
// stop token, the token budget, or context cancellation. stream may be nil.
func (e *Engine) Generate(ctx context.Context, req Request, stream StreamFunc) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	e.t.Reset()

	ids := e.tok.Encode(req.Prompt, true)
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty prompt after encoding")
	}

	sampler := logits.New(logits.Config{
		Seed:          req.Seed,
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		RepeatPenalty: req.RepeatPenalty,
		RepeatLastN:   req.RepeatLastN,
	})

	stopTokens := append([]int(nil), req.StopTokens...)
	if eos := e.tok.EOS(); eos >= 0 && !slices.Contains(stopTokens, eos) {
		stopTokens = append(stopTokens, eos)
	}

	// Pre-fill: every prompt token except the last only needs to land in the
	// cache; the last one produces the logits the first sample draws from.
	var logitsVec []float32
	pos := 0
	for i, id := range ids {
		flags := model.FlagUpdateKVOnly
		if i == len(ids)-1 {
			flags = 0
		}
		fwStart := time.Now()
		vec, err := e.t.Forward(id, pos, flags)
		if err != nil {
			return nil, fmt.Errorf("prefill token %d: %w", i, err)
		}
		metrics.RecordForward(metrics.PhasePrefill, time.Since(fwStart))
		logitsVec = vec
		pos++
	}

	limit := req.MaxTokens
	if limit <= 0 {
		limit = 1 << 20
	}

	var sb strings.Builder
	toks := append([]int(nil), ids...)
	res := &Result{FinishReason: "length"}

decode:
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			res.FinishReason = "canceled"
			break
		}

		next := sampler.Sample(logitsVec, toks)
		if slices.Contains(stopTokens, next) {
			res.FinishReason = "stop"
			break
		}
		toks = append(toks, next)

		piece := e.tok.Decode([]int{next})
		sb.WriteString(piece)
		if stream != nil {
			stream(piece)
		}

		fwStart := time.Now()
		vec, err := e.t.Forward(next, pos, 0)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", i, err)
		}
		metrics.RecordForward(metrics.PhaseDecode, time.Since(fwStart))
		if pos >= e.t.Config.SeqLen {
			metrics.CacheRotations.Inc()
		}
		logitsVec = vec
		pos++
		res.Stats.TokensGenerated++

		select {
		case <-ctx.Done():
			res.FinishReason = "canceled"
			break decode
		default:
		}
	}

	res.Text = sb.String()
	res.Tokens = toks
	res.Stats.PromptTokens = len(ids)
	res.Stats.Duration = time.Since(start)
	if s := res.Stats.Duration.Seconds(); s > 0 {
		res.Stats.TPS = float64(res.Stats.TokensGenerated) / s
	}
	metrics.RecordGenerate(len(toks), res.Stats.Duration)

	e.log.Debug("generation finished",
		"prompt_tokens", res.Stats.PromptTokens,
		"generated", res.Stats.TokensGenerated,
		"reason", res.FinishReason,
		"tps", res.Stats.TPS,
	)
	return res, nil
}
