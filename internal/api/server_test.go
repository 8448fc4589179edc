package api

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/stratum-ml/stratum/internal/inference"
	"github.com/stratum-ml/stratum/internal/model"
	"github.com/stratum-ml/stratum/internal/tensor"
	"github.com/stratum-ml/stratum/internal/tokenizer"
)

func testEngine(t *testing.T) *inference.Engine {
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

	rng := rand.New(rand.NewSource(17))
	mat := func(r, c int) tensor.Mat {
		data := make([]float32, r*c)
		for i := range data {
			data[i] = (rng.Float32()*2 - 1) * 0.2
		}
		return tensor.NewMatFromData(r, c, data)
	}
	vec := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1 + (rng.Float32()*2-1)*0.05
		}
		return v
	}

	w := &model.Weights{DType: tensor.DTypeF32}
	w.TokenEmbedding = mat(cfg.VocabSize, cfg.Dim)
	w.Layers = []model.LayerWeights{{
		AttnNorm: vec(cfg.Dim),
		FfnNorm:  vec(cfg.Dim),
		Wq:       mat(8, 8),
		Wk:       mat(4, 8),
		Wv:       mat(4, 8),
		Wo:       mat(8, 8),
		W1:       mat(16, 8),
		W2:       mat(8, 16),
		W3:       mat(16, 8),
	}}
	w.FinalNorm = vec(cfg.Dim)
	w.Cls = mat(cfg.VocabSize, cfg.Dim)

	tr, err := model.New(cfg, w, model.Options{})
	if err != nil {
		t.Fatal(err)
	}

	tokens := []string{"<unk>", "<s>", "</s>", "a", "b", "c"}
	scores := []float32{0, 0, 0, -1, -2, -3}
	for len(tokens) < cfg.VocabSize {
		tokens = append(tokens, fmt.Sprintf("<pad%d>", len(tokens)))
		scores = append(scores, -100)
	}
	tok, err := tokenizer.New(tokenizer.Vocab{Tokens: tokens, Scores: scores, BOS: 1, EOS: 2})
	if err != nil {
		t.Fatal(err)
	}
	return inference.New(tr, tok, nil)
}

func newTestEcho(t *testing.T, opts Options) *echo.Echo {
	t.Helper()
	server := NewServer(testEngine(t), opts)
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCompletion(t *testing.T) {
	e := newTestEcho(t, Options{})
	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"abc","max_tokens":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp CompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.ID, "cmpl-") {
		t.Errorf("id = %q, want cmpl- prefix", resp.ID)
	}
	if resp.Object != "text_completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if resp.Usage.PromptTokens == 0 {
		t.Error("usage missing prompt tokens")
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Errorf("usage totals inconsistent: %+v", resp.Usage)
	}
	if resp.FinishReason == "" {
		t.Error("missing finish reason")
	}
}

func TestCompletionValidation(t *testing.T) {
	e := newTestEcho(t, Options{})

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"max_tokens":3}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing prompt: status %d", rec.Code)
	}
	var errResp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error.Type != "invalid_request_error" {
		t.Errorf("error type = %q", errResp.Error.Type)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/completions", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status %d", rec.Code)
	}
}

func TestCompletionStream(t *testing.T) {
	e := newTestEcho(t, Options{})
	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"ab","max_tokens":3,"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var sawDone bool
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", line, err)
		}
		if chunk.Done {
			sawDone = true
			if chunk.FinishReason == "" {
				t.Error("terminal chunk missing finish reason")
			}
		}
	}
	if !sawDone {
		t.Fatal("stream never sent a terminal chunk")
	}
}

func TestRateLimit(t *testing.T) {
	e := newTestEcho(t, Options{RateLimit: 0.001, Burst: 1})

	if rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"a","max_tokens":1}`); rec.Code != http.StatusOK {
		t.Fatalf("first request: status %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"a","max_tokens":1}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEcho(t, Options{})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestModelInfo(t *testing.T) {
	e := newTestEcho(t, Options{})
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var info ModelInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Arch != "llama" || info.Layers != 1 || info.VocabSize != 16 {
		t.Errorf("unexpected info: %+v", info)
	}
	if info.Params <= 0 {
		t.Error("missing params accounting")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEcho(t, Options{})
	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stratum_") {
		t.Error("engine metrics not exposed")
	}
}
