// Package api serves completions over HTTP: a small JSON API in front of a
// single loaded model, with health, model info, and Prometheus endpoints.
package api

import (
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/stratum-ml/stratum/internal/inference"
	"github.com/stratum-ml/stratum/internal/logger"
)

// Options tunes the server.
type Options struct {
	// ModelName is echoed in responses; defaults to the architecture tag.
	ModelName string
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	Logger    logger.Logger
}

// Server handles the completion API for one engine. Generation requests are
// serialized by the engine itself; the server only guards admission.
type Server struct {
	engine  *inference.Engine
	log     logger.Logger
	limiter *rate.Limiter
	name    string
	clock   func() time.Time
}

func NewServer(engine *inference.Engine, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	name := opts.ModelName
	if name == "" {
		name = engine.Model().Config.Arch.String()
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Server{
		engine:  engine,
		log:     log,
		limiter: limiter,
		name:    name,
		clock:   time.Now,
	}
}

// Register installs all routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/completions", s.handleCompletion)
	e.GET("/v1/model", s.handleModelInfo)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModelInfo(c *echo.Context) error {
	m := s.engine.Model()
	cfg := m.Config
	return c.JSON(http.StatusOK, ModelInfo{
		Arch:      cfg.Arch.String(),
		Params:    m.NParams,
		Bytes:     m.NBytes,
		Bandwidth: m.NBandwidth,
		Dim:       cfg.Dim,
		Layers:    cfg.NLayers,
		Heads:     cfg.NHeads,
		KVHeads:   cfg.NKVHeads,
		VocabSize: cfg.VocabSize,
		SeqLen:    cfg.SeqLen,
		Experts:   cfg.NExperts,
	})
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, errorResponse{Error: apiError{Message: msg, Type: errType}})
}

func decodeJSON[T any](r io.Reader) (*T, error) {
	var v T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
