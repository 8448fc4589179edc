package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/stratum-ml/stratum/internal/inference"
	"github.com/stratum-ml/stratum/internal/logger"
	"github.com/stratum-ml/stratum/internal/metrics"
)

func (s *Server) handleCompletion(c *echo.Context) error {
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.RecordRequest("throttled")
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests")
	}

	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		metrics.RecordRequest("error")
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
	if req.Prompt == "" {
		metrics.RecordRequest("error")
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "prompt is required")
	}

	id := "cmpl-" + uuid.NewString()
	genReq := inference.Request{
		Prompt:        req.Prompt,
		MaxTokens:     req.MaxTokens,
		Seed:          req.Seed,
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		RepeatPenalty: req.RepeatPenalty,
		RepeatLastN:   req.RepeatLastN,
	}

	metrics.RequestsInFlight.Inc()
	defer metrics.RequestsInFlight.Dec()

	log := s.log.With("request_id", id)
	log.Info("completion request",
		"prompt_len", len(req.Prompt),
		"max_tokens", req.MaxTokens,
		"stream", req.Stream,
	)

	if req.Stream {
		return s.streamCompletion(c, id, genReq, log)
	}

	res, err := s.engine.Generate(c.Request().Context(), genReq, nil)
	if err != nil {
		metrics.RecordRequest("error")
		log.Error("generation failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	metrics.RecordRequest(outcome(res, nil))

	return c.JSON(http.StatusOK, CompletionResponse{
		ID:           id,
		Object:       "text_completion",
		Created:      s.clock().Unix(),
		Model:        s.name,
		Text:         res.Text,
		FinishReason: res.FinishReason,
		Usage: Usage{
			PromptTokens:     res.Stats.PromptTokens,
			CompletionTokens: res.Stats.TokensGenerated,
			TotalTokens:      res.Stats.PromptTokens + res.Stats.TokensGenerated,
		},
	})
}

// streamCompletion writes one SSE event per generated piece, then a terminal
// event carrying the finish reason.
func (s *Server) streamCompletion(c *echo.Context, id string, genReq inference.Request, log logger.Logger) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	flusher, _ := c.Response().(interface{ Flush() })
	emit := func(chunk StreamChunk) {
		payload, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(res, "data: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
	}

	result, err := s.engine.Generate(c.Request().Context(), genReq, func(piece string) {
		emit(StreamChunk{ID: id, Text: piece})
	})
	if err != nil {
		metrics.RecordRequest(outcome(nil, err))
		log.Error("generation failed mid-stream", "error", err)
		emit(StreamChunk{ID: id, FinishReason: "error", Done: true})
		return nil
	}
	metrics.RecordRequest(outcome(result, nil))
	emit(StreamChunk{ID: id, FinishReason: result.FinishReason, Done: true})
	return nil
}

func outcome(res *inference.Result, err error) string {
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		return "canceled"
	case err != nil:
		return "error"
	case res != nil && res.FinishReason == "canceled":
		return "canceled"
	default:
		return "ok"
	}
}
