package providers

import (
	"context"
	"fmt"
	"log/slog"
)

// Choice pairs a backend with its ordered model fallback list.
type Choice struct {
	Backend Backend
	Models  []string
}

// Selector routes a request to the right backend pool and walks the
// provider and model fallback chains until one succeeds.
//
// Pool precedence: requests with images go to the vision pool, then
// web-originated requests to the web pool, then NSFW to the NSFW pool,
// everything else to the normal pool. An empty specialized pool falls
// back to the normal pool.
type Selector struct {
	Normal []Choice
	NSFW   []Choice
	Vision []Choice
	Web    []Choice

	// AutoFallbackModel, when set, is tried once on the first
	// cloud-router backend after every configured model has failed.
	AutoFallbackModel string
}

// pickPool resolves request fields to a backend pool.
func (s *Selector) pickPool(f Fields) []Choice {
	var pool []Choice
	switch {
	case f.HasImages:
		pool = s.Vision
	case f.Web:
		pool = s.Web
	case f.NSFW:
		pool = s.NSFW
	}
	if len(pool) == 0 {
		pool = s.Normal
	}
	return pool
}

// Generate walks the selected pool starting at the request's provider
// index and tries each model in order, moving on to the next provider
// when a backend's models are exhausted. Local-compat backends get a
// single model attempt since self-hosted servers serve one model.
// Failures are logged and the chain continues; the last error is
// returned only when every option is spent.
func (s *Selector) Generate(ctx context.Context, req Request) (*Result, error) {
	pool := s.pickPool(req.Fields)
	if len(pool) == 0 {
		return nil, fmt.Errorf("providers: no backends configured")
	}

	start := req.Fields.ProviderIndex
	if start < 0 || start >= len(pool) {
		start = 0
	}

	var lastErr error
	for i := 0; i < len(pool); i++ {
		choice := pool[(start+i)%len(pool)]
		models := choice.Models
		if req.Model != "" {
			models = []string{req.Model}
		}
		if choice.Backend.Kind() == KindLocalCompat && len(models) > 1 {
			models = models[:1]
		}
		for _, model := range models {
			attempt := req
			attempt.Model = model
			result, err := choice.Backend.GenerateChat(ctx, attempt)
			if err == nil {
				return result, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			slog.Warn("llm attempt failed",
				"provider", choice.Backend.Name(),
				"model", model,
				"channel", req.Fields.Channel,
				"correlation", req.Fields.Correlation,
				"error", err)
		}
	}

	if s.AutoFallbackModel != "" && req.Model == "" {
		for _, choice := range pool {
			if choice.Backend.Kind() != KindCloudRouter {
				continue
			}
			attempt := req
			attempt.Model = s.AutoFallbackModel
			slog.Info("llm auto fallback",
				"provider", choice.Backend.Name(),
				"model", s.AutoFallbackModel,
				"channel", req.Fields.Channel,
				"correlation", req.Fields.Correlation)
			result, err := choice.Backend.GenerateChat(ctx, attempt)
			if err == nil {
				return result, nil
			}
			lastErr = err
			break
		}
	}

	return nil, fmt.Errorf("providers: all backends failed: %w", lastErr)
}
