// Package ai adapts hosted language models to the agents.Model port.
package ai

import (
	"context"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"toolflow/internal/adapters/config"
	"toolflow/internal/agents"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

// GeminiModel implements agents.Model on the Gemini API.
type GeminiModel struct {
	models  *genai.Models
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	log     *logger.Logger
}

// NewGeminiModel creates a Gemini-backed model.
func NewGeminiModel(ctx context.Context, cfg config.AIConfig) (*GeminiModel, error) {
	if cfg.GeminiKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "GEMINI_API_KEY is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gemini client")
	}

	m := &GeminiModel{
		models:  client.Models,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		log:     logger.Get().With("component", "gemini", "model", cfg.Model),
	}
	if cfg.RequestsPerMinute > 0 {
		burst := int(cfg.RequestsPerMinute / 10)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), burst)
	}

	return m, nil
}

// GenerateContent asks the model for the next turn.
func (m *GeminiModel) GenerateContent(ctx context.Context, req *agents.ModelRequest) (*genai.Content, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(errors.ErrRateLimited, err.Error())
		}
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := m.models.GenerateContent(ctx, m.model, req.Contents, buildConfig(req))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrapf(errors.ErrTimeout, "gemini %s: %v", m.model, err)
		}
		return nil, errors.Wrapf(err, "gemini %s", m.model)
	}

	content, err := firstCandidate(resp)
	if err != nil {
		return nil, err
	}

	m.log.Debugf("Generated %d part(s) in %s", len(content.Parts), time.Since(start))
	return content, nil
}

func buildConfig(req *agents.ModelRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: req.Tools}}
	}
	return cfg
}

// firstCandidate extracts the model turn from a response.
func firstCandidate(resp *genai.GenerateContentResponse) (*genai.Content, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.Wrap(errors.ErrInternal, "gemini returned no candidates")
	}

	content := resp.Candidates[0].Content
	if content.Role == "" {
		content.Role = string(genai.RoleModel)
	}
	return content, nil
}
