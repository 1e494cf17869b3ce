package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trace-landscape/backend/pkg/config"
	apperrors "trace-landscape/backend/pkg/errors"
	"trace-landscape/backend/pkg/logger"
)

// Request is one structured text-generation call
type Request struct {
	// Name identifies the prompt in logs and audit records
	Name string
	// Scope is the analysis the call works for; empty for calls outside a pipeline run
	Scope  string
	System string
	User   string
	// Schema constrains the reply to a JSON document; nil asks for free text
	Schema json.Marshaler
}

// Completion is the raw reply of a text-generation call
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Duration         time.Duration
}

// Generator is the text-generation transport every model-backed stage calls through
type Generator interface {
	Generate(ctx context.Context, req Request) (*Completion, error)
}

// GeneratorFunc adapts a function to Generator
type GeneratorFunc func(ctx context.Context, req Request) (*Completion, error)

// Generate calls f(ctx, req)
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Completion, error) {
	return f(ctx, req)
}

// Policy bounds how the adapter talks to the model service
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	// Backoff is multiplied by the attempt number between retries
	Backoff time.Duration
	// RateLimit in requests per second; 0 disables the limiter
	RateLimit           float64
	BreakerFailureRatio float64
	BreakerMinRequests  uint32
}

// PolicyFromConfig builds the transport policy from application config
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		Timeout:             cfg.LLMTimeout,
		MaxAttempts:         cfg.LLMMaxAttempts,
		Backoff:             time.Second,
		RateLimit:           cfg.LLMRateLimit,
		BreakerFailureRatio: cfg.BreakerFailureRatio,
		BreakerMinRequests:  uint32(cfg.BreakerMinRequests),
	}
}

// LLMAdapter handles communication with the LLM via LiteLLM
type LLMAdapter struct {
	client  *openai.Client
	model   string
	policy  Policy
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewLLMAdapter creates a new LLM adapter
func NewLLMAdapter(baseURL, apiKey, modelID string, policy Policy) *LLMAdapter {
	// For LiteLLM, we can use a dummy API key if not provided
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(baseURL, "/") + "/v1"

	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	a := &LLMAdapter{
		client: openai.NewClientWithConfig(cfg),
		model:  modelID,
		policy: policy,
		logger: logger.Named("llm"),
	}
	if policy.RateLimit > 0 {
		burst := int(policy.RateLimit)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(policy.RateLimit), burst)
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Only trip if we have enough requests to make a decision
			if policy.BreakerMinRequests == 0 || counts.Requests < policy.BreakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= policy.BreakerFailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			a.logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return a
}

// GetModel returns the model this adapter calls
func (a *LLMAdapter) GetModel() string {
	return a.model
}

// Generate sends a request to the LLM and returns the response
func (a *LLMAdapter) Generate(ctx context.Context, req Request) (*Completion, error) {
	currentModel := a.GetModel()

	chatReq := openai.ChatCompletionRequest{
		Model: currentModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.System,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.User,
			},
		},
		Temperature: 0.2,
	}
	if req.Schema != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schemaName(req.Name),
				Schema: req.Schema,
				Strict: false,
			},
		}
	}

	// Retry logic with linear backoff
	var resp openai.ChatCompletionResponse
	var err error
	attempts := 0
	start := time.Now()
	for attempt := 0; attempt < a.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * a.policy.Backoff
			a.logger.Warn("Retrying LLM request",
				zap.String("prompt", req.Name),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			if waitErr := sleep(ctx, backoff); waitErr != nil {
				err = waitErr
				break
			}
		}
		attempts++

		resp, err = a.call(ctx, chatReq)
		if err == nil {
			break
		}

		a.logger.Error("LLM request failed",
			zap.Error(err),
			zap.String("prompt", req.Name),
			zap.Int("attempt", attempt+1),
			zap.String("model", currentModel),
		)

		// An open breaker or a finished caller context will not heal within the retry window
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		return nil, apperrors.NewTransportFailed(req.Name, currentModel, attempts, err)
	}

	if len(resp.Choices) == 0 {
		return nil, apperrors.NewMalformedOutput(req.Name, fmt.Errorf("no choices in LLM response"))
	}

	completion := &Completion{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Duration:         time.Since(start),
	}
	if completion.Model == "" {
		completion.Model = currentModel
	}

	a.logger.Debug("LLM response generated",
		zap.String("prompt", req.Name),
		zap.String("model", completion.Model),
		zap.Int("total_tokens", completion.TotalTokens),
		zap.Duration("duration", completion.Duration),
	)

	return completion, nil
}

// call runs one attempt through the limiter, the breaker and the per-call timeout
func (a *LLMAdapter) call(ctx context.Context, chatReq openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return openai.ChatCompletionResponse{}, err
		}
	}

	callCtx := ctx
	if a.policy.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.policy.Timeout)
		defer cancel()
	}

	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.client.CreateChatCompletion(callCtx, chatReq)
	})
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return out.(openai.ChatCompletionResponse), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// schemaName keeps the response-format name within the [a-zA-Z0-9_-] alphabet
func schemaName(name string) string {
	if name == "" {
		return "response"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
