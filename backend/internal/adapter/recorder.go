package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trace-landscape/backend/pkg/logger"
)

// CallRecord is the audit trail of one model call
type CallRecord struct {
	ID               string        `json:"id"`
	Scope            string        `json:"scope"`
	Prompt           string        `json:"prompt"`
	Model            string        `json:"model"`
	System           string        `json:"system"`
	User             string        `json:"user"`
	Response         string        `json:"response"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Cost             float64       `json:"cost"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// Recorder persists or observes call records
type Recorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// Recorders fans one record out to several recorders
type Recorders []Recorder

// RecordCall forwards rec to every recorder and returns the first failure
func (rs Recorders) RecordCall(ctx context.Context, rec CallRecord) error {
	var first error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.RecordCall(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Pricing converts token usage into cost
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Cost returns the price of one completion
func (p Pricing) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*p.PromptPer1K + float64(completionTokens)/1000*p.CompletionPer1K
}

// RecordingGenerator records every call made through the wrapped generator.
// Recording failures are logged and never fail the call.
type RecordingGenerator struct {
	next     Generator
	recorder Recorder
	pricing  Pricing
	now      func() time.Time
	logger   *zap.Logger
}

// WithRecorder wraps next so every call is handed to recorder
func WithRecorder(next Generator, recorder Recorder, pricing Pricing) *RecordingGenerator {
	return &RecordingGenerator{
		next:     next,
		recorder: recorder,
		pricing:  pricing,
		now:      time.Now,
		logger:   logger.Named("llm"),
	}
}

// Generate forwards req and records the outcome
func (g *RecordingGenerator) Generate(ctx context.Context, req Request) (*Completion, error) {
	start := g.now()
	completion, err := g.next.Generate(ctx, req)

	rec := CallRecord{
		ID:        uuid.New().String(),
		Scope:     req.Scope,
		Prompt:    req.Name,
		System:    req.System,
		User:      req.User,
		Timestamp: start.UTC(),
		Duration:  g.now().Sub(start),
	}
	if completion != nil {
		rec.Model = completion.Model
		rec.Response = completion.Content
		rec.PromptTokens = completion.PromptTokens
		rec.CompletionTokens = completion.CompletionTokens
		rec.TotalTokens = completion.TotalTokens
		rec.Cost = g.pricing.Cost(completion.PromptTokens, completion.CompletionTokens)
	}
	if err != nil {
		rec.Error = err.Error()
	}

	if recErr := g.recorder.RecordCall(ctx, rec); recErr != nil {
		g.logger.Warn("Failed to record model call",
			zap.String("prompt", req.Name),
			zap.String("analysis_id", req.Scope),
			zap.Error(recErr),
		)
	}
	return completion, err
}
