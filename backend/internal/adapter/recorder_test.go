package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureRecorder struct {
	records []CallRecord
	err     error
}

func (c *captureRecorder) RecordCall(_ context.Context, rec CallRecord) error {
	c.records = append(c.records, rec)
	return c.err
}

func TestRecordingGenerator_RecordsSuccess(t *testing.T) {
	rec := &captureRecorder{}
	gen := WithRecorder(GeneratorFunc(func(ctx context.Context, req Request) (*Completion, error) {
		return &Completion{Content: "{}", Model: "m", PromptTokens: 2000, CompletionTokens: 500, TotalTokens: 2500}, nil
	}), rec, Pricing{PromptPer1K: 0.003, CompletionPer1K: 0.015})

	_, err := gen.Generate(context.Background(), Request{Name: "claims", Scope: "analysis-1", System: "s", User: "u"})
	require.NoError(t, err)

	require.Len(t, rec.records, 1)
	r := rec.records[0]
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "analysis-1", r.Scope)
	assert.Equal(t, "claims", r.Prompt)
	assert.Equal(t, "m", r.Model)
	assert.Equal(t, 2500, r.TotalTokens)
	assert.InDelta(t, 0.0135, r.Cost, 1e-9)
	assert.Empty(t, r.Error)
}

func TestRecordingGenerator_RecordsFailureAndIgnoresRecorderError(t *testing.T) {
	rec := &captureRecorder{err: errors.New("disk full")}
	boom := errors.New("timeout")
	gen := WithRecorder(GeneratorFunc(func(ctx context.Context, req Request) (*Completion, error) {
		return nil, boom
	}), rec, Pricing{})

	_, err := gen.Generate(context.Background(), Request{Name: "claims"})
	assert.ErrorIs(t, err, boom)
	require.Len(t, rec.records, 1)
	assert.Equal(t, "timeout", rec.records[0].Error)
}

func TestRecorders_FanOut(t *testing.T) {
	a := &captureRecorder{}
	b := &captureRecorder{err: errors.New("b failed")}
	c := &captureRecorder{}

	err := Recorders{a, nil, b, c}.RecordCall(context.Background(), CallRecord{Prompt: "p"})
	assert.EqualError(t, err, "b failed")
	assert.Len(t, a.records, 1)
	assert.Len(t, c.records, 1)
}
