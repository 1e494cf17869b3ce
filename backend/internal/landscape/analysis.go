// Package landscape maintains the per-user chain of analysis snapshots and the lenses that move
// along it.
package landscape

import (
	"context"
	"encoding/json"
	"time"

	"trace-landscape/backend/internal/graph"
	apperrors "trace-landscape/backend/pkg/errors"
)

// Analysis is one snapshot of the user's landscape after analyzing one trace
type Analysis struct {
	ID             string                `json:"id"`
	UserID         string                `json:"user_id"`
	Title          string                `json:"title"`
	Subtitle       string                `json:"subtitle,omitempty"`
	Content        string                `json:"content,omitempty"`
	State          graph.ProcessingState `json:"processing_state"`
	ParentID       string                `json:"parent_analysis_id,omitempty"`
	TraceID        string                `json:"analyzed_trace_id,omitempty"`
	ReplayedFromID string                `json:"replayed_from_id,omitempty"`
	Date           time.Time             `json:"interaction_date"`
	CreatedAt      time.Time             `json:"created_at"`
}

// Lens is a movable pointer over the analysis chain
type Lens struct {
	ID            string                `json:"id"`
	UserID        string                `json:"user_id"`
	Title         string                `json:"title"`
	State         graph.ProcessingState `json:"processing_state"`
	HeadID        string                `json:"current_landscape_id,omitempty"`
	TargetTraceID string                `json:"target_trace_id,omitempty"`
	ForkID        string                `json:"fork_landscape_id,omitempty"`
	Autoplay      bool                  `json:"autoplay"`
}

// lensBody is what the lens node's content holds
type lensBody struct {
	Autoplay bool `json:"autoplay"`
}

// Pipeline analyzes the trace of a freshly created analysis and marks it Finished
type Pipeline interface {
	Process(ctx context.Context, analysisID string) error
}

// PipelineFunc adapts a function to Pipeline
type PipelineFunc func(ctx context.Context, analysisID string) error

// Process calls f
func (f PipelineFunc) Process(ctx context.Context, analysisID string) error {
	return f(ctx, analysisID)
}

// LoadAnalysis reads an analysis node with its parent, trace and replay links
func LoadAnalysis(ctx context.Context, store graph.Store, id string) (*Analysis, error) {
	node, err := store.FindNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if node.Kind != graph.KindAnalysis {
		return nil, apperrors.NewInvalidInput("analysis_id", "node is not a landscape analysis")
	}

	a := &Analysis{
		ID:        node.ID,
		UserID:    node.UserID,
		Title:     node.Title,
		Subtitle:  node.Subtitle,
		Content:   node.Content,
		State:     node.ProcessingState,
		Date:      node.InteractionDate,
		CreatedAt: node.CreatedAt,
	}
	links := []struct {
		code graph.RelationCode
		dst  *string
	}{
		{graph.RelParent, &a.ParentID},
		{graph.RelTrace, &a.TraceID},
		{graph.RelReplay, &a.ReplayedFromID},
	}
	for _, l := range links {
		target, count, err := graph.SingleTarget(ctx, store, id, l.code)
		if err != nil {
			return nil, err
		}
		if count > 1 {
			return nil, apperrors.NewInvariantViolation("single "+string(l.code), "analysis "+id)
		}
		*l.dst = target
	}
	return a, nil
}

// LoadLens reads a lens node with its pointer edges
func LoadLens(ctx context.Context, store graph.Store, id string) (*Lens, error) {
	node, err := store.FindNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if node.Kind != graph.KindLens {
		return nil, apperrors.NewInvalidInput("lens_id", "node is not a lens")
	}

	var body lensBody
	if node.Content != "" {
		if err := json.Unmarshal([]byte(node.Content), &body); err != nil {
			return nil, apperrors.NewInvariantViolation("lens content", err.Error())
		}
	}
	l := &Lens{
		ID:       node.ID,
		UserID:   node.UserID,
		Title:    node.Title,
		State:    node.ProcessingState,
		Autoplay: body.Autoplay,
	}
	if l.HeadID, _, err = graph.SingleTarget(ctx, store, id, graph.RelHead); err != nil {
		return nil, err
	}
	if l.TargetTraceID, _, err = graph.SingleTarget(ctx, store, id, graph.RelTarget); err != nil {
		return nil, err
	}
	if l.ForkID, _, err = graph.SingleTarget(ctx, store, id, graph.RelFork); err != nil {
		return nil, err
	}
	return l, nil
}

func encodeLens(autoplay bool) string {
	data, _ := json.Marshal(lensBody{Autoplay: autoplay})
	return string(data)
}
