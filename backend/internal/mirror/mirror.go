// Package mirror builds the normalized projection of a trace that one analysis works from.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"trace-landscape/backend/internal/adapter"
	"trace-landscape/backend/internal/constants"
	"trace-landscape/backend/internal/graph"
	apperrors "trace-landscape/backend/pkg/errors"
	"trace-landscape/backend/pkg/logger"
)

// Reference ties a numbered tag of one mirror to the landmark it stands for
type Reference struct {
	TagID        int            `json:"tag_id"`
	LandmarkID   string         `json:"landmark_id"`
	LandmarkKind graph.NodeKind `json:"landmark_kind"`
	Mention      string         `json:"mention"`
}

// TraceMirror is the per-analysis normalized view of a trace
type TraceMirror struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	AnalysisID string      `json:"analysis_id"`
	TraceID    string      `json:"trace_id"`
	Title      string      `json:"title"`
	Subtitle   string      `json:"subtitle"`
	Tags       []string    `json:"tags"`
	References []Reference `json:"references"`
}

// TagMap resolves tag ids to landmark ids
func (m *TraceMirror) TagMap() map[int]string {
	tags := make(map[int]string, len(m.References))
	for _, r := range m.References {
		tags[r.TagID] = r.LandmarkID
	}
	return tags
}

// body is what the mirror node's content holds
type body struct {
	Tags       []string    `json:"tags"`
	References []Reference `json:"references"`
}

type normalization struct {
	Title    string   `json:"title" description:"short headline of the entry" validate:"required"`
	Subtitle string   `json:"subtitle" description:"one sentence summary of the entry"`
	Tags     []string `json:"tags" description:"a few lowercase topical tags"`
}

const normalizeSystemPrompt = `You normalize personal journal entries.
Return a short headline, a one sentence summary and a few lowercase topical tags.
Answer with a single JSON object and nothing else.`

// Service creates and loads trace mirrors
type Service struct {
	store  graph.Store
	gen    adapter.Generator
	logger *zap.Logger
}

// NewService creates a mirror service
func NewService(store graph.Store, gen adapter.Generator) *Service {
	return &Service{
		store:  store,
		gen:    gen,
		logger: logger.Named("mirror"),
	}
}

// Create normalizes the trace with one model call and stores the mirror for analysisID
func (s *Service) Create(ctx context.Context, analysisID string, trace *graph.Node) (*TraceMirror, error) {
	if trace == nil || trace.Kind != graph.KindTrace {
		return nil, apperrors.NewInvalidInput("trace", "mirror source must be a trace")
	}

	norm, err := adapter.Execute[normalization](ctx, s.gen, adapter.Request{
		Name:   constants.PromptMirror,
		Scope:  analysisID,
		System: normalizeSystemPrompt,
		User:   trace.Content,
	})
	if err != nil {
		return nil, err
	}

	m := &TraceMirror{
		UserID:     trace.UserID,
		AnalysisID: analysisID,
		TraceID:    trace.ID,
		Title:      strings.TrimSpace(norm.Title),
		Subtitle:   strings.TrimSpace(norm.Subtitle),
		Tags:       cleanTags(norm.Tags),
		References: []Reference{},
	}
	content, err := encode(m)
	if err != nil {
		return nil, err
	}

	node, err := s.store.CreateNode(ctx, &graph.Node{
		UserID:          trace.UserID,
		Kind:            graph.KindTraceMirror,
		Title:           m.Title,
		Subtitle:        m.Subtitle,
		Content:         content,
		InteractionDate: trace.InteractionDate,
	})
	if err != nil {
		return nil, err
	}
	m.ID = node.ID

	if _, err := graph.Link(ctx, s.store, trace.UserID, node.ID, trace.ID, graph.RelTrace); err != nil {
		return nil, err
	}
	if _, err := graph.Link(ctx, s.store, trace.UserID, node.ID, analysisID, graph.RelLandscape); err != nil {
		return nil, err
	}

	s.logger.Info("Trace mirror created",
		zap.String("mirror_id", m.ID),
		zap.String("analysis_id", analysisID),
		zap.String("trace_id", trace.ID),
		zap.Int("tags", len(m.Tags)),
	)
	return m, nil
}

// SetReferences replaces the references written into the mirror
func (s *Service) SetReferences(ctx context.Context, m *TraceMirror, refs []Reference) error {
	node, err := s.store.FindNode(ctx, m.ID)
	if err != nil {
		return err
	}
	m.References = refs
	content, err := encode(m)
	if err != nil {
		return err
	}
	node.Content = content
	_, err = s.store.UpdateNode(ctx, node)
	return err
}

// Find loads one mirror with its trace and analysis links
func (s *Service) Find(ctx context.Context, id string) (*TraceMirror, error) {
	node, err := s.store.FindNode(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, node)
}

// ForAnalysis returns the mirrors produced for an analysis
func (s *Service) ForAnalysis(ctx context.Context, analysisID string) ([]*TraceMirror, error) {
	edges, err := s.store.FindOrigins(ctx, analysisID, graph.RelLandscape)
	if err != nil {
		return nil, err
	}
	mirrors := make([]*TraceMirror, 0, len(edges))
	for _, e := range edges {
		m, err := s.Find(ctx, e.OriginID)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}

// DeleteForAnalysis removes every mirror produced for an analysis
func (s *Service) DeleteForAnalysis(ctx context.Context, analysisID string) (int, error) {
	edges, err := s.store.FindOrigins(ctx, analysisID, graph.RelLandscape)
	if err != nil {
		return 0, err
	}
	for _, e := range edges {
		if err := s.store.DeleteNode(ctx, e.OriginID); err != nil && !apperrors.IsNotFound(err) {
			return 0, err
		}
	}
	if len(edges) > 0 {
		s.logger.Debug("Trace mirrors deleted",
			zap.String("analysis_id", analysisID),
			zap.Int("count", len(edges)),
		)
	}
	return len(edges), nil
}

func (s *Service) hydrate(ctx context.Context, node *graph.Node) (*TraceMirror, error) {
	if node.Kind != graph.KindTraceMirror {
		return nil, apperrors.NewInvalidInput("mirror_id", "node is not a trace mirror")
	}
	var b body
	if node.Content != "" {
		if err := json.Unmarshal([]byte(node.Content), &b); err != nil {
			return nil, apperrors.NewInvariantViolation("mirror content", fmt.Sprintf("mirror %s: %v", node.ID, err))
		}
	}
	traceID, _, err := graph.SingleTarget(ctx, s.store, node.ID, graph.RelTrace)
	if err != nil {
		return nil, err
	}
	if traceID == "" {
		return nil, apperrors.NewMissingRelation(node.ID, string(graph.RelTrace))
	}
	analysisID, _, err := graph.SingleTarget(ctx, s.store, node.ID, graph.RelLandscape)
	if err != nil {
		return nil, err
	}
	if b.References == nil {
		b.References = []Reference{}
	}
	return &TraceMirror{
		ID:         node.ID,
		UserID:     node.UserID,
		AnalysisID: analysisID,
		TraceID:    traceID,
		Title:      node.Title,
		Subtitle:   node.Subtitle,
		Tags:       b.Tags,
		References: b.References,
	}, nil
}

func encode(m *TraceMirror) (string, error) {
	data, err := json.Marshal(body{Tags: m.Tags, References: m.References})
	if err != nil {
		return "", apperrors.NewInvariantViolation("mirror content", err.Error())
	}
	return string(data), nil
}

func cleanTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == constants.MaxMirrorTags {
			break
		}
	}
	return out
}
