package element

import (
	"context"
	"time"

	"go.uber.org/zap"

	"trace-landscape/backend/internal/adapter"
	"trace-landscape/backend/internal/constants"
	"trace-landscape/backend/internal/graph"
	"trace-landscape/backend/internal/mirror"
	apperrors "trace-landscape/backend/pkg/errors"
	"trace-landscape/backend/pkg/logger"
)

// Element is a stored claim
type Element struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Kind            graph.NodeKind `json:"kind"`
	Title           string         `json:"title"`
	Content         string         `json:"content"`
	InteractionDate time.Time      `json:"interaction_date"`
	LandmarkIDs     []string       `json:"landmark_ids"`
}

type extractionTag struct {
	ID      int            `json:"id"`
	Kind    graph.NodeKind `json:"kind"`
	Mention string         `json:"mention"`
}

type extractionPrompt struct {
	Text string          `json:"text"`
	Tags []extractionTag `json:"tags"`
}

const claimsSystemPrompt = `You break a personal journal entry into atomic claims.
Sort every claim into one of four lists:
- transactions: things the author did, consumed or produced (type input, output or transformation);
- descriptions: statements of what something is (type unit, question or theme);
- norms: what should be done (type plan, obligation, recommendation or principle);
- evaluations: feelings and judgements (type emotion, energy, quality or interest).
Give every claim a short local id (tra_1, des_1, nor_1, eva_1). Transactions and descriptions
list in tags the ids of the numbered tags they refer to. Transactions may list related
transactions and the transaction they are a subtask of; themes may list the unit claims they
contain. Use only ids present in the request. Answer with a single JSON object and nothing else.`

// Service extracts and stores elements
type Service struct {
	store  graph.Store
	gen    adapter.Generator
	logger *zap.Logger
}

// NewService creates an element service
func NewService(store graph.Store, gen adapter.Generator) *Service {
	return &Service{
		store:  store,
		gen:    gen,
		logger: logger.Named("element"),
	}
}

// Extract runs one claim-extraction call for a mirror. text is the trace content the mirror
// projects; the mirror's references are offered as numbered tags.
func (s *Service) Extract(ctx context.Context, m *mirror.TraceMirror, text string) ([]Claim, error) {
	prompt := extractionPrompt{Text: text, Tags: []extractionTag{}}
	for _, r := range m.References {
		prompt.Tags = append(prompt.Tags, extractionTag{ID: r.TagID, Kind: r.LandmarkKind, Mention: r.Mention})
	}

	extraction, err := adapter.Execute[Extraction](ctx, s.gen, adapter.Request{
		Name:   constants.PromptClaims,
		Scope:  m.AnalysisID,
		System: claimsSystemPrompt,
		User:   adapter.MarshalPrompt(prompt),
	})
	if err != nil {
		return nil, err
	}

	claims := extraction.Claims()
	s.logger.Debug("Claims extracted",
		zap.String("mirror_id", m.ID),
		zap.String("analysis_id", m.AnalysisID),
		zap.Int("transactions", len(extraction.Transactions)),
		zap.Int("descriptions", len(extraction.Descriptions)),
		zap.Int("norms", len(extraction.Norms)),
		zap.Int("evaluations", len(extraction.Evaluations)),
	)
	return claims, nil
}

// Create propagates landmarks over claims and stores one element per claim. Claims whose
// family/subtype maps to no element kind are skipped with a warning.
func (s *Service) Create(ctx context.Context, m *mirror.TraceMirror, traceDate time.Time, claims []Claim) ([]*Element, error) {
	if m.AnalysisID == "" {
		return nil, apperrors.NewMissingRelation(m.ID, string(graph.RelLandscape))
	}
	prop := Propagate(claims, m.TagMap(), s.logger.With(zap.String("mirror_id", m.ID)))

	elements := make([]*Element, 0, len(claims))
	for i, c := range claims {
		kind, ok := c.Kind()
		if !ok {
			s.logger.Warn("Skipping claim with unknown kind",
				zap.String("claim_id", c.ID),
				zap.String("family", string(c.Family)),
				zap.String("subtype", c.Subtype),
			)
			continue
		}

		node, err := s.store.CreateNode(ctx, &graph.Node{
			UserID:          m.UserID,
			Kind:            kind,
			Title:           c.Title,
			Content:         c.Raw,
			InteractionDate: ApplyOffset(traceDate, c.DateOffset),
		})
		if err != nil {
			return nil, err
		}

		if _, err := graph.Link(ctx, s.store, m.UserID, node.ID, m.ID, graph.RelTrace); err != nil {
			return nil, err
		}
		if _, err := graph.Link(ctx, s.store, m.UserID, node.ID, m.TraceID, graph.RelElement); err != nil {
			return nil, err
		}
		if _, err := graph.Link(ctx, s.store, m.UserID, node.ID, m.AnalysisID, graph.RelOwner); err != nil {
			return nil, err
		}
		for _, landmarkID := range prop.Landmarks[i] {
			if _, err := graph.Link(ctx, s.store, m.UserID, node.ID, landmarkID, graph.RelElement); err != nil {
				return nil, err
			}
		}

		elements = append(elements, &Element{
			ID:              node.ID,
			UserID:          node.UserID,
			Kind:            node.Kind,
			Title:           node.Title,
			Content:         node.Content,
			InteractionDate: node.InteractionDate,
			LandmarkIDs:     prop.Landmarks[i],
		})
	}

	s.logger.Info("Elements created",
		zap.String("mirror_id", m.ID),
		zap.String("analysis_id", m.AnalysisID),
		zap.Int("elements", len(elements)),
		zap.Int("components", len(prop.Components)),
	)
	return elements, nil
}

// ForAnalysis lists the elements owned by an analysis with their linked landmarks
func (s *Service) ForAnalysis(ctx context.Context, analysisID string) ([]*Element, error) {
	owned, err := s.store.FindOrigins(ctx, analysisID, graph.RelOwner)
	if err != nil {
		return nil, err
	}
	var elements []*Element
	for _, e := range owned {
		node, err := s.store.FindNode(ctx, e.OriginID)
		if err != nil {
			return nil, err
		}
		if !node.Kind.IsElement() {
			continue
		}
		el, err := s.hydrate(ctx, node)
		if err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}
	return elements, nil
}

// ForLandmark lists the elements linked to a landmark
func (s *Service) ForLandmark(ctx context.Context, landmarkID string) ([]*Element, error) {
	linked, err := s.store.FindOrigins(ctx, landmarkID, graph.RelElement)
	if err != nil {
		return nil, err
	}
	var elements []*Element
	for _, e := range linked {
		node, err := s.store.FindNode(ctx, e.OriginID)
		if err != nil {
			return nil, err
		}
		el, err := s.hydrate(ctx, node)
		if err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}
	return elements, nil
}

func (s *Service) hydrate(ctx context.Context, node *graph.Node) (*Element, error) {
	edges, err := s.store.FindTargets(ctx, node.ID, graph.RelElement)
	if err != nil {
		return nil, err
	}
	landmarkIDs := []string{}
	for _, e := range edges {
		target, err := s.store.FindNode(ctx, e.TargetID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if target.Kind.IsLandmark() {
			landmarkIDs = append(landmarkIDs, target.ID)
		}
	}
	return &Element{
		ID:              node.ID,
		UserID:          node.UserID,
		Kind:            node.Kind,
		Title:           node.Title,
		Content:         node.Content,
		InteractionDate: node.InteractionDate,
		LandmarkIDs:     landmarkIDs,
	}, nil
}
