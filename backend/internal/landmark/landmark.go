// Package landmark manages durable knowledge entities and their version lineage.
package landmark

import (
	"context"

	"go.uber.org/zap"

	"trace-landscape/backend/internal/graph"
	apperrors "trace-landscape/backend/pkg/errors"
	"trace-landscape/backend/pkg/logger"
)

// Landmark is a durable entity (resource, author, theme) owned by one analysis
type Landmark struct {
	ID         string                `json:"id"`
	UserID     string                `json:"user_id"`
	Kind       graph.NodeKind        `json:"kind"`
	Title      string                `json:"title"`
	Subtitle   string                `json:"subtitle,omitempty"`
	Content    string                `json:"content,omitempty"`
	State      graph.ProcessingState `json:"processing_state"`
	AnalysisID string                `json:"analysis_id"`
	ParentID   string                `json:"parent_id,omitempty"`
}

// Filter selects which landmarks of an analysis are listed
type Filter string

const (
	// FilterAll lists mentioned and context landmarks
	FilterAll Filter = "all"
	// FilterMentioned lists landmarks created by the analysis
	FilterMentioned Filter = "mentioned"
	// FilterContext lists earlier landmarks carried without a new mention
	FilterContext Filter = "context"
)

// ParseFilter validates a filter; empty means all
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterMentioned, FilterContext:
		return Filter(s), nil
	}
	return "", apperrors.NewInvalidInput("filter", "must be all, mentioned or context")
}

// NewLandmark is the input of Create
type NewLandmark struct {
	UserID     string
	AnalysisID string
	Kind       graph.NodeKind
	Title      string
	Subtitle   string
	Content    string
}

// Service reads and writes landmarks
type Service struct {
	store  graph.Store
	logger *zap.Logger
}

// NewService creates a landmark service
func NewService(store graph.Store) *Service {
	return &Service{
		store:  store,
		logger: logger.Named("landmark"),
	}
}

// Create stores a new Draft landmark owned by the analysis
func (s *Service) Create(ctx context.Context, in NewLandmark) (*Landmark, error) {
	if !in.Kind.IsLandmark() {
		return nil, apperrors.NewUnknownKind(string(in.Kind))
	}
	if in.Title == "" {
		return nil, apperrors.NewInvalidInput("title", "landmark title is required")
	}

	node, err := s.store.CreateNode(ctx, &graph.Node{
		UserID:          in.UserID,
		Kind:            in.Kind,
		Title:           in.Title,
		Subtitle:        in.Subtitle,
		Content:         in.Content,
		ProcessingState: graph.StateDraft,
	})
	if err != nil {
		return nil, err
	}
	if _, err := graph.Link(ctx, s.store, in.UserID, node.ID, in.AnalysisID, graph.RelOwner); err != nil {
		return nil, err
	}

	s.logger.Debug("Landmark created",
		zap.String("landmark_id", node.ID),
		zap.String("kind", string(in.Kind)),
		zap.String("analysis_id", in.AnalysisID),
	)

	lm := fromNode(node)
	lm.AnalysisID = in.AnalysisID
	return lm, nil
}

// CreateChildCopy versions parent into analysisID: a new node owned by the analysis, carrying the
// parent's identity and state, linked to it by prnt
func (s *Service) CreateChildCopy(ctx context.Context, analysisID string, parent *Landmark) (*Landmark, error) {
	node, err := s.store.CreateNode(ctx, &graph.Node{
		UserID:          parent.UserID,
		Kind:            parent.Kind,
		Title:           parent.Title,
		Subtitle:        parent.Subtitle,
		Content:         parent.Content,
		ProcessingState: parent.State,
	})
	if err != nil {
		return nil, err
	}
	if _, err := graph.Link(ctx, s.store, parent.UserID, node.ID, analysisID, graph.RelOwner); err != nil {
		return nil, err
	}
	if _, err := graph.Link(ctx, s.store, parent.UserID, node.ID, parent.ID, graph.RelParent); err != nil {
		return nil, err
	}

	s.logger.Debug("Landmark versioned",
		zap.String("landmark_id", node.ID),
		zap.String("parent_id", parent.ID),
		zap.String("analysis_id", analysisID),
	)

	lm := fromNode(node)
	lm.AnalysisID = analysisID
	lm.ParentID = parent.ID
	return lm, nil
}

// Find loads one landmark with its owner and parent
func (s *Service) Find(ctx context.Context, id string) (*Landmark, error) {
	node, err := s.store.FindNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if !node.Kind.IsLandmark() {
		return nil, apperrors.NewInvalidInput("landmark_id", "node is not a landmark")
	}
	return s.hydrate(ctx, node)
}

func (s *Service) hydrate(ctx context.Context, node *graph.Node) (*Landmark, error) {
	lm := fromNode(node)
	var err error
	if lm.AnalysisID, _, err = graph.SingleTarget(ctx, s.store, node.ID, graph.RelOwner); err != nil {
		return nil, err
	}
	if lm.ParentID, _, err = graph.SingleTarget(ctx, s.store, node.ID, graph.RelParent); err != nil {
		return nil, err
	}
	return lm, nil
}

// Update writes title, subtitle, content and state back
func (s *Service) Update(ctx context.Context, lm *Landmark) error {
	node, err := s.store.FindNode(ctx, lm.ID)
	if err != nil {
		return err
	}
	node.Title = lm.Title
	node.Subtitle = lm.Subtitle
	node.Content = lm.Content
	node.ProcessingState = lm.State
	_, err = s.store.UpdateNode(ctx, node)
	return err
}

// Lineage returns the version chain of a landmark, itself first and the oldest version last
func (s *Service) Lineage(ctx context.Context, id string) ([]*Landmark, error) {
	var chain []*Landmark
	seen := make(map[string]bool)
	for current := id; current != ""; {
		if seen[current] {
			return nil, apperrors.NewInvariantViolation("landmark lineage", "cycle at "+current)
		}
		seen[current] = true

		lm, err := s.Find(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, lm)
		current = lm.ParentID
	}
	return chain, nil
}

// ForAnalysis lists the landmarks visible in an analysis
func (s *Service) ForAnalysis(ctx context.Context, analysisID string, filter Filter) ([]*Landmark, error) {
	var ids []string
	if filter == FilterAll || filter == FilterMentioned {
		owned, err := s.store.FindOrigins(ctx, analysisID, graph.RelOwner)
		if err != nil {
			return nil, err
		}
		ids = append(ids, graph.OriginIDs(owned)...)
	}
	if filter == FilterAll || filter == FilterContext {
		refs, err := s.store.FindTargets(ctx, analysisID, graph.RelReference)
		if err != nil {
			return nil, err
		}
		ids = append(ids, graph.TargetIDs(refs)...)
	}

	seen := make(map[string]bool, len(ids))
	var landmarks []*Landmark
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		node, err := s.store.FindNode(ctx, id)
		if err != nil {
			return nil, err
		}
		if !node.Kind.IsLandmark() {
			continue
		}
		lm, err := s.hydrate(ctx, node)
		if err != nil {
			return nil, err
		}
		landmarks = append(landmarks, lm)
	}
	return landmarks, nil
}

// KeepInContext links landmarks to the analysis without a new mention
func (s *Service) KeepInContext(ctx context.Context, userID, analysisID string, landmarkIDs ...string) error {
	for _, id := range landmarkIDs {
		if _, err := graph.Link(ctx, s.store, userID, analysisID, id, graph.RelReference); err != nil {
			return err
		}
	}
	return nil
}

// ByKind groups landmarks per kind
func ByKind(landmarks []*Landmark) map[graph.NodeKind][]*Landmark {
	grouped := make(map[graph.NodeKind][]*Landmark)
	for _, lm := range landmarks {
		grouped[lm.Kind] = append(grouped[lm.Kind], lm)
	}
	return grouped
}

func fromNode(n *graph.Node) *Landmark {
	return &Landmark{
		ID:       n.ID,
		UserID:   n.UserID,
		Kind:     n.Kind,
		Title:    n.Title,
		Subtitle: n.Subtitle,
		Content:  n.Content,
		State:    n.ProcessingState,
	}
}
