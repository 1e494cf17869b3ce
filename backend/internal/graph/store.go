package graph

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Store is the generic node + typed-edge persistence every domain package works through.
//
// Deleting a node also removes its incident edges. FindTargets and FindOrigins return edges
// ordered by creation; an empty code matches every relation. ListNodes returns nodes ordered by
// interaction date, then creation.
type Store interface {
	FindNode(ctx context.Context, id string) (*Node, error)
	CreateNode(ctx context.Context, node *Node) (*Node, error)
	UpdateNode(ctx context.Context, node *Node) (*Node, error)
	DeleteNode(ctx context.Context, id string) error

	CreateEdge(ctx context.Context, edge *Edge) (*Edge, error)
	DeleteEdge(ctx context.Context, id string) error

	// FindTargets returns edges leaving originID
	FindTargets(ctx context.Context, originID string, code RelationCode) ([]*Edge, error)
	// FindOrigins returns edges arriving at targetID
	FindOrigins(ctx context.Context, targetID string, code RelationCode) ([]*Edge, error)

	ListNodes(ctx context.Context, q NodeQuery) ([]*Node, error)

	// Repoint replaces, in a single write, every edge of each given code leaving originID with
	// one edge to the mapped target
	Repoint(ctx context.Context, originID, userID string, targets map[RelationCode]string) error
}

// prepareNode fills identity, defaults and timestamps on a node about to be created
func prepareNode(node *Node, now time.Time) *Node {
	n := node.Clone()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.ProcessingState == "" {
		n.ProcessingState = StateDraft
	}
	if n.PublishingState == "" {
		n.PublishingState = PublishingPrivate
	}
	n.CreatedAt = now
	n.UpdatedAt = now
	if n.InteractionDate.IsZero() {
		n.InteractionDate = now
	}
	return n
}

func prepareEdge(edge *Edge, now time.Time) *Edge {
	e := *edge
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	return &e
}

// ============================================================================
// Edge helpers shared by domain packages
// ============================================================================

// Link creates an edge with no payload
func Link(ctx context.Context, s Store, userID, originID, targetID string, code RelationCode) (*Edge, error) {
	return s.CreateEdge(ctx, &Edge{
		OriginID: originID,
		TargetID: targetID,
		Code:     code,
		UserID:   userID,
	})
}

// SingleTarget returns the target id of the first code edge leaving originID ("" when absent)
// together with the number of such edges, so callers can enforce at-most-one relations.
func SingleTarget(ctx context.Context, s Store, originID string, code RelationCode) (string, int, error) {
	edges, err := s.FindTargets(ctx, originID, code)
	if err != nil {
		return "", 0, err
	}
	if len(edges) == 0 {
		return "", 0, nil
	}
	return edges[0].TargetID, len(edges), nil
}

// TargetIDs maps edges to their target ids
func TargetIDs(edges []*Edge) []string {
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.TargetID)
	}
	return ids
}

// OriginIDs maps edges to their origin ids
func OriginIDs(edges []*Edge) []string {
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.OriginID)
	}
	return ids
}

func sortedCodes(targets map[RelationCode]string) []RelationCode {
	codes := make([]RelationCode, 0, len(targets))
	for code := range targets {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
