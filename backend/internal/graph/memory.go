package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "trace-landscape/backend/pkg/errors"
)

// MemoryStore implements Store with in-process maps. It backs tests and GRAPH_BACKEND=memory.
type MemoryStore struct {
	mu sync.RWMutex

	nodes map[string]*Node
	edges map[string]*Edge

	// seq orders records created within the same clock tick
	seq     int64
	nodeSeq map[string]int64
	edgeSeq map[string]int64
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[string]*Node),
		edges:   make(map[string]*Edge),
		nodeSeq: make(map[string]int64),
		edgeSeq: make(map[string]int64),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// FindNode retrieves a node by id
func (s *MemoryStore) FindNode(_ context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, apperrors.NewNotFound(id)
	}
	return node.Clone(), nil
}

// CreateNode stores a new node, assigning id and timestamps
func (s *MemoryStore) CreateNode(_ context.Context, node *Node) (*Node, error) {
	if node == nil {
		return nil, apperrors.NewInvalidInput("node", "cannot store nil node")
	}
	if !node.Kind.IsValid() {
		return nil, apperrors.NewUnknownKind(string(node.Kind))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := prepareNode(node, s.now())
	if _, exists := s.nodes[n.ID]; exists {
		return nil, apperrors.NewStorageFailed("create node", fmt.Errorf("node %s already exists", n.ID))
	}
	s.seq++
	s.nodes[n.ID] = n
	s.nodeSeq[n.ID] = s.seq
	return n.Clone(), nil
}

// UpdateNode replaces the mutable fields of an existing node
func (s *MemoryStore) UpdateNode(_ context.Context, node *Node) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[node.ID]
	if !ok {
		return nil, apperrors.NewNotFound(node.ID)
	}
	updated := node.Clone()
	updated.UserID = existing.UserID
	updated.Kind = existing.Kind
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now()
	s.nodes[node.ID] = updated
	return updated.Clone(), nil
}

// DeleteNode removes a node and every edge touching it
func (s *MemoryStore) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return apperrors.NewNotFound(id)
	}
	for edgeID, e := range s.edges {
		if e.OriginID == id || e.TargetID == id {
			delete(s.edges, edgeID)
			delete(s.edgeSeq, edgeID)
		}
	}
	delete(s.nodes, id)
	delete(s.nodeSeq, id)
	return nil
}

// CreateEdge stores a new edge between two existing nodes
func (s *MemoryStore) CreateEdge(_ context.Context, edge *Edge) (*Edge, error) {
	if !edge.Code.IsValid() {
		return nil, apperrors.NewUnknownKind(string(edge.Code))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[edge.OriginID]; !ok {
		return nil, apperrors.NewNotFound(edge.OriginID)
	}
	if _, ok := s.nodes[edge.TargetID]; !ok {
		return nil, apperrors.NewNotFound(edge.TargetID)
	}
	e := prepareEdge(edge, s.now())
	s.seq++
	s.edges[e.ID] = e
	s.edgeSeq[e.ID] = s.seq
	c := *e
	return &c, nil
}

// DeleteEdge removes one edge
func (s *MemoryStore) DeleteEdge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.edges[id]; !ok {
		return apperrors.NewNotFound(id)
	}
	delete(s.edges, id)
	delete(s.edgeSeq, id)
	return nil
}

// FindTargets returns edges leaving originID
func (s *MemoryStore) FindTargets(_ context.Context, originID string, code RelationCode) ([]*Edge, error) {
	return s.selectEdges(func(e *Edge) bool {
		return e.OriginID == originID && (code == "" || e.Code == code)
	}), nil
}

// FindOrigins returns edges arriving at targetID
func (s *MemoryStore) FindOrigins(_ context.Context, targetID string, code RelationCode) ([]*Edge, error) {
	return s.selectEdges(func(e *Edge) bool {
		return e.TargetID == targetID && (code == "" || e.Code == code)
	}), nil
}

// ListNodes returns nodes matching the query in chronological order
func (s *MemoryStore) ListNodes(_ context.Context, q NodeQuery) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Node
	for _, n := range s.nodes {
		if q.matches(n) {
			result = append(result, n.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.InteractionDate.Equal(b.InteractionDate) {
			return a.InteractionDate.Before(b.InteractionDate)
		}
		return s.nodeSeq[a.ID] < s.nodeSeq[b.ID]
	})
	return result, nil
}

// Repoint replaces every edge of each code leaving originID with one edge to the mapped target
func (s *MemoryStore) Repoint(_ context.Context, originID, userID string, targets map[RelationCode]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[originID]; !ok {
		return apperrors.NewNotFound(originID)
	}
	for code, targetID := range targets {
		if !code.IsValid() {
			return apperrors.NewUnknownKind(string(code))
		}
		if _, ok := s.nodes[targetID]; !ok {
			return apperrors.NewNotFound(targetID)
		}
	}

	now := s.now()
	for _, code := range sortedCodes(targets) {
		for edgeID, e := range s.edges {
			if e.OriginID == originID && e.Code == code {
				delete(s.edges, edgeID)
				delete(s.edgeSeq, edgeID)
			}
		}
		e := prepareEdge(&Edge{OriginID: originID, TargetID: targets[code], Code: code, UserID: userID}, now)
		s.seq++
		s.edges[e.ID] = e
		s.edgeSeq[e.ID] = s.seq
	}
	return nil
}

// Count returns the number of nodes and edges held
func (s *MemoryStore) Count() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.edges)
}

func (s *MemoryStore) selectEdges(keep func(*Edge) bool) []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Edge
	for _, e := range s.edges {
		if keep(e) {
			c := *e
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return s.edgeSeq[result[i].ID] < s.edgeSeq[result[j].ID]
	})
	return result
}
