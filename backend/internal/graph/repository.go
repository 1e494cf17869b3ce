package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	apperrors "trace-landscape/backend/pkg/errors"
	"trace-landscape/backend/pkg/logger"
)

// Repository implements Store on Neo4j. Every node carries the :Node label; the relation code
// is the relationship type itself.
type Repository struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository creates a new graph repository
func NewRepository(driver neo4j.DriverWithContext) *Repository {
	return &Repository{
		driver: driver,
		logger: logger.Named("graph"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the Neo4j driver connection
func (r *Repository) Close() error {
	return r.driver.Close(context.Background())
}

// EnsureSchema creates the uniqueness constraint the id lookups rely on
func (r *Repository) EnsureSchema(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		`CREATE CONSTRAINT node_id IF NOT EXISTS FOR (n:Node) REQUIRE n.id IS UNIQUE`,
		`CREATE INDEX node_user_kind IF NOT EXISTS FOR (n:Node) ON (n.user_id, n.kind)`,
	}
	for _, query := range queries {
		if _, err := session.Run(ctx, query, nil); err != nil {
			return apperrors.NewStorageFailed("ensure schema", err)
		}
	}
	return nil
}

const nodeReturn = `
	RETURN n.id as id,
	       n.user_id as user_id,
	       n.kind as kind,
	       n.title as title,
	       n.subtitle as subtitle,
	       n.content as content,
	       n.processing_state as processing_state,
	       n.publishing_state as publishing_state,
	       n.interaction_date as interaction_date,
	       n.created_at as created_at,
	       n.updated_at as updated_at
`

const edgeReturn = `
	RETURN r.id as id,
	       o.id as origin_id,
	       t.id as target_id,
	       type(r) as code,
	       r.payload as payload,
	       r.user_id as user_id,
	       r.created_at as created_at,
	       r.updated_at as updated_at
	ORDER BY r.created_at, r.id
`

// FindNode retrieves a node by id
func (r *Repository) FindNode(ctx context.Context, id string) (*Node, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (n:Node {id: $id})`+nodeReturn, map[string]interface{}{
		"id": id,
	})
	if err != nil {
		return nil, apperrors.NewStorageFailed("find node", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, apperrors.NewStorageFailed("find node", err)
		}
		return nil, apperrors.NewNotFound(id)
	}

	return nodeFromRecord(result.Record())
}

// CreateNode stores a new node, assigning id and timestamps
func (r *Repository) CreateNode(ctx context.Context, node *Node) (*Node, error) {
	if node == nil {
		return nil, apperrors.NewInvalidInput("node", "cannot store nil node")
	}
	if !node.Kind.IsValid() {
		return nil, apperrors.NewUnknownKind(string(node.Kind))
	}

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	n := prepareNode(node, r.now())

	query := `
		CREATE (n:Node {
			id: $id,
			user_id: $userID,
			kind: $kind,
			title: $title,
			subtitle: $subtitle,
			content: $content,
			processing_state: $processingState,
			publishing_state: $publishingState,
			interaction_date: datetime($interactionDate),
			created_at: datetime($now),
			updated_at: datetime($now)
		})
		RETURN n.id as id
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id":              n.ID,
		"userID":          n.UserID,
		"kind":            string(n.Kind),
		"title":           n.Title,
		"subtitle":        n.Subtitle,
		"content":         n.Content,
		"processingState": string(n.ProcessingState),
		"publishingState": string(n.PublishingState),
		"interactionDate": formatTime(n.InteractionDate),
		"now":             formatTime(n.CreatedAt),
	})
	if err != nil {
		return nil, apperrors.NewStorageFailed("create node", err)
	}
	if _, err := result.Single(ctx); err != nil {
		return nil, apperrors.NewStorageFailed("verify node creation", err)
	}

	r.logger.Debug("Node created",
		zap.String("node_id", n.ID),
		zap.String("kind", string(n.Kind)),
	)
	return n, nil
}

// UpdateNode replaces the mutable fields of an existing node
func (r *Repository) UpdateNode(ctx context.Context, node *Node) (*Node, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH (n:Node {id: $id})
		SET n.title = $title,
		    n.subtitle = $subtitle,
		    n.content = $content,
		    n.processing_state = $processingState,
		    n.publishing_state = $publishingState,
		    n.interaction_date = datetime($interactionDate),
		    n.updated_at = datetime($now)
	` + nodeReturn

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id":              node.ID,
		"title":           node.Title,
		"subtitle":        node.Subtitle,
		"content":         node.Content,
		"processingState": string(node.ProcessingState),
		"publishingState": string(node.PublishingState),
		"interactionDate": formatTime(node.InteractionDate),
		"now":             formatTime(r.now()),
	})
	if err != nil {
		return nil, apperrors.NewStorageFailed("update node", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, apperrors.NewStorageFailed("update node", err)
		}
		return nil, apperrors.NewNotFound(node.ID)
	}
	return nodeFromRecord(result.Record())
}

// DeleteNode removes a node and every edge touching it
func (r *Repository) DeleteNode(ctx context.Context, id string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH (n:Node {id: $id})
		DETACH DELETE n
		RETURN count(*) as deleted
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id": id,
	})
	if err != nil {
		return apperrors.NewStorageFailed("delete node", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return apperrors.NewStorageFailed("delete node", err)
	}
	if getInt64FromRecord(record, "deleted") == 0 {
		return apperrors.NewNotFound(id)
	}

	r.logger.Debug("Node deleted", zap.String("node_id", id))
	return nil
}

// CreateEdge stores a new edge between two existing nodes
func (r *Repository) CreateEdge(ctx context.Context, edge *Edge) (*Edge, error) {
	// The relationship type cannot be parameterized, so only vocabulary codes reach the query
	if !edge.Code.IsValid() {
		return nil, apperrors.NewUnknownKind(string(edge.Code))
	}

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	e := prepareEdge(edge, r.now())

	query := fmt.Sprintf(`
		MATCH (o:Node {id: $originID})
		MATCH (t:Node {id: $targetID})
		CREATE (o)-[r:%s {
			id: $id,
			payload: $payload,
			user_id: $userID,
			created_at: datetime($now),
			updated_at: datetime($now)
		}]->(t)
		RETURN r.id as id
	`, string(e.Code))

	result, err := session.Run(ctx, query, map[string]interface{}{
		"originID": e.OriginID,
		"targetID": e.TargetID,
		"id":       e.ID,
		"payload":  e.Payload,
		"userID":   e.UserID,
		"now":      formatTime(e.CreatedAt),
	})
	if err != nil {
		return nil, apperrors.NewStorageFailed("create edge", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, apperrors.NewStorageFailed("create edge", err)
		}
		return nil, apperrors.NewMissingRelation(e.OriginID, string(e.Code))
	}
	return e, nil
}

// DeleteEdge removes one edge
func (r *Repository) DeleteEdge(ctx context.Context, id string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH (:Node)-[r {id: $id}]->(:Node)
		DELETE r
		RETURN count(*) as deleted
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id": id,
	})
	if err != nil {
		return apperrors.NewStorageFailed("delete edge", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return apperrors.NewStorageFailed("delete edge", err)
	}
	if getInt64FromRecord(record, "deleted") == 0 {
		return apperrors.NewNotFound(id)
	}
	return nil
}

// FindTargets returns edges leaving originID
func (r *Repository) FindTargets(ctx context.Context, originID string, code RelationCode) ([]*Edge, error) {
	query := `
		MATCH (o:Node {id: $id})-[r]->(t:Node)
		WHERE $code = '' OR type(r) = $code
	` + edgeReturn
	return r.queryEdges(ctx, query, originID, code)
}

// FindOrigins returns edges arriving at targetID
func (r *Repository) FindOrigins(ctx context.Context, targetID string, code RelationCode) ([]*Edge, error) {
	query := `
		MATCH (o:Node)-[r]->(t:Node {id: $id})
		WHERE $code = '' OR type(r) = $code
	` + edgeReturn
	return r.queryEdges(ctx, query, targetID, code)
}

// ListNodes returns nodes matching the query in chronological order
func (r *Repository) ListNodes(ctx context.Context, q NodeQuery) ([]*Node, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	kinds := make([]string, 0, len(q.Kinds))
	for _, k := range q.Kinds {
		kinds = append(kinds, string(k))
	}
	states := make([]string, 0, len(q.States))
	for _, s := range q.States {
		states = append(states, string(s))
	}

	query := `
		MATCH (n:Node)
		WHERE ($userID = '' OR n.user_id = $userID)
		  AND (size($kinds) = 0 OR n.kind IN $kinds)
		  AND (size($states) = 0 OR n.processing_state IN $states)
	` + nodeReturn + `
	ORDER BY n.interaction_date, n.created_at, n.id
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"userID": q.UserID,
		"kinds":  kinds,
		"states": states,
	})
	if err != nil {
		return nil, apperrors.NewStorageFailed("list nodes", err)
	}

	var nodes []*Node
	for result.Next(ctx) {
		node, err := nodeFromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := result.Err(); err != nil {
		return nil, apperrors.NewStorageFailed("list nodes", err)
	}
	return nodes, nil
}

// Repoint replaces every edge of each code leaving originID with one edge to the mapped target,
// inside one write transaction
func (r *Repository) Repoint(ctx context.Context, originID, userID string, targets map[RelationCode]string) error {
	for code := range targets {
		if !code.IsValid() {
			return apperrors.NewUnknownKind(string(code))
		}
	}

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	now := formatTime(r.now())
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, code := range sortedCodes(targets) {
			query := fmt.Sprintf(`
				MATCH (o:Node {id: $originID})
				MATCH (t:Node {id: $targetID})
				OPTIONAL MATCH (o)-[old:%s]->()
				DELETE old
				WITH DISTINCT o, t
				CREATE (o)-[r:%s {
					id: $id,
					payload: '',
					user_id: $userID,
					created_at: datetime($now),
					updated_at: datetime($now)
				}]->(t)
				RETURN r.id as id
			`, string(code), string(code))

			result, err := tx.Run(ctx, query, map[string]interface{}{
				"originID": originID,
				"targetID": targets[code],
				"id":       uuid.New().String(),
				"userID":   userID,
				"now":      now,
			})
			if err != nil {
				return nil, err
			}
			if !result.Next(ctx) {
				if err := result.Err(); err != nil {
					return nil, err
				}
				return nil, apperrors.NewNotFound(targets[code])
			}
		}
		return nil, nil
	})
	if err != nil {
		if apperrors.IsNotFound(err) {
			return err
		}
		return apperrors.NewStorageFailed("repoint", err)
	}

	r.logger.Debug("Edges repointed",
		zap.String("origin_id", originID),
		zap.Int("codes", len(targets)),
	)
	return nil
}

func (r *Repository) queryEdges(ctx context.Context, query, id string, code RelationCode) ([]*Edge, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id":   id,
		"code": string(code),
	})
	if err != nil {
		return nil, apperrors.NewStorageFailed("query edges", err)
	}

	var edges []*Edge
	for result.Next(ctx) {
		record := result.Record()
		edges = append(edges, &Edge{
			ID:        getStringFromRecord(record, "id"),
			OriginID:  getStringFromRecord(record, "origin_id"),
			TargetID:  getStringFromRecord(record, "target_id"),
			Code:      RelationCode(getStringFromRecord(record, "code")),
			Payload:   getStringFromRecord(record, "payload"),
			UserID:    getStringFromRecord(record, "user_id"),
			CreatedAt: getTimeFromRecord(record, "created_at"),
			UpdatedAt: getTimeFromRecord(record, "updated_at"),
		})
	}
	if err := result.Err(); err != nil {
		return nil, apperrors.NewStorageFailed("query edges", err)
	}
	return edges, nil
}

func nodeFromRecord(record *neo4j.Record) (*Node, error) {
	kind, err := ParseNodeKind(getStringFromRecord(record, "kind"))
	if err != nil {
		return nil, err
	}
	return &Node{
		ID:              getStringFromRecord(record, "id"),
		UserID:          getStringFromRecord(record, "user_id"),
		Kind:            kind,
		Title:           getStringFromRecord(record, "title"),
		Subtitle:        getStringFromRecord(record, "subtitle"),
		Content:         getStringFromRecord(record, "content"),
		ProcessingState: ProcessingState(getStringFromRecord(record, "processing_state")),
		PublishingState: PublishingState(getStringFromRecord(record, "publishing_state")),
		InteractionDate: getTimeFromRecord(record, "interaction_date"),
		CreatedAt:       getTimeFromRecord(record, "created_at"),
		UpdatedAt:       getTimeFromRecord(record, "updated_at"),
	}, nil
}

// Convert to UTC and format as ISO 8601 string for Neo4j datetime()
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
