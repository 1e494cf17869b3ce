package graph

import (
	"time"

	apperrors "trace-landscape/backend/pkg/errors"
)

// ============================================================================
// Node vocabulary
// ============================================================================

// NodeKind is the type tag of a node
type NodeKind string

const (
	KindTrace       NodeKind = "trace"
	KindTraceMirror NodeKind = "trace_mirror"
	KindJournal     NodeKind = "journal"
	KindAnalysis    NodeKind = "landscape_analysis"
	KindLens        NodeKind = "lens"

	// Landmarks
	KindResource NodeKind = "resource"
	KindAuthor   NodeKind = "author"
	KindTheme    NodeKind = "theme"

	// Elements
	KindTransactionInput          NodeKind = "transaction_input"
	KindTransactionOutput         NodeKind = "transaction_output"
	KindTransactionTransformation NodeKind = "transaction_transformation"
	KindDescriptiveUnit           NodeKind = "descriptive_unit"
	KindDescriptiveQuestion       NodeKind = "descriptive_question"
	KindDescriptiveTheme          NodeKind = "descriptive_theme"
	KindNormativePlan             NodeKind = "normative_plan"
	KindNormativeObligation       NodeKind = "normative_obligation"
	KindNormativeRecommendation   NodeKind = "normative_recommendation"
	KindNormativePrinciple        NodeKind = "normative_principle"
	KindEvaluativeEmotion         NodeKind = "evaluative_emotion"
	KindEvaluativeEnergy          NodeKind = "evaluative_energy"
	KindEvaluativeQuality         NodeKind = "evaluative_quality"
	KindEvaluativeInterest        NodeKind = "evaluative_interest"
)

var landmarkKinds = map[NodeKind]bool{
	KindResource: true,
	KindAuthor:   true,
	KindTheme:    true,
}

var elementKinds = map[NodeKind]bool{
	KindTransactionInput:          true,
	KindTransactionOutput:         true,
	KindTransactionTransformation: true,
	KindDescriptiveUnit:           true,
	KindDescriptiveQuestion:       true,
	KindDescriptiveTheme:          true,
	KindNormativePlan:             true,
	KindNormativeObligation:       true,
	KindNormativeRecommendation:   true,
	KindNormativePrinciple:        true,
	KindEvaluativeEmotion:         true,
	KindEvaluativeEnergy:          true,
	KindEvaluativeQuality:         true,
	KindEvaluativeInterest:        true,
}

// IsLandmark reports whether the kind is a durable landmark kind
func (k NodeKind) IsLandmark() bool { return landmarkKinds[k] }

// IsElement reports whether the kind is an extracted claim kind
func (k NodeKind) IsElement() bool { return elementKinds[k] }

// IsValid reports whether the kind belongs to the vocabulary
func (k NodeKind) IsValid() bool {
	switch k {
	case KindTrace, KindTraceMirror, KindJournal, KindAnalysis, KindLens:
		return true
	}
	return k.IsLandmark() || k.IsElement()
}

// ParseNodeKind validates a stored or requested type code
func ParseNodeKind(code string) (NodeKind, error) {
	kind := NodeKind(code)
	if !kind.IsValid() {
		return "", apperrors.NewUnknownKind(code)
	}
	return kind, nil
}

// LandmarkKinds lists the landmark families in matching order
func LandmarkKinds() []NodeKind {
	return []NodeKind{KindResource, KindAuthor, KindTheme}
}

// ProcessingState is the maturing state of a node
type ProcessingState string

const (
	StateDraft    ProcessingState = "draft"
	StateFinished ProcessingState = "finished"
	StateTrashed  ProcessingState = "trashed"
	StateReplay   ProcessingState = "replay"
)

// PublishingState controls visibility of a node
type PublishingState string

const (
	PublishingPrivate   PublishingState = "private"
	PublishingPublished PublishingState = "published"
)

// ============================================================================
// Relation vocabulary
// ============================================================================

// RelationCode is the typed edge code. The literals are stored as-is and must not change.
type RelationCode string

const (
	RelOwner     RelationCode = "ownr" // node -> owning analysis
	RelParent    RelationCode = "prnt" // analysis -> parent analysis, landmark -> previous version
	RelTrace     RelationCode = "trce" // analysis -> trace, mirror -> trace, element -> mirror
	RelElement   RelationCode = "elmt" // element -> landmark, element -> trace
	RelLandscape RelationCode = "lnds" // mirror -> analysis it was produced for
	RelHead      RelationCode = "head" // lens -> current analysis
	RelTarget    RelationCode = "trgt" // lens -> target trace
	RelFork      RelationCode = "fork" // lens -> fork origin analysis
	RelReplay    RelationCode = "rply" // analysis -> replayed analysis
	RelReference RelationCode = "refr" // analysis -> landmark kept in context
	RelJournal   RelationCode = "jrit" // trace -> journal
)

var relationCodes = map[RelationCode]bool{
	RelOwner:     true,
	RelParent:    true,
	RelTrace:     true,
	RelElement:   true,
	RelLandscape: true,
	RelHead:      true,
	RelTarget:    true,
	RelFork:      true,
	RelReplay:    true,
	RelReference: true,
	RelJournal:   true,
}

// IsValid reports whether the code belongs to the vocabulary
func (c RelationCode) IsValid() bool { return relationCodes[c] }

// ParseRelationCode validates a relation code
func ParseRelationCode(code string) (RelationCode, error) {
	rel := RelationCode(code)
	if !rel.IsValid() {
		return "", apperrors.NewUnknownKind(code)
	}
	return rel, nil
}

// ============================================================================
// Storage primitives
// ============================================================================

// Node is the generic storage primitive every domain entity projects from
type Node struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Kind            NodeKind        `json:"kind"`
	Title           string          `json:"title"`
	Subtitle        string          `json:"subtitle,omitempty"`
	Content         string          `json:"content,omitempty"`
	ProcessingState ProcessingState `json:"processing_state"`
	PublishingState PublishingState `json:"publishing_state"`
	InteractionDate time.Time       `json:"interaction_date"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a shallow copy safe to mutate
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

// Edge is a typed, directed relation between two nodes
type Edge struct {
	ID        string       `json:"id"`
	OriginID  string       `json:"origin_id"`
	TargetID  string       `json:"target_id"`
	Code      RelationCode `json:"code"`
	Payload   string       `json:"payload,omitempty"`
	UserID    string       `json:"user_id"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NodeQuery filters ListNodes. Empty fields do not filter.
type NodeQuery struct {
	UserID string
	Kinds  []NodeKind
	States []ProcessingState
}

func (q NodeQuery) matches(n *Node) bool {
	if q.UserID != "" && n.UserID != q.UserID {
		return false
	}
	if len(q.Kinds) > 0 && !containsKind(q.Kinds, n.Kind) {
		return false
	}
	if len(q.States) > 0 && !containsState(q.States, n.ProcessingState) {
		return false
	}
	return true
}

func containsKind(kinds []NodeKind, k NodeKind) bool {
	for _, candidate := range kinds {
		if candidate == k {
			return true
		}
	}
	return false
}

func containsState(states []ProcessingState, s ProcessingState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
