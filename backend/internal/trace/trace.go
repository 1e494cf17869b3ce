// Package trace holds journal entries and their chronological navigation per user.
package trace

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"trace-landscape/backend/internal/graph"
	apperrors "trace-landscape/backend/pkg/errors"
	"trace-landscape/backend/pkg/logger"
)

// maxTitleRunes bounds the title derived from a trace's first line
const maxTitleRunes = 80

// Trace is one chronological journal entry authored by a user
type Trace struct {
	ID        string                `json:"id"`
	UserID    string                `json:"user_id"`
	JournalID string                `json:"journal_id,omitempty"`
	Title     string                `json:"title"`
	Content   string                `json:"content"`
	State     graph.ProcessingState `json:"processing_state"`
	Date      time.Time             `json:"interaction_date"`
}

// Journal groups traces
type Journal struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Title  string `json:"title"`
}

// NewTrace is the input of CreateTrace
type NewTrace struct {
	UserID    string
	JournalID string
	Content   string
	Date      time.Time
}

// Service reads and writes traces and journals through the graph store
type Service struct {
	store  graph.Store
	logger *zap.Logger
}

// NewService creates a trace service
func NewService(store graph.Store) *Service {
	return &Service{
		store:  store,
		logger: logger.Named("trace"),
	}
}

// CreateJournal creates an empty journal
func (s *Service) CreateJournal(ctx context.Context, userID, title string) (*Journal, error) {
	if userID == "" {
		return nil, apperrors.NewInvalidInput("user_id", "required")
	}
	node, err := s.store.CreateNode(ctx, &graph.Node{
		UserID: userID,
		Kind:   graph.KindJournal,
		Title:  strings.TrimSpace(title),
	})
	if err != nil {
		return nil, err
	}
	return &Journal{ID: node.ID, UserID: node.UserID, Title: node.Title}, nil
}

// CreateTrace stores a trace in a journal. HTML content is reduced to plain text.
func (s *Service) CreateTrace(ctx context.Context, in NewTrace) (*Trace, error) {
	if in.UserID == "" {
		return nil, apperrors.NewInvalidInput("user_id", "required")
	}
	content := PlainText(in.Content)
	if content == "" {
		return nil, apperrors.NewInvalidInput("content", "trace content is empty")
	}

	journal, err := s.store.FindNode(ctx, in.JournalID)
	if err != nil {
		return nil, err
	}
	if journal.Kind != graph.KindJournal {
		return nil, apperrors.NewInvalidInput("journal_id", "node is not a journal")
	}
	if journal.UserID != in.UserID {
		return nil, apperrors.NewNotFound(in.JournalID)
	}

	node, err := s.store.CreateNode(ctx, &graph.Node{
		UserID:          in.UserID,
		Kind:            graph.KindTrace,
		Title:           titleFrom(content),
		Content:         content,
		InteractionDate: in.Date.UTC(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := graph.Link(ctx, s.store, in.UserID, node.ID, journal.ID, graph.RelJournal); err != nil {
		return nil, err
	}

	s.logger.Info("Trace created",
		zap.String("trace_id", node.ID),
		zap.String("journal_id", journal.ID),
		zap.String("user_id", in.UserID),
	)

	t := fromNode(node)
	t.JournalID = journal.ID
	return t, nil
}

// Find loads one trace
func (s *Service) Find(ctx context.Context, id string) (*Trace, error) {
	node, err := s.store.FindNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if node.Kind != graph.KindTrace {
		return nil, apperrors.NewInvalidInput("trace_id", "node is not a trace")
	}
	t := fromNode(node)
	journalID, _, err := graph.SingleTarget(ctx, s.store, id, graph.RelJournal)
	if err != nil {
		return nil, err
	}
	t.JournalID = journalID
	return t, nil
}

// Chronological returns the user's live traces ordered by interaction date
func (s *Service) Chronological(ctx context.Context, userID string) ([]*Trace, error) {
	nodes, err := s.store.ListNodes(ctx, graph.NodeQuery{
		UserID: userID,
		Kinds:  []graph.NodeKind{graph.KindTrace},
		States: []graph.ProcessingState{graph.StateDraft, graph.StateFinished},
	})
	if err != nil {
		return nil, err
	}
	traces := make([]*Trace, 0, len(nodes))
	for _, n := range nodes {
		traces = append(traces, fromNode(n))
	}
	return traces, nil
}

// First returns the user's chronologically-first trace, or nil when there is none
func (s *Service) First(ctx context.Context, userID string) (*Trace, error) {
	traces, err := s.Chronological(ctx, userID)
	if err != nil || len(traces) == 0 {
		return nil, err
	}
	return traces[0], nil
}

// Next returns the trace immediately following afterID, or nil when afterID is the latest
func (s *Service) Next(ctx context.Context, userID, afterID string) (*Trace, error) {
	traces, err := s.Chronological(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i, t := range traces {
		if t.ID == afterID {
			if i+1 < len(traces) {
				return traces[i+1], nil
			}
			return nil, nil
		}
	}
	return nil, apperrors.NewNotFound(afterID)
}

// Precedes reports whether trace a comes strictly before trace b in the user's chronology. It is
// false when either is not a live trace of the user.
func (s *Service) Precedes(ctx context.Context, userID, a, b string) (bool, error) {
	traces, err := s.Chronological(ctx, userID)
	if err != nil {
		return false, err
	}
	seenA := false
	for _, t := range traces {
		switch t.ID {
		case a:
			seenA = true
		case b:
			return seenA, nil
		}
	}
	return false, nil
}

// LastOnOrBefore returns the latest trace dated at or before date, or nil
func (s *Service) LastOnOrBefore(ctx context.Context, userID string, date time.Time) (*Trace, error) {
	traces, err := s.Chronological(ctx, userID)
	if err != nil {
		return nil, err
	}
	var last *Trace
	for _, t := range traces {
		if t.Date.After(date) {
			break
		}
		last = t
	}
	return last, nil
}

// SetState moves a trace to a new processing state
func (s *Service) SetState(ctx context.Context, id string, state graph.ProcessingState) error {
	node, err := s.store.FindNode(ctx, id)
	if err != nil {
		return err
	}
	if node.Kind != graph.KindTrace {
		return apperrors.NewInvalidInput("trace_id", "node is not a trace")
	}
	if node.ProcessingState == state {
		return nil
	}
	node.ProcessingState = state
	_, err = s.store.UpdateNode(ctx, node)
	return err
}

func fromNode(n *graph.Node) *Trace {
	return &Trace{
		ID:      n.ID,
		UserID:  n.UserID,
		Title:   n.Title,
		Content: n.Content,
		State:   n.ProcessingState,
		Date:    n.InteractionDate,
	}
}

func titleFrom(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}
