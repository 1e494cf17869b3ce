// Package matching resolves newly mentioned entities against the landmarks already known, first by
// exact title and then with one model-assisted call per landmark kind.
package matching

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"trace-landscape/backend/internal/adapter"
	"trace-landscape/backend/internal/constants"
	"trace-landscape/backend/internal/graph"
	"trace-landscape/backend/pkg/logger"
)

// Item is a newly mentioned entity waiting for resolution
type Item struct {
	Title    string
	Subtitle string
}

// Candidate is an existing landmark an item may resolve to
type Candidate struct {
	ID       string
	Title    string
	Subtitle string
}

// Match is the resolution of one item. An empty CandidateID means "create new".
type Match struct {
	Item        Item
	CandidateID string
	Confidence  float64
	Exact       bool
}

// IsNew reports whether the item resolved to no candidate
func (m Match) IsNew() bool { return m.CandidateID == "" }

type promptEntry struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
}

type matchPrompt struct {
	Kind       graph.NodeKind `json:"kind"`
	Items      []promptEntry  `json:"items"`
	Candidates []promptEntry  `json:"candidates"`
}

type decision struct {
	Item       int     `json:"item" description:"id of the item being resolved"`
	Candidate  int     `json:"candidate" description:"id of the candidate it designates, 0 when it designates none"`
	Confidence float64 `json:"confidence" description:"confidence between 0 and 1" validate:"gte=0,lte=1"`
}

type matchReply struct {
	Matches []decision `json:"matches" validate:"dive"`
}

const matchSystemPrompt = `You decide whether newly mentioned entities designate entities already known.
Items and candidates are identified by small numeric ids. For every item, answer with the id of the
candidate it designates, or 0 when it designates none of them, and your confidence between 0 and 1.
Only use ids present in the request. Answer with a single JSON object and nothing else.`

// Engine performs two-tier matching
type Engine struct {
	gen       adapter.Generator
	threshold float64
	logger    *zap.Logger
}

// NewEngine creates a matching engine. Assisted matches below threshold resolve to "create new".
func NewEngine(gen adapter.Generator, threshold float64) *Engine {
	return &Engine{
		gen:       gen,
		threshold: threshold,
		logger:    logger.Named("matching"),
	}
}

// Match resolves items of one landmark kind against candidates of the same kind. Results keep the
// order of items. scope tags the model call for auditing.
func (e *Engine) Match(ctx context.Context, scope string, kind graph.NodeKind, items []Item, candidates []Candidate) ([]Match, error) {
	matches := make([]Match, len(items))

	// Step 1: exact, case-sensitive title equality
	byTitle := make(map[string]string, len(candidates))
	for _, c := range candidates {
		if _, ok := byTitle[c.Title]; !ok {
			byTitle[c.Title] = c.ID
		}
	}
	var pending []int
	for i, item := range items {
		matches[i] = Match{Item: item}
		if id, ok := byTitle[item.Title]; ok {
			matches[i].CandidateID = id
			matches[i].Confidence = 1.0
			matches[i].Exact = true
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) == 0 || len(candidates) == 0 {
		return matches, nil
	}

	// Step 2: one assisted call for the remainder, routed through local ids
	itemIDs := NewLocalIDs(nil)
	prompt := matchPrompt{Kind: kind}
	for _, i := range pending {
		local := itemIDs.Add(strconv.Itoa(i))
		prompt.Items = append(prompt.Items, promptEntry{ID: local, Title: items[i].Title, Subtitle: items[i].Subtitle})
	}
	candidateIDs := NewLocalIDs(nil)
	for _, c := range candidates {
		if _, seen := candidateIDs.Local(c.ID); seen {
			continue
		}
		local := candidateIDs.Add(c.ID)
		prompt.Candidates = append(prompt.Candidates, promptEntry{ID: local, Title: c.Title, Subtitle: c.Subtitle})
	}

	reply, err := adapter.Execute[matchReply](ctx, e.gen, adapter.Request{
		Name:   fmt.Sprintf("%s.%s", constants.PromptMatching, kind),
		Scope:  scope,
		System: matchSystemPrompt,
		User:   adapter.MarshalPrompt(prompt),
	})
	if err != nil {
		return nil, err
	}

	answered := make(map[int]bool, len(reply.Matches))
	for _, d := range reply.Matches {
		key, ok := itemIDs.Global(d.Item)
		if !ok {
			e.logger.Warn("Model answered for an unknown item",
				zap.String("analysis_id", scope),
				zap.String("kind", string(kind)),
				zap.Int("item", d.Item),
			)
			continue
		}
		idx, _ := strconv.Atoi(key)
		if answered[idx] {
			continue
		}
		answered[idx] = true

		if d.Candidate == 0 {
			continue
		}
		candidateID, ok := candidateIDs.Global(d.Candidate)
		if !ok {
			e.logger.Warn("Model designated an unknown candidate, creating new",
				zap.String("analysis_id", scope),
				zap.String("kind", string(kind)),
				zap.Int("candidate", d.Candidate),
			)
			continue
		}
		if d.Confidence < e.threshold {
			e.logger.Debug("Assisted match below threshold",
				zap.String("kind", string(kind)),
				zap.String("title", items[idx].Title),
				zap.Float64("confidence", d.Confidence),
			)
			continue
		}
		matches[idx].CandidateID = candidateID
		matches[idx].Confidence = d.Confidence
	}

	e.logger.Debug("Matching completed",
		zap.String("analysis_id", scope),
		zap.String("kind", string(kind)),
		zap.Int("items", len(items)),
		zap.Int("assisted", len(pending)),
	)
	return matches, nil
}
