package processor

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"trace-landscape/backend/internal/adapter"
	"trace-landscape/backend/internal/constants"
	"trace-landscape/backend/internal/element"
	"trace-landscape/backend/internal/graph"
	"trace-landscape/backend/internal/landmark"
	"trace-landscape/backend/internal/matching"
	"trace-landscape/backend/internal/mirror"
)

type mention struct {
	Kind     string `json:"kind" description:"resource, author or theme" validate:"oneof=resource author theme"`
	Title    string `json:"title" description:"canonical name of the entity" validate:"required"`
	Subtitle string `json:"subtitle" description:"one line describing the entity"`
	Mention  string `json:"mention" description:"the words the entry uses for it"`
}

type mentionReply struct {
	Landmarks []mention `json:"landmarks" validate:"dive"`
}

type mentionPrompt struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
	Text  string   `json:"text"`
}

const mentionSystemPrompt = `You find the durable entities a personal journal entry mentions.
Resources are books, articles, courses, tools and other works. Authors are the people behind
them. Themes are recurring subjects of interest. List each entity once with its canonical name.
Answer with a single JSON object and nothing else.`

// brokerOutput is what TraceBroker hands to the following stages
type brokerOutput struct {
	// mentioned holds every landmark owned by the analysis, new and versioned
	mentioned []*landmark.Landmark
	// created holds the landmarks created by this run that start Draft
	created  []*landmark.Landmark
	carried  []string
	elements []*element.Element
}

// runBroker turns the mirror into landmarks, references and elements
func (p *Processor) runBroker(ctx context.Context, r *run) (*brokerOutput, error) {
	mentions, err := p.extractMentions(ctx, r)
	if err != nil {
		return nil, err
	}

	out := &brokerOutput{}
	previous := landmark.ByKind(r.previous)
	matched := make(map[string]bool)
	versioned := make(map[string]*landmark.Landmark)
	var refs []mirror.Reference

	for _, kind := range graph.LandmarkKinds() {
		ms := mentions[kind]
		if len(ms) == 0 {
			continue
		}
		items := make([]matching.Item, len(ms))
		for i, m := range ms {
			items[i] = matching.Item{Title: m.Title, Subtitle: m.Subtitle}
		}
		candidates := make([]matching.Candidate, 0, len(previous[kind]))
		byID := make(map[string]*landmark.Landmark, len(previous[kind]))
		for _, lm := range previous[kind] {
			candidates = append(candidates, matching.Candidate{ID: lm.ID, Title: lm.Title, Subtitle: lm.Subtitle})
			byID[lm.ID] = lm
		}

		matches, err := p.matcher.Match(ctx, r.analysis.ID, kind, items, candidates)
		if err != nil {
			return nil, err
		}

		for i, m := range matches {
			lm, err := p.resolve(ctx, r, kind, m, byID, versioned, out)
			if err != nil {
				return nil, err
			}
			if !m.IsNew() {
				matched[m.CandidateID] = true
			}
			refs = append(refs, mirror.Reference{
				TagID:        len(refs) + 1,
				LandmarkID:   lm.ID,
				LandmarkKind: kind,
				Mention:      ms[i].Mention,
			})
		}
	}

	// Previous landmarks nobody mentioned stay in context
	for _, lm := range r.previous {
		if matched[lm.ID] {
			continue
		}
		out.carried = append(out.carried, lm.ID)
	}
	if err := p.landmarks.KeepInContext(ctx, r.analysis.UserID, r.analysis.ID, out.carried...); err != nil {
		return nil, err
	}

	if refs == nil {
		refs = []mirror.Reference{}
	}
	if err := p.mirrors.SetReferences(ctx, r.mirror, refs); err != nil {
		return nil, err
	}

	claims, err := p.elements.Extract(ctx, r.mirror, r.trace.Content)
	if err != nil {
		return nil, err
	}
	if out.elements, err = p.elements.Create(ctx, r.mirror, r.trace.InteractionDate, claims); err != nil {
		return nil, err
	}
	p.metrics.ElementsAdded(len(out.elements))

	if p.opts.Refinement {
		start := time.Now()
		err := p.refine(ctx, r, out)
		p.metrics.ObserveStage("refinement", time.Since(start), err)
		if err != nil {
			return nil, err
		}
	}

	p.logger.Info("Trace brokered",
		zap.String("analysis_id", r.analysis.ID),
		zap.Int("mentioned", len(out.mentioned)),
		zap.Int("carried", len(out.carried)),
		zap.Int("references", len(refs)),
		zap.Int("elements", len(out.elements)),
	)
	return out, nil
}

// resolve creates the landmark a match stands for: a new Draft landmark, or a child copy of the
// matched predecessor. Several matches on one predecessor share its child copy.
func (p *Processor) resolve(
	ctx context.Context,
	r *run,
	kind graph.NodeKind,
	m matching.Match,
	previous map[string]*landmark.Landmark,
	versioned map[string]*landmark.Landmark,
	out *brokerOutput,
) (*landmark.Landmark, error) {
	if !m.IsNew() {
		if child, ok := versioned[m.CandidateID]; ok {
			return child, nil
		}
		parent, ok := previous[m.CandidateID]
		if ok {
			child, err := p.landmarks.CreateChildCopy(ctx, r.analysis.ID, parent)
			if err != nil {
				return nil, err
			}
			versioned[m.CandidateID] = child
			out.mentioned = append(out.mentioned, child)
			if child.State == graph.StateDraft {
				out.created = append(out.created, child)
			}
			p.metrics.LandmarkCreated(string(kind), "child")
			return child, nil
		}
	}

	lm, err := p.landmarks.Create(ctx, landmark.NewLandmark{
		UserID:     r.analysis.UserID,
		AnalysisID: r.analysis.ID,
		Kind:       kind,
		Title:      m.Item.Title,
		Subtitle:   m.Item.Subtitle,
	})
	if err != nil {
		return nil, err
	}
	out.mentioned = append(out.mentioned, lm)
	out.created = append(out.created, lm)
	p.metrics.LandmarkCreated(string(kind), "new")
	return lm, nil
}

// extractMentions runs the landmark extraction call and groups mentions per kind, dropping
// repeated titles within a kind
func (p *Processor) extractMentions(ctx context.Context, r *run) (map[graph.NodeKind][]mention, error) {
	reply, err := adapter.Execute[mentionReply](ctx, p.gen, adapter.Request{
		Name:   constants.PromptLandmarks,
		Scope:  r.analysis.ID,
		System: mentionSystemPrompt,
		User: adapter.MarshalPrompt(mentionPrompt{
			Title: r.mirror.Title,
			Tags:  r.mirror.Tags,
			Text:  r.trace.Content,
		}),
	})
	if err != nil {
		return nil, err
	}

	grouped := make(map[graph.NodeKind][]mention)
	seen := make(map[graph.NodeKind]map[string]bool)
	for _, m := range reply.Landmarks {
		kind := graph.NodeKind(m.Kind)
		m.Title = strings.TrimSpace(m.Title)
		m.Subtitle = strings.TrimSpace(m.Subtitle)
		if m.Mention == "" {
			m.Mention = m.Title
		}
		if seen[kind] == nil {
			seen[kind] = make(map[string]bool)
		}
		if seen[kind][m.Title] {
			continue
		}
		seen[kind][m.Title] = true
		grouped[kind] = append(grouped[kind], m)
	}
	return grouped, nil
}
