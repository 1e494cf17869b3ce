package processor

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"trace-landscape/backend/internal/adapter"
	"trace-landscape/backend/internal/constants"
	"trace-landscape/backend/internal/graph"
)

type version struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
	Content  string `json:"content,omitempty"`
}

type refinementPrompt struct {
	Kind     graph.NodeKind `json:"kind"`
	Current  version        `json:"current"`
	Lineage  []version      `json:"previous_versions"`
	Elements []string       `json:"elements"`
}

type refinementReply struct {
	Resolved bool   `json:"resolved" description:"true when the entity is identified well enough to be rewritten"`
	Title    string `json:"title" description:"canonical name, required when resolved" validate:"required_if=Resolved true"`
	Subtitle string `json:"subtitle" description:"one line describing the entity"`
	Content  string `json:"content" description:"a short paragraph of what the journal says about it"`
}

const refinementSystemPrompt = `You consolidate what a personal journal knows about one entity.
You receive its current version, its previous versions and the claims linked to it. When the
entity is identified with confidence, set resolved to true and give its canonical name, a one
line description and a short paragraph. Otherwise set resolved to false.
Answer with a single JSON object and nothing else.`

type summaryPrompt struct {
	Trace     string   `json:"trace"`
	Landmarks []string `json:"landmarks"`
	Elements  []string `json:"elements"`
}

type summaryReply struct {
	Subtitle string `json:"subtitle" description:"one sentence summary of what changed" validate:"required"`
	Content  string `json:"content" description:"a short paragraph summarizing the analysis"`
}

const summarySystemPrompt = `You summarize how one journal entry changed the author's landscape of
resources, authors, themes and claims. Answer with a single JSON object and nothing else.`

// refine rewrites each Draft landmark created in this run once the model resolves it
func (p *Processor) refine(ctx context.Context, r *run, out *brokerOutput) error {
	for _, lm := range out.created {
		if lm.State != graph.StateDraft {
			continue
		}

		lineage, err := p.landmarks.Lineage(ctx, lm.ID)
		if err != nil {
			return err
		}
		prompt := refinementPrompt{
			Kind:     lm.Kind,
			Current:  version{Title: lm.Title, Subtitle: lm.Subtitle, Content: lm.Content},
			Lineage:  []version{},
			Elements: []string{},
		}
		for _, prev := range lineage[1:] {
			prompt.Lineage = append(prompt.Lineage, version{Title: prev.Title, Subtitle: prev.Subtitle, Content: prev.Content})
		}
		linked, err := p.elements.ForLandmark(ctx, lm.ID)
		if err != nil {
			return err
		}
		for _, el := range linked {
			prompt.Elements = append(prompt.Elements, el.Title)
		}

		reply, err := adapter.Execute[refinementReply](ctx, p.gen, adapter.Request{
			Name:   constants.PromptRefinement,
			Scope:  r.analysis.ID,
			System: refinementSystemPrompt,
			User:   adapter.MarshalPrompt(prompt),
		})
		if err != nil {
			return err
		}
		if !reply.Resolved {
			p.logger.Debug("Landmark left unresolved",
				zap.String("landmark_id", lm.ID),
				zap.String("title", lm.Title),
			)
			continue
		}

		lm.Title = strings.TrimSpace(reply.Title)
		lm.Subtitle = strings.TrimSpace(reply.Subtitle)
		lm.Content = strings.TrimSpace(reply.Content)
		lm.State = graph.StateFinished
		if err := p.landmarks.Update(ctx, lm); err != nil {
			return err
		}
		p.metrics.LandmarkCreated(string(lm.Kind), "refined")
	}
	return nil
}

// summarize writes a high-level summary of the run into the analysis node
func (p *Processor) summarize(ctx context.Context, r *run) error {
	prompt := summaryPrompt{Trace: r.trace.Content, Landmarks: []string{}, Elements: []string{}}
	if r.broker != nil {
		for _, lm := range r.broker.mentioned {
			prompt.Landmarks = append(prompt.Landmarks, lm.Title)
		}
		for _, el := range r.broker.elements {
			prompt.Elements = append(prompt.Elements, el.Title)
		}
	}

	reply, err := adapter.Execute[summaryReply](ctx, p.gen, adapter.Request{
		Name:   constants.PromptHighLevel,
		Scope:  r.analysis.ID,
		System: summarySystemPrompt,
		User:   adapter.MarshalPrompt(prompt),
	})
	if err != nil {
		return err
	}

	node, err := p.store.FindNode(ctx, r.analysis.ID)
	if err != nil {
		return err
	}
	node.Subtitle = strings.TrimSpace(reply.Subtitle)
	node.Content = strings.TrimSpace(reply.Content)
	if _, err := p.store.UpdateNode(ctx, node); err != nil {
		return err
	}
	r.analysis.Subtitle = node.Subtitle
	r.analysis.Content = node.Content
	return nil
}
