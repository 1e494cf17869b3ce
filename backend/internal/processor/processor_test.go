package processor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trace-landscape/backend/internal/adapter"
	"trace-landscape/backend/internal/constants"
	"trace-landscape/backend/internal/graph"
	"trace-landscape/backend/internal/landmark"
	"trace-landscape/backend/internal/landscape"
	"trace-landscape/backend/internal/metrics"
	"trace-landscape/backend/internal/trace"
)

const (
	firstEntry  = "First entry: read Meditations by Marcus Aurelius, started journaling."
	secondEntry = "Second entry: more Meditations, Marcus again, thinking about Stoicism."
)

// script answers each prompt by name and counts calls
type script struct {
	calls   map[string]int
	failOn  string
	replies map[string]func(req adapter.Request) string
}

func newScript() *script {
	return &script{
		calls: make(map[string]int),
		replies: map[string]func(req adapter.Request) string{
			constants.PromptMirror: func(req adapter.Request) string {
				return `{"title": "Reading", "subtitle": "A reading note.", "tags": ["reading"]}`
			},
			constants.PromptLandmarks: func(req adapter.Request) string {
				if strings.Contains(req.User, "Second entry") {
					return `{"landmarks": [
						{"kind": "resource", "title": "Meditations", "mention": "Meditations"},
						{"kind": "author", "title": "Marcus", "mention": "Marcus"},
						{"kind": "theme", "title": "Stoicism", "mention": "Stoicism"}
					]}`
				}
				return `{"landmarks": [
					{"kind": "resource", "title": "Meditations", "subtitle": "a book", "mention": "Meditations"},
					{"kind": "author", "title": "Marcus Aurelius", "mention": "Marcus Aurelius"},
					{"kind": "theme", "title": "Journaling", "mention": "journaling"},
					{"kind": "resource", "title": "Meditations", "mention": "the book"}
				]}`
			},
			constants.PromptMatching + ".author": func(req adapter.Request) string {
				return `{"matches": [{"item": 1, "candidate": 1, "confidence": 0.9}]}`
			},
			constants.PromptMatching + ".theme": func(req adapter.Request) string {
				return `{"matches": [{"item": 1, "candidate": 0, "confidence": 0.1}]}`
			},
			constants.PromptClaims: func(req adapter.Request) string {
				return `{"transactions": [
					{"id": "tra_1", "type": "input", "verb": "read", "object": "Meditations", "content": "Read Meditations.", "tags": [1]},
					{"id": "tra_2", "type": "output", "content": "Wrote notes.", "related_transactions": ["tra_1"]}
				], "evaluations": [{"id": "eva_1", "type": "emotion", "content": "Felt calm.", "date_offset": "TODAY_MORNING"}]}`
			},
			constants.PromptRefinement: func(req adapter.Request) string {
				if strings.Contains(req.User, `"kind": "resource"`) {
					return `{"resolved": true, "title": "Meditations", "subtitle": "Private notes of Marcus Aurelius", "content": "Read twice."}`
				}
				return `{"resolved": false}`
			},
			constants.PromptHighLevel: func(req adapter.Request) string {
				return `{"subtitle": "Started on Stoic reading.", "content": "One resource, one author."}`
			},
		},
	}
}

func (s *script) Generate(_ context.Context, req adapter.Request) (*adapter.Completion, error) {
	s.calls[req.Name]++
	if req.Name == s.failOn {
		return nil, errors.New("model unavailable")
	}
	reply, ok := s.replies[req.Name]
	if !ok {
		return nil, errors.New("unexpected prompt " + req.Name)
	}
	return &adapter.Completion{Content: reply(req)}, nil
}

type fixture struct {
	store     *graph.MemoryStore
	traces    *trace.Service
	landmarks *landmark.Service
	chain     *landscape.Service
	proc      *Processor
	gen       *script
	first     *trace.Trace
	second    *trace.Trace
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	store := graph.NewMemoryStore()
	gen := newScript()
	m := metrics.New("test")
	proc := New(store, gen, m, opts)

	traces := trace.NewService(store)
	journal, err := traces.CreateJournal(ctx, "u1", "Notebook")
	require.NoError(t, err)
	first, err := traces.CreateTrace(ctx, trace.NewTrace{
		UserID: "u1", JournalID: journal.ID, Content: firstEntry,
		Date: time.Date(2026, 2, 17, 20, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	second, err := traces.CreateTrace(ctx, trace.NewTrace{
		UserID: "u1", JournalID: journal.ID, Content: secondEntry,
		Date: time.Date(2026, 2, 18, 20, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	return &fixture{
		store:     store,
		traces:    traces,
		landmarks: landmark.NewService(store),
		chain:     landscape.NewService(store, proc, m, time.Minute),
		proc:      proc,
		gen:       gen,
		first:     first,
		second:    second,
	}
}

func defaultOptions() Options {
	return Options{MatchingThreshold: 0.7, Refinement: true}
}

func titles(lms []*landmark.Landmark) []string {
	out := make([]string, 0, len(lms))
	for _, lm := range lms {
		out = append(out, lm.Title)
	}
	return out
}

func TestProcessor_TwoTraceCatchUp(t *testing.T) {
	ctx := context.Background()
	f := setup(t, defaultOptions())

	lens, err := f.chain.CreateLens(ctx, "u1", landscape.LensOptions{TargetTraceID: f.second.ID})
	require.NoError(t, err)
	steps, err := f.chain.RunLens(ctx, lens.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, steps)

	lens, err = f.chain.FindLens(ctx, lens.ID)
	require.NoError(t, err)
	a2, err := f.chain.FindAnalysis(ctx, lens.HeadID)
	require.NoError(t, err)
	require.NotEmpty(t, a2.ParentID)
	a1, err := f.chain.FindAnalysis(ctx, a2.ParentID)
	require.NoError(t, err)

	assert.Equal(t, graph.StateFinished, a1.State)
	assert.Equal(t, graph.StateFinished, a2.State)
	assert.Equal(t, f.first.ID, a1.TraceID)
	assert.Equal(t, f.second.ID, a2.TraceID)

	for _, id := range []string{f.first.ID, f.second.ID} {
		tr, err := f.traces.Find(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, graph.StateFinished, tr.State)
	}

	// First run: repeated titles within a kind collapse to one landmark
	first, err := f.landmarks.ForAnalysis(ctx, a1.ID, landmark.FilterMentioned)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Meditations", "Marcus Aurelius", "Journaling"}, titles(first))
	byKind := landmark.ByKind(first)
	meditations := byKind[graph.KindResource][0]
	assert.Equal(t, graph.StateFinished, meditations.State)
	assert.Equal(t, "Private notes of Marcus Aurelius", meditations.Subtitle)
	assert.Equal(t, graph.StateDraft, byKind[graph.KindAuthor][0].State)

	// Second run: exact and assisted matches version their predecessors
	mentioned, err := f.landmarks.ForAnalysis(ctx, a2.ID, landmark.FilterMentioned)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Meditations", "Marcus Aurelius", "Stoicism"}, titles(mentioned))
	second := landmark.ByKind(mentioned)
	assert.Equal(t, meditations.ID, second[graph.KindResource][0].ParentID)
	assert.Equal(t, graph.StateFinished, second[graph.KindResource][0].State)
	assert.Equal(t, byKind[graph.KindAuthor][0].ID, second[graph.KindAuthor][0].ParentID)
	assert.Empty(t, second[graph.KindTheme][0].ParentID)

	carried, err := f.landmarks.ForAnalysis(ctx, a2.ID, landmark.FilterContext)
	require.NoError(t, err)
	require.Len(t, carried, 1)
	assert.Equal(t, byKind[graph.KindTheme][0].ID, carried[0].ID)

	elements, err := f.chain.Elements(ctx, a2.ID)
	require.NoError(t, err)
	require.Len(t, elements, 3)
	for _, el := range elements {
		switch el.Kind {
		case graph.KindEvaluativeEmotion:
			assert.Empty(t, el.LandmarkIDs)
			assert.Equal(t, 10, el.InteractionDate.Hour())
		default:
			assert.Equal(t, []string{second[graph.KindResource][0].ID}, el.LandmarkIDs)
		}
	}

	assert.Equal(t, 2, f.gen.calls[constants.PromptMirror])
	assert.Equal(t, 2, f.gen.calls[constants.PromptLandmarks])
	assert.Equal(t, 2, f.gen.calls[constants.PromptClaims])
	assert.Equal(t, 1, f.gen.calls[constants.PromptMatching+".author"])
	assert.Zero(t, f.gen.calls[constants.PromptMatching+".resource"])
	assert.Equal(t, 1, f.gen.calls[constants.PromptMatching+".theme"])
	// Run one refines three Draft landmarks, run two the author child and the new theme
	assert.Equal(t, 5, f.gen.calls[constants.PromptRefinement])
	assert.Zero(t, f.gen.calls[constants.PromptHighLevel])
}

func TestProcessor_FailedCallLeavesAnalysisDraft(t *testing.T) {
	ctx := context.Background()
	f := setup(t, defaultOptions())
	f.gen.failOn = constants.PromptClaims

	lens, err := f.chain.CreateLens(ctx, "u1", landscape.LensOptions{TargetTraceID: f.second.ID})
	require.NoError(t, err)

	stepped, err := f.chain.RunLensStep(ctx, lens.ID)
	require.Error(t, err)
	assert.False(t, stepped)

	lens, err = f.chain.FindLens(ctx, lens.ID)
	require.NoError(t, err)
	assert.Empty(t, lens.HeadID)

	analyses, err := f.store.ListNodes(ctx, graph.NodeQuery{UserID: "u1", Kinds: []graph.NodeKind{graph.KindAnalysis}})
	require.NoError(t, err)
	require.Len(t, analyses, 1)
	assert.Equal(t, graph.StateDraft, analyses[0].ProcessingState)

	tr, err := f.traces.Find(ctx, f.first.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.StateDraft, tr.State)
}

func TestProcessor_HighLevelAnalysisWritesSummary(t *testing.T) {
	ctx := context.Background()
	opts := defaultOptions()
	opts.HighLevelAnalysis = true
	opts.Refinement = false
	f := setup(t, opts)

	a, err := f.chain.CreateAnalysis(ctx, "u1", "", f.first.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.proc.Process(ctx, a.ID))

	a, err = f.chain.FindAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.StateFinished, a.State)
	assert.Equal(t, "Started on Stoic reading.", a.Subtitle)
	assert.Equal(t, 1, f.gen.calls[constants.PromptHighLevel])
	assert.Zero(t, f.gen.calls[constants.PromptRefinement])
}

func TestProcessor_RejectsFinishedAnalysis(t *testing.T) {
	ctx := context.Background()
	f := setup(t, defaultOptions())

	a, err := f.chain.CreateAnalysis(ctx, "u1", "", f.first.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.proc.Process(ctx, a.ID))

	err = f.proc.Process(ctx, a.ID)
	assert.Error(t, err)
	assert.Equal(t, 1, f.gen.calls[constants.PromptMirror])
}

func TestProcessor_ProcessDetached(t *testing.T) {
	ctx := context.Background()
	f := setup(t, defaultOptions())

	a, err := f.chain.CreateAnalysis(ctx, "u1", "", f.first.ID, "")
	require.NoError(t, err)

	f.proc.ProcessDetached(a.ID)
	f.proc.Wait()

	a, err = f.chain.FindAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.StateFinished, a.State)
}

func TestStage_Transitions(t *testing.T) {
	p := &Processor{}
	assert.Equal(t, StageMirror, p.next(StageInitial))
	assert.Equal(t, StageTraceBroker, p.next(StageMirror))
	assert.Equal(t, StageFinished, p.next(StageTraceBroker))

	p.opts.HighLevelAnalysis = true
	assert.Equal(t, StageHighLevelAnalysis, p.next(StageTraceBroker))
	assert.Equal(t, StageFinished, p.next(StageHighLevelAnalysis))
	assert.Equal(t, "trace_broker", StageTraceBroker.String())
}
