package landmark

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trace-landscape/backend/internal/graph"
	apperrors "trace-landscape/backend/pkg/errors"
)

func newAnalysis(t *testing.T, store graph.Store) string {
	t.Helper()
	n, err := store.CreateNode(context.Background(), &graph.Node{UserID: "u1", Kind: graph.KindAnalysis})
	require.NoError(t, err)
	return n.ID
}

func TestCreate_OwnedDraft(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	svc := NewService(store)
	a1 := newAnalysis(t, store)

	lm, err := svc.Create(ctx, NewLandmark{UserID: "u1", AnalysisID: a1, Kind: graph.KindResource, Title: "Meditations"})
	require.NoError(t, err)
	assert.Equal(t, graph.StateDraft, lm.State)
	assert.Equal(t, a1, lm.AnalysisID)

	_, err = svc.Create(ctx, NewLandmark{UserID: "u1", AnalysisID: a1, Kind: graph.KindTrace, Title: "x"})
	assert.Equal(t, apperrors.ErrorTypeInput, apperrors.TypeOf(err))

	_, err = svc.Create(ctx, NewLandmark{UserID: "u1", AnalysisID: a1, Kind: graph.KindTheme})
	assert.Equal(t, apperrors.ErrorTypeInput, apperrors.TypeOf(err))
}

func TestCreateChildCopy_Lineage(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	svc := NewService(store)
	a1 := newAnalysis(t, store)
	a2 := newAnalysis(t, store)
	a3 := newAnalysis(t, store)

	root, err := svc.Create(ctx, NewLandmark{UserID: "u1", AnalysisID: a1, Kind: graph.KindAuthor, Title: "Marcus Aurelius", Content: "emperor"})
	require.NoError(t, err)
	root.State = graph.StateFinished
	require.NoError(t, svc.Update(ctx, root))

	v2, err := svc.CreateChildCopy(ctx, a2, root)
	require.NoError(t, err)
	assert.Equal(t, root.Title, v2.Title)
	assert.Equal(t, "emperor", v2.Content)
	assert.Equal(t, graph.StateFinished, v2.State)
	assert.Equal(t, root.ID, v2.ParentID)

	v3, err := svc.CreateChildCopy(ctx, a3, v2)
	require.NoError(t, err)

	chain, err := svc.Lineage(ctx, v3.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{v3.ID, v2.ID, root.ID}, []string{chain[0].ID, chain[1].ID, chain[2].ID})
	assert.Equal(t, a1, chain[2].AnalysisID)
}

func TestForAnalysis_Filters(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	svc := NewService(store)
	a1 := newAnalysis(t, store)
	a2 := newAnalysis(t, store)

	old, err := svc.Create(ctx, NewLandmark{UserID: "u1", AnalysisID: a1, Kind: graph.KindTheme, Title: "stoicism"})
	require.NoError(t, err)
	fresh, err := svc.Create(ctx, NewLandmark{UserID: "u1", AnalysisID: a2, Kind: graph.KindResource, Title: "Letters"})
	require.NoError(t, err)
	require.NoError(t, svc.KeepInContext(ctx, "u1", a2, old.ID))

	// Non-landmark nodes owned by the analysis are ignored
	tr, _ := store.CreateNode(ctx, &graph.Node{UserID: "u1", Kind: graph.KindTrace})
	_, err = graph.Link(ctx, store, "u1", tr.ID, a2, graph.RelOwner)
	require.NoError(t, err)

	ids := func(lms []*Landmark) []string {
		var out []string
		for _, lm := range lms {
			out = append(out, lm.ID)
		}
		return out
	}

	mentioned, err := svc.ForAnalysis(ctx, a2, FilterMentioned)
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID}, ids(mentioned))

	contextual, err := svc.ForAnalysis(ctx, a2, FilterContext)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids(contextual))

	all, err := svc.ForAnalysis(ctx, a2, FilterAll)
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID, old.ID}, ids(all))
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("")
	require.NoError(t, err)
	assert.Equal(t, FilterAll, f)

	f, err = ParseFilter("context")
	require.NoError(t, err)
	assert.Equal(t, FilterContext, f)

	_, err = ParseFilter("recent")
	assert.Equal(t, apperrors.ErrorTypeInput, apperrors.TypeOf(err))
}

func TestByKind(t *testing.T) {
	grouped := ByKind([]*Landmark{
		{ID: "1", Kind: graph.KindTheme},
		{ID: "2", Kind: graph.KindAuthor},
		{ID: "3", Kind: graph.KindTheme},
	})
	assert.Len(t, grouped[graph.KindTheme], 2)
	assert.Len(t, grouped[graph.KindAuthor], 1)
	assert.Empty(t, grouped[graph.KindResource])
}
