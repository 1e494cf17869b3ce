package graph

import (
	"context"
	"os"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "trace-landscape/backend/pkg/errors"
)

// TestRepository requires a running Neo4j instance
// Set NEO4J_URI, NEO4J_USER, NEO4J_PASSWORD environment variables
func TestRepository_NodeLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx := context.Background()
	driver := createTestDriver(t)
	defer driver.Close(ctx)

	repo := NewRepository(driver)
	require.NoError(t, repo.EnsureSchema(ctx))

	trace, err := repo.CreateNode(ctx, &Node{UserID: "it-user", Kind: KindTrace, Title: "Reading notes"})
	require.NoError(t, err)
	defer cleanupNodes(ctx, driver, trace.ID)

	found, err := repo.FindNode(ctx, trace.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reading notes", found.Title)
	assert.Equal(t, StateDraft, found.ProcessingState)

	found.ProcessingState = StateFinished
	updated, err := repo.UpdateNode(ctx, found)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, updated.ProcessingState)

	require.NoError(t, repo.DeleteNode(ctx, trace.ID))
	_, err = repo.FindNode(ctx, trace.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRepository_EdgesOrderedByCreation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx := context.Background()
	driver := createTestDriver(t)
	defer driver.Close(ctx)

	repo := NewRepository(driver)

	analysis, err := repo.CreateNode(ctx, &Node{UserID: "it-user", Kind: KindAnalysis})
	require.NoError(t, err)
	first, err := repo.CreateNode(ctx, &Node{UserID: "it-user", Kind: KindTheme, Title: "first"})
	require.NoError(t, err)
	second, err := repo.CreateNode(ctx, &Node{UserID: "it-user", Kind: KindTheme, Title: "second"})
	require.NoError(t, err)
	defer cleanupNodes(ctx, driver, analysis.ID, first.ID, second.ID)

	_, err = Link(ctx, repo, "it-user", first.ID, analysis.ID, RelOwner)
	require.NoError(t, err)
	_, err = Link(ctx, repo, "it-user", second.ID, analysis.ID, RelOwner)
	require.NoError(t, err)

	origins, err := repo.FindOrigins(ctx, analysis.ID, RelOwner)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID}, OriginIDs(origins))

	none, err := repo.FindOrigins(ctx, analysis.ID, RelReference)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func cleanupNodes(ctx context.Context, driver neo4j.DriverWithContext, ids ...string) {
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	_, _ = session.Run(ctx, "MATCH (n:Node) WHERE n.id IN $ids DETACH DELETE n", map[string]interface{}{"ids": ids})
}

func createTestDriver(t *testing.T) neo4j.DriverWithContext {
	t.Helper()

	uri := envOr("NEO4J_URI", "bolt://localhost:7687")
	user := envOr("NEO4J_USER", "neo4j")
	password := envOr("NEO4J_PASSWORD", "password")

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		t.Skipf("Neo4j unavailable: %v", err)
	}

	// Verify connection
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		t.Skipf("Neo4j unavailable: %v", err)
	}

	return driver
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
