package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trace-landscape/backend/internal/adapter"
	"trace-landscape/backend/internal/graph"
	"trace-landscape/backend/internal/services"
	"trace-landscape/backend/pkg/config"
)

const testUser = "user-1"

func newTestServer(t *testing.T) (*gin.Engine, *services.ServiceManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	offline := adapter.GeneratorFunc(func(context.Context, adapter.Request) (*adapter.Completion, error) {
		return nil, errors.New("model offline")
	})
	cfg := &config.Config{
		MatchingThreshold: 0.7,
		PipelineTimeout:   time.Minute,
	}
	sm, err := services.NewWithStore(cfg, graph.NewMemoryStore(), offline)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sm.Shutdown(context.Background()) })

	return newRouter(sm, zap.NewNop()), sm
}

func doJSON(t *testing.T, router *gin.Engine, method, path, user string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userIDHeader, user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var response map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	return w, response
}

// seedTrace creates a journal and one trace through the API and returns the trace id
func seedTrace(t *testing.T, router *gin.Engine, date string) string {
	t.Helper()
	w, journal := doJSON(t, router, "POST", "/api/journals", testUser, gin.H{"title": "Notebook"})
	require.Equal(t, http.StatusCreated, w.Code)

	w, tr := doJSON(t, router, "POST", "/api/traces", testUser, gin.H{
		"content":    "<p>Read Dune</p>",
		"journal_id": journal["id"],
		"date":       date,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	return tr["id"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	w, response := doJSON(t, router, "GET", "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", response["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	req, _ := http.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_RequiresUserHeader(t *testing.T) {
	router, _ := newTestServer(t)

	w, response := doJSON(t, router, "GET", "/api/lenses", "", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "input", response["kind"])
}

func TestCreateTrace_StripsHTML(t *testing.T) {
	router, _ := newTestServer(t)
	w, journal := doJSON(t, router, "POST", "/api/journals", testUser, gin.H{"title": "Notebook"})
	require.Equal(t, http.StatusCreated, w.Code)

	w, tr := doJSON(t, router, "POST", "/api/traces", testUser, gin.H{
		"content":    "<p>Read Dune</p>",
		"journal_id": journal["id"],
		"date":       "2026-02-18",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Read Dune", tr["content"])
	assert.Equal(t, "Read Dune", tr["title"])
}

func TestCreateTrace_InvalidRequest(t *testing.T) {
	router, _ := newTestServer(t)

	w, _ := doJSON(t, router, "POST", "/api/traces", testUser, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, response := doJSON(t, router, "POST", "/api/traces", testUser, gin.H{
		"content":    "text",
		"journal_id": "missing",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "input", response["kind"])
}

func TestAdvanceAnalysis(t *testing.T) {
	router, sm := newTestServer(t)

	t.Run("no trace before date", func(t *testing.T) {
		w, response := doJSON(t, router, "POST", "/api/analyses", testUser, gin.H{"date": "2026-02-18"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "input", response["kind"])
	})

	t.Run("bad date", func(t *testing.T) {
		w, _ := doJSON(t, router, "POST", "/api/analyses", testUser, gin.H{"date": "yesterday"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("accepted and run in background", func(t *testing.T) {
		traceID := seedTrace(t, router, "2026-02-18T09:00:00Z")

		w, lens := doJSON(t, router, "POST", "/api/analyses", testUser, gin.H{"date": "2026-02-19"})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "main", lens["title"])

		sm.Landscape.Wait()

		w, lenses := doJSON(t, router, "GET", "/api/lenses", testUser, nil)
		require.Equal(t, http.StatusOK, w.Code)
		list := lenses["lenses"].([]interface{})
		require.Len(t, list, 1)
		mainLens := list[0].(map[string]interface{})
		assert.Equal(t, traceID, mainLens["target_trace_id"])
		// The offline model fails the first step, so the head never moves
		assert.Nil(t, mainLens["current_landscape_id"])
	})
}

func TestAnalysisRoutes(t *testing.T) {
	router, sm := newTestServer(t)
	ctx := context.Background()
	traceID := seedTrace(t, router, "2026-02-18T09:00:00Z")

	root, err := sm.Landscape.CreateAnalysis(ctx, testUser, "", traceID, "")
	require.NoError(t, err)
	child, err := sm.Landscape.CreateAnalysis(ctx, testUser, root.ID, traceID, "")
	require.NoError(t, err)

	w, got := doJSON(t, router, "GET", "/api/analyses/"+child.ID, testUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, root.ID, got["parent_analysis_id"])
	assert.Equal(t, "draft", got["processing_state"])

	w, _ = doJSON(t, router, "GET", "/api/analyses/"+child.ID, "someone-else", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, ancestors := doJSON(t, router, "GET", "/api/analyses/"+child.ID+"/ancestors", testUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, ancestors["ancestors"], 2)

	w, _ = doJSON(t, router, "GET", "/api/analyses/"+child.ID+"/landmarks?filter=bogus", testUser, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, landmarks := doJSON(t, router, "GET", "/api/analyses/"+child.ID+"/landmarks?filter=mentioned", testUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, landmarks["landmarks"])

	w, elements := doJSON(t, router, "GET", "/api/analyses/"+child.ID+"/elements", testUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, elements["elements"])

	// The root has a child, so it is not a leaf
	w, refused := doJSON(t, router, "DELETE", "/api/analyses/"+root.ID, testUser, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, false, refused["deleted"])

	w, deleted := doJSON(t, router, "DELETE", "/api/analyses/"+child.ID, testUser, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, deleted["deleted"])

	w, _ = doJSON(t, router, "GET", "/api/analyses/"+child.ID, testUser, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLensRoutes(t *testing.T) {
	router, sm := newTestServer(t)
	ctx := context.Background()
	traceID := seedTrace(t, router, "2026-02-18T09:00:00Z")

	root, err := sm.Landscape.CreateAnalysis(ctx, testUser, "", traceID, "")
	require.NoError(t, err)

	w, fork := doJSON(t, router, "POST", "/api/analyses/"+root.ID+"/fork", testUser, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, root.ID, fork["current_landscape_id"])
	assert.Equal(t, root.ID, fork["fork_landscape_id"])
	assert.Equal(t, traceID, fork["target_trace_id"])

	// A lens head pins the analysis
	w, _ = doJSON(t, router, "DELETE", "/api/analyses/"+root.ID, testUser, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, plain := doJSON(t, router, "POST", "/api/lenses", testUser, gin.H{"title": "side", "autoplay": true})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, plain["autoplay"])

	w, _ = doJSON(t, router, "GET", "/api/lenses/"+plain["id"].(string), "someone-else", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, removed := doJSON(t, router, "DELETE", "/api/lenses/"+fork["id"].(string), testUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, removed["deleted"])

	w, _ = doJSON(t, router, "GET", "/api/analyses/"+root.ID, testUser, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProcessAnalysis(t *testing.T) {
	router, sm := newTestServer(t)
	ctx := context.Background()
	traceID := seedTrace(t, router, "2026-02-18T09:00:00Z")

	draft, err := sm.Landscape.CreateAnalysis(ctx, testUser, "", traceID, "")
	require.NoError(t, err)

	w, _ := doJSON(t, router, "POST", "/api/analyses/"+draft.ID+"/process", "someone-else", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, accepted := doJSON(t, router, "POST", "/api/analyses/"+draft.ID+"/process", testUser, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, draft.ID, accepted["id"])
	sm.Processor.Wait()

	// The offline model fails the run, so the analysis stays Draft and can be retried
	w, got := doJSON(t, router, "GET", "/api/analyses/"+draft.ID, testUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "draft", got["processing_state"])

	node, err := sm.Store.FindNode(ctx, draft.ID)
	require.NoError(t, err)
	node.ProcessingState = graph.StateFinished
	_, err = sm.Store.UpdateNode(ctx, node)
	require.NoError(t, err)

	w, refused := doJSON(t, router, "POST", "/api/analyses/"+draft.ID+"/process", testUser, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invariant", refused["kind"])
}

func TestCreateLens_ForeignTarget(t *testing.T) {
	router, _ := newTestServer(t)
	traceID := seedTrace(t, router, "2026-02-18T09:00:00Z")

	w, response := doJSON(t, router, "POST", "/api/lenses", "someone-else", gin.H{"title": "side", "target_trace_id": traceID})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "input", response["kind"])

	w, lenses := doJSON(t, router, "GET", "/api/lenses", "someone-else", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, lenses["lenses"])
}
