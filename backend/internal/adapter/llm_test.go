package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "trace-landscape/backend/pkg/errors"
)

const okReply = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1,
	"model": "test-model",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"title\": \"ok\"}"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
}`

func testPolicy(attempts int) Policy {
	return Policy{
		Timeout:     5 * time.Second,
		MaxAttempts: attempts,
		Backoff:     time.Millisecond,
	}
}

func TestLLMAdapter_GenerateSendsSchema(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okReply))
	}))
	defer server.Close()

	a := NewLLMAdapter(server.URL, "", "test-model", testPolicy(1))
	schema := json.RawMessage(`{"type":"object"}`)

	completion, err := a.Generate(context.Background(), Request{
		Name:   "mirror.normalize",
		System: "system",
		User:   "user",
		Schema: schema,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"title": "ok"}`, completion.Content)
	assert.Equal(t, "test-model", completion.Model)
	assert.Equal(t, 12, completion.PromptTokens)
	assert.Equal(t, 4, completion.CompletionTokens)
	assert.Equal(t, 16, completion.TotalTokens)

	format, ok := body["response_format"].(map[string]interface{})
	require.True(t, ok, "response_format missing from request")
	assert.Equal(t, "json_schema", format["type"])
	jsonSchema := format["json_schema"].(map[string]interface{})
	assert.Equal(t, "mirror_normalize", jsonSchema["name"])
}

func TestLLMAdapter_RetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"message": "upstream unavailable", "type": "server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(okReply))
	}))
	defer server.Close()

	a := NewLLMAdapter(server.URL, "", "test-model", testPolicy(3))

	completion, err := a.Generate(context.Background(), Request{Name: "retry"})
	require.NoError(t, err)
	assert.Equal(t, `{"title": "ok"}`, completion.Content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLLMAdapter_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "down", "type": "server_error"}}`))
	}))
	defer server.Close()

	a := NewLLMAdapter(server.URL, "", "test-model", testPolicy(2))

	_, err := a.Generate(context.Background(), Request{Name: "down"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeTransport, apperrors.TypeOf(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	var transport *apperrors.ErrTransportFailed
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, 2, transport.Attempts)
	assert.Equal(t, "test-model", transport.Model)
}

func TestLLMAdapter_EmptyChoicesIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "x", "object": "chat.completion", "model": "m", "choices": []}`))
	}))
	defer server.Close()

	a := NewLLMAdapter(server.URL, "", "test-model", testPolicy(1))

	_, err := a.Generate(context.Background(), Request{Name: "empty"})
	var malformed *apperrors.ErrMalformedOutput
	assert.ErrorAs(t, err, &malformed)
}

func TestLLMAdapter_GetModel(t *testing.T) {
	a := NewLLMAdapter("http://localhost:4000", "", "first", testPolicy(1))
	assert.Equal(t, "first", a.GetModel())
}

func TestSchemaName(t *testing.T) {
	assert.Equal(t, "response", schemaName(""))
	assert.Equal(t, "matching_theme", schemaName("matching.theme"))
	assert.Equal(t, "claims-v2", schemaName("claims-v2"))
}
