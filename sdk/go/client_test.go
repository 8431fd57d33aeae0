package pulselinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportSendsPartialUpdate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/tools/report", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"job":{"jobId":"build-1","state":"running","progress":90,"updatedAt":"2026-01-01T00:00:00Z"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	p := 90.0
	job, err := c.Report(context.Background(), Report{JobID: "build-1", Progress: &p})
	require.NoError(t, err)
	assert.Equal(t, "build-1", job.JobID)
	assert.Equal(t, "running", job.State)
	assert.Equal(t, map[string]any{"jobId": "build-1", "progress": 90.0}, got)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"confirmation_required","message":"reset refused"}}`))
	}))
	defer srv.Close()

	err := New(srv.URL).Reset(context.Background(), false)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "confirmation_required", apiErr.Code)
}

func TestHooksAndTick(t *testing.T) {
	var mu sync.Mutex
	paths := []string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v0/briefing/tick":
			w.Write([]byte(`{"skipped":false,"published":true,"sent":false,"reason":"changed"}`))
		case "/v0/briefing/preview":
			w.Write([]byte(`{"text":"Pulse briefing"}`))
		default:
			w.Write([]byte(`{"agent":"pm","tracked":true}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL)
	require.NoError(t, c.CallStarted(ctx, "pm", "exec", nil))
	require.NoError(t, c.CallFinished(ctx, ToolResult{AgentID: "pm", ToolName: "exec", DurationMs: 40}))
	text, err := c.Preview(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Pulse briefing", text)
	tick, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, tick.Published)
	assert.Equal(t, "changed", tick.Reason)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /v0/hooks/before-tool-call",
		"POST /v0/hooks/tool-result",
		"GET /v0/briefing/preview",
		"POST /v0/briefing/tick",
	}, paths)
}
