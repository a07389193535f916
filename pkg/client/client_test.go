package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ReportsLifecycle(t *testing.T) {
	var paths []string
	var bodies []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, body)
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	c := New(server.URL+"/", WithAPIKey("secret"))
	ctx := context.Background()

	require.NoError(t, c.TaskSubmitted(ctx, "/r1/t0", "job-1"))
	require.NoError(t, c.TaskStarted(ctx, "/r1/t0", "node-1"))
	require.NoError(t, c.TaskCompleted(ctx, "/r1/t0"))
	require.NoError(t, c.TaskFailed(ctx, "/r1/t1"))
	require.NoError(t, c.NodeDisappeared(ctx, "node-1"))

	assert.Equal(t, []string{
		"/rpc/task_submitted",
		"/rpc/task_started",
		"/rpc/task_completed",
		"/rpc/task_failed",
		"/rpc/node_disappeared",
	}, paths)
	assert.Equal(t, "job-1", bodies[0]["external_id"])
	assert.Equal(t, "node-1", bodies[1]["node_name"])
	assert.Equal(t, "/r1/t1", bodies[3]["task_dir"])
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	c := New(server.URL, WithRetry(5, time.Millisecond, 5*time.Millisecond))
	require.NoError(t, c.TaskCompleted(context.Background(), "/r1/t0"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_TaskStartedIsSentOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, WithRetry(5, time.Millisecond, 5*time.Millisecond))
	require.Error(t, c.TaskStarted(context.Background(), "/r1/t0", "node-1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// other reports keep retrying
	atomic.StoreInt32(&calls, 0)
	require.Error(t, c.TaskFailed(context.Background(), "/r1/t0"))
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))
}

func TestClient_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false}`))
	}))
	defer server.Close()

	c := New(server.URL, WithRetry(0, time.Millisecond, time.Millisecond))
	err := c.TasksetCreated(context.Background(), "/missing", "/missing/tasks.txt")
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestClient_BadRequestIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid request"}`))
	}))
	defer server.Close()

	c := New(server.URL, WithRetry(5, time.Millisecond, time.Millisecond))
	err := c.TaskCompleted(context.Background(), "/r1/t0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_GetVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rpc/get_version", r.URL.Path)
		_, _ = w.Write([]byte(`{"version": "1"}`))
	}))
	defer server.Close()

	version, err := New(server.URL).GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", version)
}
