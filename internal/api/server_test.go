package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readings-pipeline/internal/artifact"
	"readings-pipeline/internal/config"
	"readings-pipeline/internal/models"
	"readings-pipeline/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Memory, *artifact.Memory) {
	t.Helper()
	q := store.NewMemory()
	blobs := artifact.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(config.Load(), q, blobs, nil, logger), q, blobs
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func submitJob(t *testing.T, s *Server, jobType string, params map[string]any) string {
	t.Helper()
	rec := doRequest(t, s, http.MethodPost, "/jobs", map[string]any{
		"type":   jobType,
		"params": params,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	return resp.JobID
}

func TestSubmitSoloJob(t *testing.T) {
	s, q, _ := newTestServer(t)

	jobID := submitJob(t, s, models.JobTypeSolo, nil)

	// 8 sections, each a text plus a pdf task, plus one narration.
	tasks, err := q.ListTasks(context.Background(), jobID)
	require.NoError(t, err)
	assert.Len(t, tasks, 17)

	rec := doRequest(t, s, http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		JobID    string          `json:"jobId"`
		Type     string          `json:"type"`
		Status   string          `json:"status"`
		Progress models.Progress `json:"progress"`
		Results  []json.RawMessage
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, jobID, resp.JobID)
	assert.Equal(t, models.JobTypeSolo, resp.Type)
	assert.Equal(t, models.JobQueued, resp.Status)
	assert.Zero(t, resp.Progress.Percent)
	assert.Empty(t, resp.Results, "results withheld until the job completes")
}

func TestSubmitValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/jobs", map[string]any{"params": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing type")

	rec = doRequest(t, s, http.MethodPost, "/jobs", map[string]any{"type": "tarot_reading"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown job type")

	rec = doRequest(t, s, http.MethodPost, "/jobs", map[string]any{
		"type":   models.JobTypeSolo,
		"params": map[string]any{"sections": []string{"no_such_section"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown section")
}

func TestJobEndpointsReturn404ForUnknownJob(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/jobs/nope"},
		{http.MethodGet, "/jobs/nope/tasks"},
		{http.MethodPost, "/jobs/nope/cancel"},
		{http.MethodPost, "/jobs/nope/reset-stuck"},
	} {
		rec := doRequest(t, s, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestListTasks(t *testing.T) {
	s, _, _ := newTestServer(t)
	jobID := submitJob(t, s, models.JobTypeCompatibility, map[string]any{"includeSong": true})

	rec := doRequest(t, s, http.MethodGet, "/jobs/"+jobID+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Tasks []models.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// 16 sections doubled for text and pdf, one narration, one song.
	assert.Len(t, resp.Tasks, 34)
	for _, task := range resp.Tasks {
		assert.Equal(t, models.TaskPending, task.Status)
	}
}

func TestCancelJob(t *testing.T) {
	s, q, _ := newTestServer(t)
	jobID := submitJob(t, s, models.JobTypeSolo, nil)

	rec := doRequest(t, s, http.MethodPost, "/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := q.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.Status)
}

func TestResetStuck(t *testing.T) {
	s, q, _ := newTestServer(t)
	ctx := context.Background()
	jobID := submitJob(t, s, models.JobTypeSolo, map[string]any{"sections": []string{"overview"}})

	claimed, err := q.ClaimTasks(ctx, "wedged-worker", 1, []string{models.TaskTypeText})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	rec := doRequest(t, s, http.MethodPost, "/jobs/"+jobID+"/reset-stuck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Reset int `json:"reset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Reset)

	tasks, err := q.ListTasks(ctx, jobID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, models.TaskPending, task.Status)
		assert.Nil(t, task.WorkerID)
	}
}

func TestCompletedJobExposesResultsAndArtifacts(t *testing.T) {
	s, q, blobs := newTestServer(t)
	ctx := context.Background()

	job, err := q.CreateJobWithTasks(ctx, models.Job{Type: models.JobTypeSolo, MaxAttempts: 1},
		[]models.Task{{
			TaskType:         models.TaskTypeText,
			Input:            json.RawMessage(`{"section":"overview","outputPath":"jobs/j/text/overview.md"}`),
			MaxAttempts:      3,
			HeartbeatTimeout: 300,
		}})
	require.NoError(t, err)

	claimed, err := q.ClaimTasks(ctx, "w1", 1, []string{models.TaskTypeText})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	task := claimed[0]

	_, err = blobs.Upload(ctx, "jobs/j/text/overview.md", []byte("# Overview"), "text/markdown")
	require.NoError(t, err)
	_, err = q.RecordArtifact(ctx, models.Artifact{
		JobID:        job.ID,
		TaskID:       task.ID,
		ArtifactType: models.ArtifactText,
		StoragePath:  "jobs/j/text/overview.md",
		ContentType:  "text/markdown",
		SizeBytes:    10,
	})
	require.NoError(t, err)

	ok, err := q.Complete(ctx, task.ID, "w1", json.RawMessage(`{"artifactPath":"jobs/j/text/overview.md","wordCount":2}`))
	require.NoError(t, err)
	require.True(t, ok)

	rec := doRequest(t, s, http.MethodGet, "/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status  string `json:"status"`
		Results []struct {
			TaskID   string          `json:"taskId"`
			TaskType string          `json:"taskType"`
			Output   json.RawMessage `json:"output"`
		} `json:"results"`
		Artifacts []struct {
			ArtifactType string `json:"artifactType"`
			StoragePath  string `json:"storagePath"`
			URL          string `json:"url"`
		} `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.JobComplete, resp.Status)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, task.ID, resp.Results[0].TaskID)
	assert.Equal(t, models.TaskTypeText, resp.Results[0].TaskType)
	assert.Contains(t, string(resp.Results[0].Output), "wordCount")

	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, models.ArtifactText, resp.Artifacts[0].ArtifactType)
	assert.Equal(t, "memory://jobs/j/text/overview.md", resp.Artifacts[0].URL)
}

func TestClientKeyIgnoresEphemeralPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	req.RemoteAddr = "10.0.0.7:49152"
	assert.Equal(t, "10.0.0.7", clientKey(req))

	// Two connections from the same host share one bucket.
	req2 := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	req2.RemoteAddr = "10.0.0.7:60311"
	assert.Equal(t, clientKey(req), clientKey(req2))

	req.Header.Set("X-Client-ID", "user-1")
	assert.Equal(t, "user-1", clientKey(req))
}

func TestCancelledJobStopsHandingOutTasks(t *testing.T) {
	s, q, _ := newTestServer(t)
	ctx := context.Background()
	jobID := submitJob(t, s, models.JobTypeCompatibility, nil)

	rec := doRequest(t, s, http.MethodPost, "/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	claimed, err := q.ClaimTasks(ctx, "w1", 50, []string{models.TaskTypeText, models.TaskTypePDF, models.TaskTypeAudio})
	require.NoError(t, err)
	assert.Empty(t, claimed, "cancel right after submission must not burn the fan-out")
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
