package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"readings-pipeline/internal/artifact"
	"readings-pipeline/internal/config"
	"readings-pipeline/internal/models"
	"readings-pipeline/internal/plan"
	"readings-pipeline/internal/progress"
	"readings-pipeline/internal/ratelimit"
	"readings-pipeline/internal/store"
	"readings-pipeline/internal/telemetry"
)

// Server wires the HTTP handlers for job submission and polling. Submission
// is fire-and-forget: the only synchronous errors are request validation;
// every processing failure is observed by polling the job.
type Server struct {
	cfg       config.Config
	queue     store.Queue
	artifacts artifact.Store
	limiter   *ratelimit.TokenBucket
	logger    *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, q store.Queue, artifacts artifact.Store, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		queue:     q,
		artifacts: artifacts,
		limiter:   limiter,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/tasks", s.handleListTasks)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/reset-stuck", s.handleResetStuck)
	return r
}

type submitRequest struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if len(req.Params) == 0 {
		req.Params = json.RawMessage(`{}`)
	}

	jobID := uuid.New().String()
	tasks, err := plan.Build(s.cfg, jobID, req.Type, req.Params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var limiterKey string
	if s.limiter != nil {
		limiterKey = fmt.Sprintf("rl:%s", clientKey(r))
		allowed, _, err := s.limiter.Allow(r.Context(), limiterKey, len(tasks))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job := models.Job{
		ID:          jobID,
		Type:        req.Type,
		Params:      req.Params,
		MaxAttempts: s.cfg.JobMaxAttempts,
	}
	if _, err := s.queue.CreateJobWithTasks(r.Context(), job, tasks); err != nil {
		// The submission did no work; give the tokens back.
		if s.limiter != nil {
			if rerr := s.limiter.Refund(r.Context(), limiterKey, len(tasks)); rerr != nil {
				s.logger.Error("rate limit refund failed", "key", limiterKey, "error", rerr)
			}
		}
		s.logger.Error("job submission failed", "job_id", jobID, "error", err)
		http.Error(w, "submission failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsSubmitted.Inc()
	s.logger.Info("job submitted", "job_id", jobID, "type", req.Type, "tasks", len(tasks))

	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID})
}

type jobResponse struct {
	JobID     string          `json:"jobId"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Progress  models.Progress `json:"progress"`
	Error     *string         `json:"error,omitempty"`
	Results   []taskResult    `json:"results,omitempty"`
	Artifacts []artifactLink  `json:"artifacts,omitempty"`
}

type taskResult struct {
	TaskID   string          `json:"taskId"`
	TaskType string          `json:"taskType"`
	Sequence int             `json:"sequence"`
	Output   json.RawMessage `json:"output,omitempty"`
}

type artifactLink struct {
	ArtifactType string `json:"artifactType"`
	StoragePath  string `json:"storagePath"`
	ContentType  string `json:"contentType"`
	URL          string `json:"url,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	tasks, err := s.queue.ListTasks(r.Context(), id)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	resp := jobResponse{
		JobID:    job.ID,
		Type:     job.Type,
		Status:   job.Status,
		Progress: progress.Summarize(tasks),
		Error:    job.LastError,
	}

	// Results are assembled only for complete jobs, in sequence order.
	if job.Status == models.JobComplete {
		for _, t := range tasks {
			if t.Status != models.TaskComplete {
				continue
			}
			resp.Results = append(resp.Results, taskResult{
				TaskID:   t.ID,
				TaskType: t.TaskType,
				Sequence: t.Sequence,
				Output:   t.Output,
			})
		}
		resp.Artifacts = s.artifactLinks(r, id)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) artifactLinks(r *http.Request, jobID string) []artifactLink {
	records, err := s.queue.ListArtifacts(r.Context(), jobID)
	if err != nil {
		s.logger.Error("artifact listing failed", "job_id", jobID, "error", err)
		return nil
	}
	links := make([]artifactLink, 0, len(records))
	for _, a := range records {
		link := artifactLink{
			ArtifactType: a.ArtifactType,
			StoragePath:  a.StoragePath,
			ContentType:  a.ContentType,
		}
		if s.artifacts != nil {
			url, err := s.artifacts.SignedURL(r.Context(), a.StoragePath, s.cfg.SignedURLTTL)
			if err != nil {
				s.logger.Error("sign url failed", "path", a.StoragePath, "error", err)
			} else {
				link.URL = url
			}
		}
		links = append(links, link)
	}
	return links
}

// handleListTasks dumps the full task list for debugging and monitoring.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.queue.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	tasks, err := s.queue.ListTasks(r.Context(), id)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.CancelJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("job cancelled", "job_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleResetStuck is the operator escape hatch: force-requeue this job's
// active tasks without waiting for the heartbeat timeout.
func (s *Server) handleResetStuck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.queue.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	n, err := s.queue.ResetStuck(r.Context(), id)
	if err != nil {
		http.Error(w, "reset failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("stuck tasks reset", "job_id", id, "count", n)
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	// Key on the host alone; the ephemeral port would give every TCP
	// connection its own bucket.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
