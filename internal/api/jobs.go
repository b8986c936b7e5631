package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/clientbook/internal/importer"
	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/store"
)

const (
	defaultJobLimit = 20
	maxJobLimit     = 200
)

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.deps.Ledger.Get(r.Context(), jobID)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		zap.L().Error("api: get job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{Limit: parseInt(q.Get("limit"), defaultJobLimit)}
	if filter.Limit <= 0 || filter.Limit > maxJobLimit {
		filter.Limit = defaultJobLimit
	}
	if st := strings.TrimSpace(q.Get("status")); st != "" {
		filter.Status = model.JobStatus(st)
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown job status "+st)
			return
		}
	}

	jobs, err := s.deps.Ledger.List(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []model.ImportJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type processResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Status  model.JobStatus `json:"status"`
}

// handleProcessJob re-queues a pending job from its stored rows.
func (s *Server) handleProcessJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobID")
	log := zap.L().With(zap.String("job_id", jobID))

	job, err := s.deps.Ledger.Get(ctx, jobID)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Error("api: get job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job.Status != model.JobStatusPending {
		writeJSON(w, http.StatusOK, processResponse{
			Success: true,
			Message: "job is already being processed or finished",
			Status:  job.Status,
		})
		return
	}

	payload, err := s.deps.Ledger.Payload(ctx, jobID)
	if err != nil && !store.IsNotFound(err) {
		log.Error("api: get payload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job data")
		return
	}
	if payload == nil || len(payload.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "no data found in job; re-upload the file")
		return
	}

	err = s.deps.Runner.Submit(importer.Task{JobID: jobID, Rows: payload.Rows, DefaultBranch: payload.DefaultBranch})
	switch {
	case err == nil:
		log.Info("job re-queued")
		writeJSON(w, http.StatusAccepted, processResponse{Success: true, Message: "job queued", Status: job.Status})
	case errors.Is(err, importer.ErrAlreadyQueued):
		writeJSON(w, http.StatusOK, processResponse{Success: true, Message: "job is already queued", Status: job.Status})
	case errors.Is(err, importer.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, queueFullError)
	default:
		log.Error("api: submit job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue job")
	}
}
