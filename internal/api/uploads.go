package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/clientbook/internal/importer"
	"github.com/sells-group/clientbook/internal/ledger"
	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/rowsource"
)

const (
	uploadAccepted = "File uploaded successfully. Processing started in background."
	queueFullError = "import queue is full; try again later"
	// multipart overhead allowed on top of the file limit
	formSlack = 1 << 20
)

type uploadResponse struct {
	Success   bool   `json:"success"`
	JobID     string `json:"jobId"`
	TotalRows int    `json:"totalRows"`
	Message   string `json:"message"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+formSlack)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes + formSlack); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			rejectUpload(w, http.StatusBadRequest, "too_large",
				fmt.Sprintf("file size exceeds limit: maximum is %dMB", s.opts.MaxUploadBytes>>20))
			return
		}
		rejectUpload(w, http.StatusBadRequest, "invalid_form", "expected a multipart form with a file field")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		rejectUpload(w, http.StatusBadRequest, "missing_file", "no file provided")
		return
	}
	defer file.Close() //nolint:errcheck

	if err := rowsource.Validate(header.Filename, header.Size, s.opts.MaxUploadBytes); err != nil {
		rejectUpload(w, http.StatusBadRequest, "invalid_file", err.Error())
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.opts.MaxUploadBytes+1))
	if err != nil {
		rejectUpload(w, http.StatusBadRequest, "unreadable", "failed to read uploaded file")
		return
	}

	rows, err := rowsource.Decode(header.Filename, data)
	if err != nil {
		var ue *rowsource.UploadError
		if errors.As(err, &ue) {
			reason := "invalid_file"
			if errors.Is(err, rowsource.ErrEmptySheet) {
				reason = "empty"
			}
			rejectUpload(w, http.StatusBadRequest, reason, ue.Reason)
			return
		}
		zap.L().Error("api: decode upload", zap.String("file", header.Filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read spreadsheet")
		return
	}

	defaultBranch := strings.TrimSpace(r.FormValue("defaultBranch"))
	payload := &model.JobPayload{Rows: rows, DefaultBranch: defaultBranch}

	job, err := s.deps.Ledger.Create(r.Context(), header.Filename, payload)
	if err != nil {
		zap.L().Error("api: create job", zap.String("file", header.Filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create import job")
		return
	}

	log := zap.L().With(zap.String("job_id", job.ID))
	if err := s.deps.Runner.Submit(importer.Task{JobID: job.ID, Rows: rows, DefaultBranch: defaultBranch}); err != nil {
		status, msg := http.StatusInternalServerError, "failed to start import job"
		if errors.Is(err, importer.ErrQueueFull) {
			status, msg = http.StatusServiceUnavailable, queueFullError
			rejectUpload(w, status, "queue_full", msg)
		} else {
			writeError(w, status, msg)
		}
		log.Warn("api: submit job", zap.Error(err))
		if _, uerr := s.deps.Ledger.Update(r.Context(), job.ID, ledger.Patch{
			Status: ledger.Ptr(model.JobStatusFailed),
			Error:  ledger.Ptr(msg),
		}); uerr != nil {
			log.Error("api: mark job failed", zap.Error(uerr))
		}
		return
	}

	log.Info("upload accepted", zap.String("file", header.Filename), zap.Int("rows", len(rows)))
	writeJSON(w, http.StatusAccepted, uploadResponse{
		Success:   true,
		JobID:     job.ID,
		TotalRows: len(rows),
		Message:   uploadAccepted,
	})
}
