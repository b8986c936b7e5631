package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/clientbook/internal/model"
)

type duplicateResponse struct {
	Duplicate bool          `json:"duplicate"`
	Client    *model.Client `json:"client,omitempty"`
}

// handleDuplicate answers whether a phone number is already on file.
// Query: phone (required), branch, excludeId.
func (s *Server) handleDuplicate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	phone := strings.TrimSpace(q.Get("phone"))
	if phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}

	c, err := s.deps.Duplicates.Find(r.Context(), phone, strings.TrimSpace(q.Get("branch")), q.Get("excludeId"))
	if err != nil {
		zap.L().Error("api: duplicate check", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to check for duplicates")
		return
	}
	writeJSON(w, http.StatusOK, duplicateResponse{Duplicate: c != nil, Client: c})
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.deps.Branches.ListBranches(r.Context())
	if err != nil {
		zap.L().Error("api: list branches", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list branches")
		return
	}
	if branches == nil {
		branches = []model.Branch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}
