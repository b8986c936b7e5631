package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sells-group/clientbook/internal/metrics"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func rejectUpload(w http.ResponseWriter, status int, reason, msg string) {
	metrics.UploadsRejected.WithLabelValues(reason).Inc()
	writeError(w, status, msg)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}
