package model

import "time"

// JobStatus represents the lifecycle state of an import job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusImporting  JobStatus = "importing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusImporting, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// RawRow is one spreadsheet row keyed by header name. Values are string,
// float64, int or time.Time depending on the decoder.
type RawRow map[string]any

// SkipDetail explains why a spreadsheet row was not imported. Row is the
// 1-based sheet row number (header is row 1).
type SkipDetail struct {
	Row         int    `json:"row"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Reason      string `json:"reason"`
}

// ImportJob is the ledger record for one upload. Processed counts rows
// classified in the first pass; Committed counts accepted rows written (or
// attempted) in the second pass.
type ImportJob struct {
	ID             string       `json:"jobId"`
	FileName       string       `json:"fileName"`
	Status         JobStatus    `json:"status"`
	Progress       int          `json:"progress"`
	Total          int          `json:"total"`
	Processed      int          `json:"processed"`
	Accepted       int          `json:"accepted"`
	Committed      int          `json:"committed"`
	Success        int          `json:"success"`
	Failed         int          `json:"failed"`
	Skipped        int          `json:"skipped"`
	Reviewed       int          `json:"reviewed"`
	SkippedDetails []SkipDetail `json:"skippedDetails"`
	Errors         []string     `json:"errors"`
	Message        string       `json:"message,omitempty"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// JobPayload is the decoded upload stored alongside a job so a pending job
// can be started again after a restart.
type JobPayload struct {
	Rows          []RawRow `json:"rows"`
	DefaultBranch string   `json:"defaultBranch"`
}
