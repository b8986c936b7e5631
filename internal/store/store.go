package store

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clientbook/internal/model"
)

// ErrNotFound is returned when a single-record lookup matches nothing.
var ErrNotFound = eris.New("store: not found")

// IsNotFound reports whether err (or any error in its chain) is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ClientFilter selects clients. An empty Branch matches every branch.
type ClientFilter struct {
	Branch string `json:"branch,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// JobFilter specifies criteria for listing import jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for clients, the review queue,
// branches and the import job ledger. Every write touches a single record;
// no operation spans records atomically.
type Store interface {
	// Clients
	CreateClient(ctx context.Context, c *model.Client) error
	ListClients(ctx context.Context, filter ClientFilter) ([]model.Client, error)
	UpdateClientPhone(ctx context.Context, id, phoneNumber string) error

	// Review queue
	CreateReviewEntry(ctx context.Context, e *model.ReviewEntry) error
	ListReviewEntries(ctx context.Context, limit int) ([]model.ReviewEntry, error)

	// Branches
	CreateBranch(ctx context.Context, name string) (*model.Branch, error)
	BranchExists(ctx context.Context, name string) (bool, error)
	ListBranches(ctx context.Context) ([]model.Branch, error)

	// Import jobs
	CreateJob(ctx context.Context, job *model.ImportJob, payload *model.JobPayload) error
	GetJob(ctx context.Context, id string) (*model.ImportJob, error)
	SaveJob(ctx context.Context, job *model.ImportJob) error
	ListJobs(ctx context.Context, filter JobFilter) ([]model.ImportJob, error)
	GetJobPayload(ctx context.Context, id string) (*model.JobPayload, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
