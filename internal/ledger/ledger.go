// Package ledger records the lifecycle and counters of import jobs.
//
// Every update is a merge patch over the stored snapshot. The ledger enforces
// the status state machine and counter invariants, recomputes progress and
// stamps UpdatedAt before writing. A patch that would break a rule is rejected
// and nothing is written.
package ledger

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/resilience"
	"github.com/sells-group/clientbook/internal/store"
)

var (
	// ErrTransition is returned for a status change the state machine forbids.
	ErrTransition = eris.New("ledger: invalid status transition")
	// ErrInvariant is returned when a patch would break a counter invariant.
	ErrInvariant = eris.New("ledger: counter invariant violated")
)

// Store is the job persistence the ledger needs.
type Store interface {
	CreateJob(ctx context.Context, job *model.ImportJob, payload *model.JobPayload) error
	GetJob(ctx context.Context, id string) (*model.ImportJob, error)
	SaveJob(ctx context.Context, job *model.ImportJob) error
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.ImportJob, error)
	GetJobPayload(ctx context.Context, id string) (*model.JobPayload, error)
}

// Patch is a partial job update. Nil fields are left unchanged. When
// ExpectStatus is set the update only applies if the job is currently in
// that status.
type Patch struct {
	ExpectStatus   *model.JobStatus
	Status         *model.JobStatus
	Processed      *int
	Accepted       *int
	Committed      *int
	Success        *int
	Failed         *int
	Skipped        *int
	Reviewed       *int
	SkippedDetails []model.SkipDetail
	Errors         []string
	Message        *string
	Error          *string
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

// Ledger creates, updates and reads import jobs.
type Ledger struct {
	store Store
	cache Cache
	retry resilience.RetryConfig
	now   func() time.Time

	// mu serializes read-modify-write cycles and cache refills.
	mu sync.Mutex

	// stale holds jobs whose cached snapshot may be behind the store.
	staleMu sync.Mutex
	stale   map[string]struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCache adds a snapshot cache consulted by Get.
func WithCache(c Cache) Option {
	return func(l *Ledger) { l.cache = c }
}

// WithRetry overrides the retry policy for store writes.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(l *Ledger) { l.retry = cfg }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over st.
func New(st Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: st,
		retry: resilience.DefaultRetryConfig(),
		now:   func() time.Time { return time.Now().UTC() },
		stale: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Create registers a pending job for payload and persists the payload with it.
func (l *Ledger) Create(ctx context.Context, fileName string, payload *model.JobPayload) (*model.ImportJob, error) {
	now := l.now()
	total := 0
	if payload != nil {
		total = len(payload.Rows)
	}
	job := &model.ImportJob{
		ID:             "job_" + uuid.New().String(),
		FileName:       fileName,
		Status:         model.JobStatusPending,
		Total:          total,
		SkippedDetails: []model.SkipDetail{},
		Errors:         []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	cfg := l.retry
	cfg.OnRetry = resilience.RetryLogger("create_job", zap.String("job_id", job.ID))
	cfg.ShouldRetry = resilience.IsRetryableInsert
	if err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return l.store.CreateJob(ctx, job, payload)
	}); err != nil {
		return nil, eris.Wrap(err, "ledger: create job")
	}
	l.remember(ctx, job)

	zap.L().Info("import job created",
		zap.String("job_id", job.ID),
		zap.String("file", fileName),
		zap.Int("total", total),
	)
	return job, nil
}

// Update applies p to the job and returns the new snapshot.
func (l *Ledger) Update(ctx context.Context, jobID string, p Patch) (*model.ImportJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) (*model.ImportJob, error) {
		return l.store.GetJob(ctx, jobID)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: load job %s", jobID)
	}

	if p.ExpectStatus != nil && current.Status != *p.ExpectStatus {
		return nil, eris.Wrapf(ErrTransition, "job %s is %s, expected %s", jobID, current.Status, *p.ExpectStatus)
	}
	next := apply(*current, p)
	if err := checkTransition(current.Status, next.Status); err != nil {
		return nil, eris.Wrapf(err, "job %s", jobID)
	}
	if err := checkInvariants(&next); err != nil {
		return nil, eris.Wrapf(err, "job %s", jobID)
	}
	next.Progress = progress(&next)
	next.UpdatedAt = l.now()

	cfg := l.retry
	cfg.OnRetry = resilience.RetryLogger("save_job", zap.String("job_id", jobID))
	if err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return l.store.SaveJob(ctx, &next)
	}); err != nil {
		return nil, eris.Wrapf(err, "ledger: save job %s", jobID)
	}
	l.remember(ctx, &next)

	if next.Status != current.Status {
		zap.L().Info("import job status changed",
			zap.String("job_id", jobID),
			zap.String("from", string(current.Status)),
			zap.String("to", string(next.Status)),
			zap.Int("progress", next.Progress),
		)
	}
	return &next, nil
}

// Get returns the latest snapshot of a job, reading through the cache when
// one is configured. A job whose last cache write failed is read from the
// store until the cache is refreshed.
func (l *Ledger) Get(ctx context.Context, jobID string) (*model.ImportJob, error) {
	if l.cache != nil && !l.isStale(jobID) {
		job, ok, err := l.cache.Get(ctx, jobID)
		if err != nil {
			zap.L().Warn("ledger: cache read failed", zap.String("job_id", jobID), zap.Error(err))
		} else if ok {
			return job, nil
		}
	}

	if l.cache == nil {
		job, err := l.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: get job %s", jobID)
		}
		return job, nil
	}

	// Refill under mu so an older read cannot overwrite a newer Update.
	l.mu.Lock()
	defer l.mu.Unlock()
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get job %s", jobID)
	}
	l.remember(ctx, job)
	return job, nil
}

// List returns recent jobs, newest first.
func (l *Ledger) List(ctx context.Context, filter store.JobFilter) ([]model.ImportJob, error) {
	jobs, err := l.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list jobs")
	}
	return jobs, nil
}

// Payload returns the rows stored with a job, or nil when none were kept.
func (l *Ledger) Payload(ctx context.Context, jobID string) (*model.JobPayload, error) {
	p, err := l.store.GetJobPayload(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get payload %s", jobID)
	}
	return p, nil
}

func (l *Ledger) remember(ctx context.Context, job *model.ImportJob) {
	if l.cache == nil {
		return
	}
	err := l.cache.Set(ctx, job)
	if err == nil {
		l.markStale(job.ID, false)
		return
	}
	zap.L().Warn("ledger: cache write failed", zap.String("job_id", job.ID), zap.Error(err))
	l.markStale(job.ID, true)
	if derr := l.cache.Del(ctx, job.ID); derr != nil {
		zap.L().Warn("ledger: cache invalidate failed", zap.String("job_id", job.ID), zap.Error(derr))
	}
}

func (l *Ledger) markStale(jobID string, stale bool) {
	l.staleMu.Lock()
	defer l.staleMu.Unlock()
	if stale {
		l.stale[jobID] = struct{}{}
	} else {
		delete(l.stale, jobID)
	}
}

func (l *Ledger) isStale(jobID string) bool {
	l.staleMu.Lock()
	defer l.staleMu.Unlock()
	_, ok := l.stale[jobID]
	return ok
}

func apply(job model.ImportJob, p Patch) model.ImportJob {
	if p.Status != nil {
		job.Status = *p.Status
	}
	setInt(&job.Processed, p.Processed)
	setInt(&job.Accepted, p.Accepted)
	setInt(&job.Committed, p.Committed)
	setInt(&job.Success, p.Success)
	setInt(&job.Failed, p.Failed)
	setInt(&job.Skipped, p.Skipped)
	setInt(&job.Reviewed, p.Reviewed)
	if p.SkippedDetails != nil {
		job.SkippedDetails = p.SkippedDetails
	}
	if p.Errors != nil {
		job.Errors = p.Errors
	}
	if p.Message != nil {
		job.Message = *p.Message
	}
	if p.Error != nil {
		job.Error = *p.Error
	}
	return job
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusPending:    {model.JobStatusProcessing, model.JobStatusFailed},
	model.JobStatusProcessing: {model.JobStatusImporting, model.JobStatusCompleted, model.JobStatusFailed},
	model.JobStatusImporting:  {model.JobStatusCompleted, model.JobStatusFailed},
}

func checkTransition(from, to model.JobStatus) error {
	if !to.Valid() {
		return eris.Wrapf(ErrTransition, "unknown status %q", to)
	}
	if from.Terminal() {
		return eris.Wrapf(ErrTransition, "job is already %s", from)
	}
	if from == to {
		return nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return eris.Wrapf(ErrTransition, "%s -> %s", from, to)
}

func checkInvariants(j *model.ImportJob) error {
	for _, v := range []int{j.Processed, j.Accepted, j.Committed, j.Success, j.Failed, j.Skipped, j.Reviewed} {
		if v < 0 {
			return eris.Wrap(ErrInvariant, "negative counter")
		}
	}
	switch {
	case j.Processed > j.Total:
		return eris.Wrapf(ErrInvariant, "processed %d > total %d", j.Processed, j.Total)
	case j.Success+j.Failed+j.Skipped > j.Processed:
		return eris.Wrapf(ErrInvariant, "success+failed+skipped %d > processed %d",
			j.Success+j.Failed+j.Skipped, j.Processed)
	case j.Accepted > j.Processed:
		return eris.Wrapf(ErrInvariant, "accepted %d > processed %d", j.Accepted, j.Processed)
	case j.Committed > j.Accepted:
		return eris.Wrapf(ErrInvariant, "committed %d > accepted %d", j.Committed, j.Accepted)
	}
	return nil
}

func progress(j *model.ImportJob) int {
	switch j.Status {
	case model.JobStatusCompleted:
		return 100
	case model.JobStatusProcessing:
		return percent(j.Processed, j.Total)
	case model.JobStatusImporting:
		return percent(j.Committed, j.Accepted)
	}
	// pending and failed keep the last reported value.
	return j.Progress
}

func percent(n, d int) int {
	if d == 0 {
		return 100
	}
	return int(math.Round(float64(n) / float64(d) * 100))
}
