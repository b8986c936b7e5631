package importer

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/clientbook/internal/ledger"
	"github.com/sells-group/clientbook/internal/metrics"
	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/store"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = eris.New("importer: job queue is full")
	// ErrAlreadyQueued is returned by Submit for a job that is queued or running.
	ErrAlreadyQueued = eris.New("importer: job already queued")
)

const (
	staleJobError  = "interrupted before completion; re-upload the file"
	noPayloadError = "no stored rows for this job; re-upload the file"
)

// Task is one job waiting to run.
type Task struct {
	JobID         string
	Rows          []model.RawRow
	DefaultBranch string
}

// JobRunner runs a single job to completion.
type JobRunner interface {
	Run(ctx context.Context, jobID string, rows []model.RawRow, defaultBranch string) (Summary, error)
}

// RecoveryLedger is what Recover reads and patches.
type RecoveryLedger interface {
	List(ctx context.Context, filter store.JobFilter) ([]model.ImportJob, error)
	Payload(ctx context.Context, jobID string) (*model.JobPayload, error)
	Update(ctx context.Context, jobID string, p ledger.Patch) (*model.ImportJob, error)
}

// Runner executes jobs on a fixed set of workers, detached from the request
// that submitted them.
type Runner struct {
	jobs    JobRunner
	ledger  RecoveryLedger
	workers int
	queue   chan Task

	mu     sync.Mutex
	active map[string]struct{}

	group *errgroup.Group
}

// NewRunner creates a Runner with the given worker count and queue capacity.
func NewRunner(jobs JobRunner, led RecoveryLedger, workers, queueSize int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Runner{
		jobs:    jobs,
		ledger:  led,
		workers: workers,
		queue:   make(chan Task, queueSize),
		active:  make(map[string]struct{}),
	}
}

// Submit queues t without blocking.
func (r *Runner) Submit(t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[t.JobID]; ok {
		return eris.Wrapf(ErrAlreadyQueued, "job %s", t.JobID)
	}
	select {
	case r.queue <- t:
		r.active[t.JobID] = struct{}{}
		metrics.JobsQueued.Inc()
		return nil
	default:
		return eris.Wrapf(ErrQueueFull, "job %s", t.JobID)
	}
}

// Start launches the workers. They stop when ctx is cancelled; a job running
// at that moment is failed by the orchestrator and queued jobs stay pending.
func (r *Runner) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		worker := i
		g.Go(func() error {
			r.work(gctx, worker)
			return nil
		})
	}
	r.group = g
	zap.L().Info("import runner started", zap.Int("workers", r.workers), zap.Int("queue_size", cap(r.queue)))
}

// Wait blocks until every worker has returned.
func (r *Runner) Wait() error {
	if r.group == nil {
		return nil
	}
	return r.group.Wait()
}

func (r *Runner) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.queue:
			metrics.JobsQueued.Dec()
			r.run(ctx, worker, t)
		}
	}
}

func (r *Runner) run(ctx context.Context, worker int, t Task) {
	defer func() {
		r.mu.Lock()
		delete(r.active, t.JobID)
		r.mu.Unlock()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("import job panicked", zap.String("job_id", t.JobID), zap.Any("panic", rec))
		}
	}()

	summary, err := r.jobs.Run(ctx, t.JobID, t.Rows, t.DefaultBranch)
	if err != nil {
		zap.L().Error("import job did not complete",
			zap.String("job_id", t.JobID), zap.Int("worker", worker), zap.Error(err))
		return
	}
	zap.L().Debug("import job finished",
		zap.String("job_id", t.JobID),
		zap.Int("worker", worker),
		zap.Int("imported", summary.Imported),
	)
}

// Recover reconciles jobs left behind by a previous process. Jobs caught in
// processing or importing are marked failed. Pending jobs are queued again
// from their stored rows, or failed when no rows were kept. It returns how
// many jobs were queued and how many were failed.
func (r *Runner) Recover(ctx context.Context) (queued, failed int, err error) {
	for _, status := range []model.JobStatus{model.JobStatusProcessing, model.JobStatusImporting} {
		stale, err := r.ledger.List(ctx, store.JobFilter{Status: status, Limit: 1000})
		if err != nil {
			return queued, failed, eris.Wrap(err, "importer: recover: list stale jobs")
		}
		for _, j := range stale {
			if r.markFailed(ctx, j.ID, staleJobError) {
				failed++
			}
		}
	}

	pending, err := r.ledger.List(ctx, store.JobFilter{Status: model.JobStatusPending, Limit: 1000})
	if err != nil {
		return queued, failed, eris.Wrap(err, "importer: recover: list pending jobs")
	}
	// Oldest first, so jobs restart in upload order.
	for i := len(pending) - 1; i >= 0; i-- {
		j := pending[i]
		payload, err := r.ledger.Payload(ctx, j.ID)
		if err != nil || payload == nil {
			if err != nil {
				zap.L().Warn("recover: payload unreadable", zap.String("job_id", j.ID), zap.Error(err))
			}
			if r.markFailed(ctx, j.ID, noPayloadError) {
				failed++
			}
			continue
		}
		if err := r.Submit(Task{JobID: j.ID, Rows: payload.Rows, DefaultBranch: payload.DefaultBranch}); err != nil {
			// Left pending; the next start or a process request picks it up.
			zap.L().Warn("recover: could not queue job", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		queued++
	}

	if queued+failed > 0 {
		zap.L().Info("recovered import jobs", zap.Int("queued", queued), zap.Int("failed", failed))
	}
	return queued, failed, nil
}

func (r *Runner) markFailed(ctx context.Context, jobID, reason string) bool {
	_, err := r.ledger.Update(ctx, jobID, ledger.Patch{
		Status: ledger.Ptr(model.JobStatusFailed),
		Error:  ledger.Ptr(reason),
	})
	if err != nil {
		zap.L().Error("recover: could not fail job", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	metrics.JobsFinished.WithLabelValues(string(model.JobStatusFailed)).Inc()
	return true
}
