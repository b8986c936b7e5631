// Package importer turns decoded spreadsheet rows into client records.
//
// A job runs in two passes. The first classifies every row and queues review
// entries as they are found. The second writes the accepted clients one by
// one. Both passes report counters to the job ledger as they go.
package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clientbook/internal/clients"
	"github.com/sells-group/clientbook/internal/ledger"
	"github.com/sells-group/clientbook/internal/metrics"
	"github.com/sells-group/clientbook/internal/model"
)

// DefaultProgressInterval is how many rows pass between ledger updates.
const DefaultProgressInterval = 10

// ClientWriter persists accepted clients and review entries.
type ClientWriter interface {
	Add(ctx context.Context, in clients.Input, source model.ReviewSource) (string, error)
	AddReview(ctx context.Context, e *model.ReviewEntry) (string, error)
}

// JobLedger receives progress patches.
type JobLedger interface {
	Update(ctx context.Context, jobID string, p ledger.Patch) (*model.ImportJob, error)
}

// Summary is the result of a completed run.
type Summary struct {
	Success  bool `json:"success"`
	Imported int  `json:"imported"`
	Failed   int  `json:"failed"`
	Skipped  int  `json:"skipped"`
}

// Orchestrator runs import jobs.
type Orchestrator struct {
	classifier       *Classifier
	writer           ClientWriter
	ledger           JobLedger
	progressInterval int
}

// NewOrchestrator creates an Orchestrator. A non-positive interval uses
// DefaultProgressInterval.
func NewOrchestrator(classifier *Classifier, writer ClientWriter, led JobLedger, progressInterval int) *Orchestrator {
	if progressInterval <= 0 {
		progressInterval = DefaultProgressInterval
	}
	return &Orchestrator{
		classifier:       classifier,
		writer:           writer,
		ledger:           led,
		progressInterval: progressInterval,
	}
}

// tally holds the running counters of one job.
type tally struct {
	processed int
	accepted  []*model.Client
	committed int
	success   int
	failed    int
	skipped   int
	reviewed  int
	details   []model.SkipDetail
	errs      []string
}

func (t *tally) classifyPatch() ledger.Patch {
	return ledger.Patch{
		Processed: ledger.Ptr(t.processed),
		Accepted:  ledger.Ptr(len(t.accepted)),
		Failed:    ledger.Ptr(t.failed),
		Skipped:   ledger.Ptr(t.skipped),
		Reviewed:  ledger.Ptr(t.reviewed),
	}
}

func (t *tally) commitPatch() ledger.Patch {
	return ledger.Patch{
		Committed: ledger.Ptr(t.committed),
		Success:   ledger.Ptr(t.success),
		Failed:    ledger.Ptr(t.failed),
	}
}

// Run imports rows into the job jobID, which must be pending. Row-level
// problems are counted; an error is returned only when the job itself could
// not finish, in which case it has been marked failed.
func (o *Orchestrator) Run(ctx context.Context, jobID string, rows []model.RawRow, defaultBranch string) (Summary, error) {
	started := time.Now()
	log := zap.L().With(zap.String("job_id", jobID))

	if _, err := o.ledger.Update(ctx, jobID, ledger.Patch{
		ExpectStatus: ledger.Ptr(model.JobStatusPending),
		Status:       ledger.Ptr(model.JobStatusProcessing),
	}); err != nil {
		// The job belongs to another run or is already finished; leave it be.
		return Summary{}, eris.Wrapf(err, "importer: start job %s", jobID)
	}
	log.Info("import started", zap.Int("rows", len(rows)), zap.String("default_branch", defaultBranch))

	t := &tally{}
	batch := NewBatch()
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, jobID, t, started, err)
		}

		d, err := o.classifyRow(ctx, row, defaultBranch, batch, i)
		if err != nil {
			t.failed++
			t.errs = append(t.errs, fmt.Sprintf("row %d: %v", i+2, err))
			metrics.RowsClassified.WithLabelValues("failed").Inc()
			log.Error("row classification failed", zap.Int("row", i+2), zap.Error(err))
		} else {
			o.record(ctx, log, t, d)
		}
		t.processed++

		if (i+1)%o.progressInterval == 0 || i == len(rows)-1 {
			if _, err := o.ledger.Update(ctx, jobID, t.classifyPatch()); err != nil {
				return o.abort(ctx, jobID, t, started, err)
			}
		}
	}

	if _, err := o.ledger.Update(ctx, jobID, ledger.Patch{
		SkippedDetails: nonNilDetails(t.details),
		Errors:         nonNilErrors(t.errs),
	}); err != nil {
		return o.abort(ctx, jobID, t, started, err)
	}

	if len(t.accepted) == 0 {
		msg := fmt.Sprintf("No valid clients to import. All %d row(s) were skipped.", len(rows))
		if _, err := o.ledger.Update(ctx, jobID, ledger.Patch{
			Status:  ledger.Ptr(model.JobStatusCompleted),
			Message: ledger.Ptr(msg),
		}); err != nil {
			return o.abort(ctx, jobID, t, started, err)
		}
		metrics.ObserveJob(string(model.JobStatusCompleted), started)
		log.Info("import completed", zap.String("message", msg))
		return Summary{Success: true, Failed: t.failed, Skipped: t.skipped}, nil
	}

	if _, err := o.ledger.Update(ctx, jobID, ledger.Patch{Status: ledger.Ptr(model.JobStatusImporting)}); err != nil {
		return o.abort(ctx, jobID, t, started, err)
	}

	for i, c := range t.accepted {
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, jobID, t, started, err)
		}

		if err := o.writeClient(ctx, c); err != nil {
			t.failed++
			t.errs = append(t.errs, fmt.Sprintf("client %q: %v", c.Name, err))
			metrics.ClientsWritten.WithLabelValues("error").Inc()
			log.Error("client write failed", zap.String("branch", c.Branch), zap.Error(err))
		} else {
			t.success++
			metrics.ClientsWritten.WithLabelValues("ok").Inc()
		}
		t.committed++

		if (i+1)%o.progressInterval == 0 || i == len(t.accepted)-1 {
			if _, err := o.ledger.Update(ctx, jobID, t.commitPatch()); err != nil {
				return o.abort(ctx, jobID, t, started, err)
			}
		}
	}

	msg := fmt.Sprintf("Successfully imported %d client(s). %d failed. %d skipped.", t.success, t.failed, t.skipped)
	final := t.commitPatch()
	final.Status = ledger.Ptr(model.JobStatusCompleted)
	final.Message = ledger.Ptr(msg)
	final.Errors = nonNilErrors(t.errs)
	if _, err := o.ledger.Update(ctx, jobID, final); err != nil {
		return o.abort(ctx, jobID, t, started, err)
	}

	metrics.ObserveJob(string(model.JobStatusCompleted), started)
	log.Info("import completed",
		zap.Int("imported", t.success),
		zap.Int("failed", t.failed),
		zap.Int("skipped", t.skipped),
		zap.Int("reviewed", t.reviewed),
		zap.Duration("elapsed", time.Since(started)),
	)
	return Summary{Success: true, Imported: t.success, Failed: t.failed, Skipped: t.skipped}, nil
}

// record applies a decision to the tally, writing review entries.
func (o *Orchestrator) record(ctx context.Context, log *zap.Logger, t *tally, d Decision) {
	switch d.Outcome {
	case OutcomeAccept:
		t.accepted = append(t.accepted, d.Client)
		if d.Review != nil {
			if _, err := o.writer.AddReview(ctx, d.Review); err != nil {
				t.errs = append(t.errs, fmt.Sprintf("row %d: queue review: %v", d.Row, err))
				log.Error("review entry write failed", zap.Int("row", d.Row), zap.Error(err))
			} else {
				t.reviewed++
			}
		}

	case OutcomeReview:
		if _, err := o.writer.AddReview(ctx, d.Review); err != nil {
			t.failed++
			t.errs = append(t.errs, fmt.Sprintf("row %d: queue review: %v", d.Row, err))
			log.Error("review entry write failed", zap.Int("row", d.Row), zap.Error(err))
			metrics.RowsClassified.WithLabelValues("failed").Inc()
			return
		}
		t.reviewed++
		t.skipped++
		d.Reason += " (saved for review)"
		t.details = append(t.details, d.SkipDetail())

	case OutcomeSkip:
		t.skipped++
		t.details = append(t.details, d.SkipDetail())
	}
	metrics.RowsClassified.WithLabelValues(d.Outcome.String()).Inc()
}

func (o *Orchestrator) classifyRow(ctx context.Context, row model.RawRow, defaultBranch string, batch *Batch, index int) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("importer: panic classifying row %d: %v", index+2, r)
		}
	}()
	return o.classifier.Classify(ctx, row, defaultBranch, batch, index)
}

func (o *Orchestrator) writeClient(ctx context.Context, c *model.Client) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("importer: panic writing client: %v", r)
		}
	}()
	_, err = o.writer.Add(ctx, clients.Input{
		Name:        c.Name,
		PhoneNumber: c.PhoneNumber,
		DateOfBirth: c.DateOfBirth,
		BirthMonth:  c.BirthMonth,
		BirthDay:    c.BirthDay,
		Branch:      c.Branch,
	}, model.ReviewSourceExcel)
	return err
}

// abort marks the job failed and returns cause. The failure is written even
// when ctx has been cancelled.
func (o *Orchestrator) abort(ctx context.Context, jobID string, t *tally, started time.Time, cause error) (Summary, error) {
	msg := cause.Error()
	if ctxErr := ctx.Err(); ctxErr != nil {
		msg = "import interrupted: " + ctxErr.Error()
	}

	p := ledger.Patch{
		Status:         ledger.Ptr(model.JobStatusFailed),
		Error:          ledger.Ptr(msg),
		SkippedDetails: nonNilDetails(t.details),
		Errors:         nonNilErrors(t.errs),
	}
	if _, err := o.ledger.Update(context.WithoutCancel(ctx), jobID, p); err != nil {
		zap.L().Error("could not mark job failed",
			zap.String("job_id", jobID), zap.NamedError("cause", cause), zap.Error(err))
	}
	metrics.ObserveJob(string(model.JobStatusFailed), started)
	zap.L().Error("import failed", zap.String("job_id", jobID), zap.String("error", msg))
	return Summary{Imported: t.success, Failed: t.failed, Skipped: t.skipped}, eris.Wrapf(cause, "importer: job %s", jobID)
}

func nonNilDetails(d []model.SkipDetail) []model.SkipDetail {
	if d == nil {
		return []model.SkipDetail{}
	}
	return d
}

func nonNilErrors(e []string) []string {
	if e == nil {
		return []string{}
	}
	return e
}
