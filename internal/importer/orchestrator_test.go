package importer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clientbook/internal/clients"
	"github.com/sells-group/clientbook/internal/dedupe"
	"github.com/sells-group/clientbook/internal/ledger"
	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/store"
)

type harness struct {
	store  *store.SQLiteStore
	ledger *ledger.Ledger
	svc    *clients.Service
	orch   *Orchestrator
}

func newHarness(t *testing.T, branches ...string) *harness {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"), store.DefaultTables())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	for _, b := range branches {
		_, err := s.CreateBranch(ctx, b)
		require.NoError(t, err)
	}

	h := &harness{store: s, ledger: ledger.New(s), svc: clients.NewService(s)}
	h.orch = NewOrchestrator(NewClassifier(s, dedupe.New(s), fixedNow), h.svc, h.ledger, 0)
	return h
}

func (h *harness) run(t *testing.T, rows []model.RawRow, defaultBranch string) (*model.ImportJob, Summary, error) {
	t.Helper()
	ctx := context.Background()
	job, err := h.ledger.Create(ctx, "clients.xlsx", &model.JobPayload{Rows: rows, DefaultBranch: defaultBranch})
	require.NoError(t, err)

	sum, runErr := h.orch.Run(ctx, job.ID, rows, defaultBranch)
	final, err := h.ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	return final, sum, runErr
}

func TestOrchestrator_ThreeRowScenario(t *testing.T) {
	h := newHarness(t, "Main")
	rows := []model.RawRow{
		row("Jane", "0700111222", "1990-05-01", "Main"),
		row("John", "", "1985-02-02", "Main"),
		row("Janet", "0700111222", "1992-07-07", "Main"),
	}

	job, sum, err := h.run(t, rows, "")
	require.NoError(t, err)
	assert.Equal(t, Summary{Success: true, Imported: 1, Failed: 0, Skipped: 2}, sum)

	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, 3, job.Processed)
	assert.Equal(t, 1, job.Success)
	assert.Equal(t, 2, job.Skipped)
	assert.Equal(t, 0, job.Failed)
	assert.Equal(t, "Successfully imported 1 client(s). 0 failed. 2 skipped.", job.Message)

	require.Len(t, job.SkippedDetails, 2)
	assert.Equal(t, 3, job.SkippedDetails[0].Row)
	assert.Equal(t, "missing phone number", job.SkippedDetails[0].Reason)
	assert.Equal(t, 4, job.SkippedDetails[1].Row)
	assert.Contains(t, job.SkippedDetails[1].Reason, "duplicate within file")

	stored, err := h.store.ListClients(context.Background(), store.ClientFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Jane", stored[0].Name)
}

func TestOrchestrator_PartialPhoneCreatesClientAndReview(t *testing.T) {
	h := newHarness(t, "Main")

	job, sum, err := h.run(t, []model.RawRow{row("Jane", "0700111222 / notanumber", "1990-05-01", "Main")}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Imported)
	assert.Equal(t, 1, job.Reviewed)
	assert.Empty(t, job.SkippedDetails)

	stored, err := h.store.ListClients(context.Background(), store.ClientFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "0700111222", stored[0].PhoneNumber)

	reviews, err := h.store.ListReviewEntries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, []string{"notanumber"}, reviews[0].InvalidFragments)
	assert.Equal(t, model.ReviewSourceExcel, reviews[0].Source)
}

func TestOrchestrator_ReviewRowIsSkippedAndQueued(t *testing.T) {
	h := newHarness(t, "Main")

	job, sum, err := h.run(t, []model.RawRow{row("Jane", "12345", "1990-05-01", "")}, "Main")
	require.NoError(t, err)
	assert.Equal(t, Summary{Success: true, Skipped: 1}, sum)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, "No valid clients to import. All 1 row(s) were skipped.", job.Message)
	assert.Equal(t, 1, job.Reviewed)
	require.Len(t, job.SkippedDetails, 1)
	assert.Contains(t, job.SkippedDetails[0].Reason, "saved for review")

	reviews, err := h.store.ListReviewEntries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "Main", reviews[0].Branch)

	stored, err := h.store.ListClients(context.Background(), store.ClientFilter{})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestOrchestrator_AllSkipped(t *testing.T) {
	h := newHarness(t, "Main")
	rows := []model.RawRow{
		row("", "0700111222", "1990-05-01", "Main"),
		row("Jane", "0700111222", "1990-05-01", "Karen"),
	}

	job, _, err := h.run(t, rows, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, "No valid clients to import. All 2 row(s) were skipped.", job.Message)
	assert.Equal(t, 2, job.Skipped)
	assert.Equal(t, 0, job.Accepted)
}

func TestOrchestrator_StoreDuplicate(t *testing.T) {
	h := newHarness(t, "Main")
	_, err := h.svc.Add(context.Background(), clients.Input{Name: "Existing", PhoneNumber: "0700111222", Branch: "Main"}, model.ReviewSourceForm)
	require.NoError(t, err)

	job, _, err := h.run(t, []model.RawRow{row("Jane", "+254700111222", "1990-05-01", "Main")}, "")
	require.NoError(t, err)
	require.Len(t, job.SkippedDetails, 1)
	assert.Contains(t, job.SkippedDetails[0].Reason, "already exists in database")
}

func TestOrchestrator_EmptyFile(t *testing.T) {
	h := newHarness(t, "Main")

	job, sum, err := h.run(t, nil, "Main")
	require.NoError(t, err)
	assert.True(t, sum.Success)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "No valid clients to import. All 0 row(s) were skipped.", job.Message)
}

// countingLedger records every patch passed through.
type countingLedger struct {
	*ledger.Ledger
	patches []ledger.Patch
}

func (c *countingLedger) Update(ctx context.Context, jobID string, p ledger.Patch) (*model.ImportJob, error) {
	c.patches = append(c.patches, p)
	return c.Ledger.Update(ctx, jobID, p)
}

func TestOrchestrator_ProgressInterval(t *testing.T) {
	h := newHarness(t, "Main")
	cl := &countingLedger{Ledger: h.ledger}
	h.orch = NewOrchestrator(NewClassifier(h.store, dedupe.New(h.store), fixedNow), h.svc, cl, 10)

	var rows []model.RawRow
	for i := 0; i < 25; i++ {
		rows = append(rows, row(fmt.Sprintf("Client %d", i), fmt.Sprintf("07001112%02d", i), "1990-05-01", "Main"))
	}

	job, sum, err := h.run(t, rows, "")
	require.NoError(t, err)
	assert.Equal(t, 25, sum.Imported)
	assert.Equal(t, 25, job.Committed)

	var classifyUpdates, commitUpdates []int
	for _, p := range cl.patches {
		if p.Processed != nil {
			classifyUpdates = append(classifyUpdates, *p.Processed)
		}
		if p.Committed != nil && p.Status == nil {
			commitUpdates = append(commitUpdates, *p.Committed)
		}
	}
	assert.Equal(t, []int{10, 20, 25}, classifyUpdates)
	assert.Equal(t, []int{10, 20, 25}, commitUpdates)
}

// failingWriter fails Add for one client name.
type failingWriter struct {
	*clients.Service
	failName string
}

func (f *failingWriter) Add(ctx context.Context, in clients.Input, src model.ReviewSource) (string, error) {
	if in.Name == f.failName {
		return "", errors.New("UNIQUE constraint failed")
	}
	return f.Service.Add(ctx, in, src)
}

func TestOrchestrator_WriteFailureCounted(t *testing.T) {
	h := newHarness(t, "Main")
	h.orch = NewOrchestrator(NewClassifier(h.store, dedupe.New(h.store), fixedNow),
		&failingWriter{Service: h.svc, failName: "Bob"}, h.ledger, 0)

	rows := []model.RawRow{
		row("Alice", "0700000001", "1990-05-01", "Main"),
		row("Bob", "0700000002", "1990-05-01", "Main"),
		row("", "0700000003", "1990-05-01", "Main"),
	}
	job, sum, err := h.run(t, rows, "")
	require.NoError(t, err)
	assert.Equal(t, Summary{Success: true, Imported: 1, Failed: 1, Skipped: 1}, sum)
	assert.Equal(t, "Successfully imported 1 client(s). 1 failed. 1 skipped.", job.Message)
	require.Len(t, job.Errors, 1)
	assert.Contains(t, job.Errors[0], "Bob")
}

// panickyBranches panics for one branch name.
type panickyBranches struct{ store.Store }

func (p panickyBranches) BranchExists(ctx context.Context, name string) (bool, error) {
	if name == "Boom" {
		panic("validator exploded")
	}
	return p.Store.BranchExists(ctx, name)
}

func TestOrchestrator_RowPanicIsContained(t *testing.T) {
	h := newHarness(t, "Main")
	h.orch = NewOrchestrator(NewClassifier(panickyBranches{h.store}, dedupe.New(h.store), fixedNow), h.svc, h.ledger, 0)

	rows := []model.RawRow{
		row("Alice", "0700000001", "1990-05-01", "Boom"),
		row("Bob", "0700000002", "1990-05-01", "Main"),
	}
	job, sum, err := h.run(t, rows, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Imported)
	assert.Equal(t, 1, job.Failed)
	require.Len(t, job.Errors, 1)
	assert.Contains(t, job.Errors[0], "row 2")
}

// cancellingBranches cancels the run on its first lookup.
type cancellingBranches struct {
	store.Store
	cancel context.CancelFunc
}

func (c cancellingBranches) BranchExists(ctx context.Context, name string) (bool, error) {
	c.cancel()
	return true, nil
}

func TestOrchestrator_CancellationFailsJob(t *testing.T) {
	h := newHarness(t, "Main")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orch = NewOrchestrator(NewClassifier(cancellingBranches{Store: h.store, cancel: cancel}, dedupe.New(h.store), fixedNow), h.svc, h.ledger, 0)

	rows := []model.RawRow{
		row("Alice", "0700000001", "1990-05-01", "Main"),
		row("Bob", "0700000002", "1990-05-01", "Main"),
	}
	job, err := h.ledger.Create(context.Background(), "f.csv", &model.JobPayload{Rows: rows})
	require.NoError(t, err)

	_, err = h.orch.Run(ctx, job.ID, rows, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	final, err := h.ledger.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Equal(t, "import interrupted: context canceled", final.Error)

	stored, err := h.store.ListClients(context.Background(), store.ClientFilter{})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestOrchestrator_SecondRunRefused(t *testing.T) {
	h := newHarness(t, "Main")
	rows := []model.RawRow{row("Jane", "0700111222", "1990-05-01", "Main")}

	job, _, err := h.run(t, rows, "")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, job.Status)

	_, err = h.orch.Run(context.Background(), job.ID, rows, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrTransition))

	after, err := h.ledger.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, after.Status)
	stored, err := h.store.ListClients(context.Background(), store.ClientFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

// Two jobs for the same branch and number do not exclude each other: each
// checks the store before either has written, so both may accept the row.
// Only completion is asserted; how many copies land depends on scheduling.
func TestOrchestrator_ConcurrentJobsSameNumberBothComplete(t *testing.T) {
	h := newHarness(t, "Main")
	ctx := context.Background()
	rows := []model.RawRow{row("Jane", "0700111222", "1990-05-01", "Main")}

	var ids [2]string
	for i := range ids {
		job, err := h.ledger.Create(ctx, fmt.Sprintf("upload-%d.xlsx", i), &model.JobPayload{Rows: rows})
		require.NoError(t, err)
		ids[i] = job.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.orch.Run(ctx, id, rows, "")
		}()
	}
	wg.Wait()

	imported := 0
	for i, id := range ids {
		require.NoError(t, errs[i])
		job, err := h.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		assert.Equal(t, 1, job.Success+job.Failed+job.Skipped)
		imported += job.Success
	}

	stored, err := h.store.ListClients(ctx, store.ClientFilter{Branch: "Main"})
	require.NoError(t, err)
	assert.Equal(t, imported, len(stored))
	assert.GreaterOrEqual(t, imported, 1)
}
