package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clientbook/internal/dedupe"
	"github.com/sells-group/clientbook/internal/importer"
	"github.com/sells-group/clientbook/internal/ledger"
	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/store"
)

type fakeRunner struct {
	mu    sync.Mutex
	tasks []importer.Task
	err   error
}

func (f *fakeRunner) Submit(t importer.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

type testEnv struct {
	store  *store.SQLiteStore
	ledger *ledger.Ledger
	runner *fakeRunner
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"), store.DefaultTables())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	env := &testEnv{store: s, ledger: ledger.New(s), runner: &fakeRunner{}}
	api := New(Deps{
		Ledger:     env.ledger,
		Runner:     env.runner,
		Duplicates: dedupe.New(s),
		Branches:   s,
	}, opts)
	env.srv = httptest.NewServer(api.Routes())
	t.Cleanup(env.srv.Close)
	return env
}

func multipartBody(t *testing.T, fileName string, content []byte, branch string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	if branch != "" {
		require.NoError(t, mw.WriteField("defaultBranch", branch))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, fileName string, content []byte, branch string) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, fileName, content, branch)
	resp, err := http.Post(e.srv.URL+"/uploads", ct, body)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

const sampleCSV = "Name,Phone,DOB\nJane,0700111222,1990-05-01\nJohn,0700333444,1985-12-24\n"

func TestUpload_Accepted(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp := env.upload(t, "clients.csv", []byte(sampleCSV), " Main ")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got := decodeBody[uploadResponse](t, resp)
	assert.True(t, got.Success)
	assert.Equal(t, 2, got.TotalRows)
	assert.Equal(t, uploadAccepted, got.Message)
	require.NotEmpty(t, got.JobID)

	require.Len(t, env.runner.tasks, 1)
	task := env.runner.tasks[0]
	assert.Equal(t, got.JobID, task.JobID)
	assert.Equal(t, "Main", task.DefaultBranch)
	assert.Len(t, task.Rows, 2)

	job, err := env.ledger.Get(context.Background(), got.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 2, job.Total)
	assert.Equal(t, "clients.csv", job.FileName)

	payload, err := env.ledger.Payload(context.Background(), got.JobID)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "Main", payload.DefaultBranch)
	assert.Len(t, payload.Rows, 2)
}

func TestUpload_Rejections(t *testing.T) {
	env := newTestEnv(t, Options{MaxUploadBytes: 64})

	tests := []struct {
		name     string
		file     string
		content  []byte
		wantBody string
	}{
		{name: "no file", wantBody: "no file provided"},
		{name: "wrong type", file: "clients.pdf", content: []byte("x"), wantBody: "invalid file type"},
		{name: "empty sheet", file: "clients.csv", content: []byte("Name,Phone\n"), wantBody: "spreadsheet is empty"},
		{name: "too large", file: "clients.csv", content: bytes.Repeat([]byte("a"), 100), wantBody: "file size exceeds limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.upload(t, tt.file, tt.content, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeBody[errorBody](t, resp)
			assert.Contains(t, body.Error, tt.wantBody)
		})
	}

	assert.Empty(t, env.runner.tasks)
	jobs, err := env.ledger.List(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "no job is created for a rejected upload")
}

func TestUpload_QueueFullMarksJobFailed(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.runner.err = importer.ErrQueueFull

	resp := env.upload(t, "clients.csv", []byte(sampleCSV), "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	jobs, err := env.ledger.List(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusFailed, jobs[0].Status)
	assert.Equal(t, queueFullError, jobs[0].Error)
}

func TestUpload_RateLimited(t *testing.T) {
	env := newTestEnv(t, Options{UploadRPS: 0.001, UploadBurst: 1})

	first := env.upload(t, "clients.csv", []byte(sampleCSV), "")
	assert.Equal(t, http.StatusAccepted, first.StatusCode)

	second := env.upload(t, "clients.csv", []byte(sampleCSV), "")
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t, Options{})
	job, err := env.ledger.Create(context.Background(), "a.csv", &model.JobPayload{Rows: []model.RawRow{{"Name": "x"}}})
	require.NoError(t, err)

	resp, err := http.Get(env.srv.URL + "/jobs/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeBody[model.ImportJob](t, resp)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.Total)

	missing, err := http.Get(env.srv.URL + "/jobs/job_nope")
	require.NoError(t, err)
	defer missing.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	a, err := env.ledger.Create(ctx, "a.csv", &model.JobPayload{Rows: []model.RawRow{{"Name": "x"}}})
	require.NoError(t, err)
	_, err = env.ledger.Create(ctx, "b.csv", &model.JobPayload{Rows: []model.RawRow{{"Name": "y"}}})
	require.NoError(t, err)
	_, err = env.ledger.Update(ctx, a.ID, ledger.Patch{Status: ledger.Ptr(model.JobStatusFailed), Error: ledger.Ptr("boom")})
	require.NoError(t, err)

	resp, err := http.Get(env.srv.URL + "/jobs?status=failed")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[struct {
		Jobs []model.ImportJob `json:"jobs"`
	}](t, resp)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, a.ID, got.Jobs[0].ID)

	bad, err := http.Get(env.srv.URL + "/jobs?status=bogus")
	require.NoError(t, err)
	defer bad.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestProcessJob(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	rows := []model.RawRow{{"Name": "Jane", "Phone": "0700111222", "DOB": "1990-05-01"}}
	job, err := env.ledger.Create(ctx, "a.csv", &model.JobPayload{Rows: rows, DefaultBranch: "Main"})
	require.NoError(t, err)

	post := func(id string) *http.Response {
		resp, err := http.Post(env.srv.URL+"/jobs/"+id+"/process", "application/json", nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := post(job.ID)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, env.runner.tasks, 1)
	assert.Equal(t, "Main", env.runner.tasks[0].DefaultBranch)
	assert.Equal(t, "Jane", env.runner.tasks[0].Rows[0]["Name"])

	env.runner.err = importer.ErrAlreadyQueued
	resp = post(job.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.runner.err = nil
	_, err = env.ledger.Update(ctx, job.ID, ledger.Patch{Status: ledger.Ptr(model.JobStatusProcessing)})
	require.NoError(t, err)
	resp = post(job.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[processResponse](t, resp)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
	assert.Len(t, env.runner.tasks, 1)

	assert.Equal(t, http.StatusNotFound, post("job_missing").StatusCode)
}

func TestProcessJob_NoPayload(t *testing.T) {
	env := newTestEnv(t, Options{})
	job, err := env.ledger.Create(context.Background(), "a.csv", nil)
	require.NoError(t, err)

	resp, err := http.Post(env.srv.URL+"/jobs/"+job.ID+"/process", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDuplicateAndBranches(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	_, err := env.store.CreateBranch(ctx, "Main")
	require.NoError(t, err)
	require.NoError(t, env.store.CreateClient(ctx, &model.Client{
		Name: "Jane", PhoneNumber: "+254700111222", Branch: "Main", BirthMonth: 5, BirthDay: 1,
	}))

	resp, err := http.Get(env.srv.URL + "/clients/duplicate?phone=0700111222&branch=Main")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dup := decodeBody[duplicateResponse](t, resp)
	assert.True(t, dup.Duplicate)
	require.NotNil(t, dup.Client)
	assert.Equal(t, "Jane", dup.Client.Name)

	resp2, err := http.Get(env.srv.URL + "/clients/duplicate?phone=0799999999&branch=Main")
	require.NoError(t, err)
	defer resp2.Body.Close() //nolint:errcheck
	assert.False(t, decodeBody[duplicateResponse](t, resp2).Duplicate)

	resp3, err := http.Get(env.srv.URL + "/clients/duplicate")
	require.NoError(t, err)
	defer resp3.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)

	resp4, err := http.Get(env.srv.URL + "/branches")
	require.NoError(t, err)
	defer resp4.Body.Close() //nolint:errcheck
	branches := decodeBody[struct {
		Branches []model.Branch `json:"branches"`
	}](t, resp4)
	require.Len(t, branches.Branches, 1)
	assert.Equal(t, "Main", branches.Branches[0].Name)
}

func TestHealth(t *testing.T) {
	ok := New(Deps{Ping: func(context.Context) error { return nil }}, Options{})
	rec := httptest.NewRecorder()
	ok.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	down := New(Deps{Ping: func(context.Context) error { return errors.New("db gone") }}, Options{})
	rec = httptest.NewRecorder()
	down.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db gone")
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(Deps{}, Options{})
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
