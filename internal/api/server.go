// Package api exposes the import pipeline over HTTP: uploads, job polling
// and the lookups the upload screen needs.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/clientbook/internal/importer"
	"github.com/sells-group/clientbook/internal/ledger"
	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/rowsource"
	"github.com/sells-group/clientbook/internal/store"
)

// JobLedger is the part of the job ledger the handlers use.
type JobLedger interface {
	Create(ctx context.Context, fileName string, payload *model.JobPayload) (*model.ImportJob, error)
	Get(ctx context.Context, jobID string) (*model.ImportJob, error)
	List(ctx context.Context, filter store.JobFilter) ([]model.ImportJob, error)
	Payload(ctx context.Context, jobID string) (*model.JobPayload, error)
	Update(ctx context.Context, jobID string, p ledger.Patch) (*model.ImportJob, error)
}

// Submitter hands a job to the background runner.
type Submitter interface {
	Submit(t importer.Task) error
}

// DuplicateFinder looks up an existing client sharing a phone number.
type DuplicateFinder interface {
	Find(ctx context.Context, rawPhone, branch, excludeID string) (*model.Client, error)
}

// BranchLister lists known branches.
type BranchLister interface {
	ListBranches(ctx context.Context) ([]model.Branch, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Ledger     JobLedger
	Runner     Submitter
	Duplicates DuplicateFinder
	Branches   BranchLister
	// Ping reports backing store health. Optional.
	Ping func(ctx context.Context) error
}

// Options tune request handling.
type Options struct {
	MaxUploadBytes int64
	UploadRPS      float64
	UploadBurst    int
	CORSOrigins    []string
}

// Server holds the HTTP handlers.
type Server struct {
	deps    Deps
	opts    Options
	limiter *rate.Limiter
}

// New creates a Server.
func New(deps Deps, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = rowsource.DefaultMaxBytes
	}
	s := &Server{deps: deps, opts: opts}
	if opts.UploadRPS > 0 {
		burst := opts.UploadBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.UploadRPS), burst)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.rateLimit).Post("/uploads", s.handleUpload)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{jobID}", s.handleGetJob)
		r.Post("/{jobID}/process", s.handleProcessJob)
	})

	r.Get("/clients/duplicate", s.handleDuplicate)
	r.Get("/branches", s.handleBranches)
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			rejectUpload(w, http.StatusTooManyRequests, "rate_limited", "too many uploads; try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		if err := s.deps.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
