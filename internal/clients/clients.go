// Package clients writes client records and review-queue entries. The same
// path serves spreadsheet imports and the single-add form.
package clients

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/phone"
	"github.com/sells-group/clientbook/internal/resilience"
	"github.com/sells-group/clientbook/internal/store"
)

// ErrNoValidPhone is returned by Add when the phone field holds no
// recognizable number. The record has been queued for review by then.
var ErrNoValidPhone = eris.New("clients: no valid phone numbers")

// Store is the persistence the service needs.
type Store interface {
	CreateClient(ctx context.Context, c *model.Client) error
	ListClients(ctx context.Context, filter store.ClientFilter) ([]model.Client, error)
	UpdateClientPhone(ctx context.Context, id, phoneNumber string) error
	CreateReviewEntry(ctx context.Context, e *model.ReviewEntry) error
}

// Input is a client as submitted, before phone normalization.
type Input struct {
	Name        string
	PhoneNumber string
	DateOfBirth time.Time
	BirthMonth  int
	BirthDay    int
	Branch      string
}

// Service adds clients and review entries.
type Service struct {
	store Store
	retry resilience.RetryConfig
}

// Option configures a Service.
type Option func(*Service)

// WithRetry overrides the retry policy for store writes.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// NewService creates a Service backed by st.
func NewService(st Store, opts ...Option) *Service {
	s := &Service{store: st, retry: resilience.DefaultRetryConfig()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add normalizes the phone field and persists a client. Rejected fragments
// are queued for review under source; when nothing valid remains the client
// is not created and ErrNoValidPhone is returned.
func (s *Service) Add(ctx context.Context, in Input, source model.ReviewSource) (string, error) {
	name := strings.TrimSpace(in.Name)
	branch := strings.TrimSpace(in.Branch)
	if name == "" {
		return "", eris.New("clients: name is required")
	}
	if branch == "" {
		return "", eris.New("clients: branch is required")
	}

	month, day := in.BirthMonth, in.BirthDay
	if month == 0 {
		month = int(in.DateOfBirth.Month())
	}
	if day == 0 {
		day = in.DateOfBirth.Day()
	}

	parsed := phone.ParseAll(in.PhoneNumber)
	if parsed.HasRejected() {
		dob := in.DateOfBirth
		entry := &model.ReviewEntry{
			Name:             name,
			PhoneNumber:      strings.TrimSpace(in.PhoneNumber),
			InvalidFragments: parsed.Rejected,
			DateOfBirth:      &dob,
			BirthMonth:       month,
			BirthDay:         day,
			Branch:           branch,
			Reason:           "unrecognized phone number format: " + strings.Join(parsed.Rejected, phone.StorageSeparator),
			Source:           source,
		}
		if _, err := s.AddReview(ctx, entry); err != nil {
			return "", err
		}
	}
	if len(parsed.Numbers) == 0 {
		return "", ErrNoValidPhone
	}

	c := &model.Client{
		Name:        name,
		PhoneNumber: parsed.Storage(),
		DateOfBirth: in.DateOfBirth,
		BirthMonth:  month,
		BirthDay:    day,
		Branch:      branch,
	}
	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger("create_client", zap.String("branch", branch))
	cfg.ShouldRetry = resilience.IsRetryableInsert
	if err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return s.store.CreateClient(ctx, c)
	}); err != nil {
		return "", eris.Wrapf(err, "clients: add %q", name)
	}
	return c.ID, nil
}

// AddReview persists a review-queue entry and returns its ID.
func (s *Service) AddReview(ctx context.Context, e *model.ReviewEntry) (string, error) {
	e.Name = strings.TrimSpace(e.Name)
	e.Branch = strings.TrimSpace(e.Branch)
	if e.Source == "" {
		e.Source = model.ReviewSourceExcel
	}
	if e.Reason == "" {
		e.Reason = "unrecognized phone number format"
	}

	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger("create_review_entry")
	cfg.ShouldRetry = resilience.IsRetryableInsert
	if err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return s.store.CreateReviewEntry(ctx, e)
	}); err != nil {
		return "", eris.Wrapf(err, "clients: queue review for %q", e.Name)
	}

	zap.L().Info("queued client for review",
		zap.String("review_id", e.ID),
		zap.String("branch", e.Branch),
		zap.String("source", string(e.Source)),
		zap.Strings("invalid_fragments", e.InvalidFragments),
	)
	return e.ID, nil
}
