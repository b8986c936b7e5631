package importer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/phone"
)

// BranchValidator reports whether a branch name is known.
type BranchValidator interface {
	BranchExists(ctx context.Context, name string) (bool, error)
}

// DuplicateChecker reports whether a phone field collides with a stored client.
type DuplicateChecker interface {
	IsDuplicate(ctx context.Context, rawPhone, branch, excludeID string) (bool, error)
}

// Outcome is the classification of one row.
type Outcome int

const (
	OutcomeAccept Outcome = iota
	OutcomeSkip
	OutcomeReview
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccept:
		return "accept"
	case OutcomeSkip:
		return "skip"
	case OutcomeReview:
		return "review"
	default:
		return "unknown"
	}
}

// Decision is the classifier's verdict on a row. Client is set for Accept.
// Review is set for Review, and for Accept when some fragments were
// unrecognized. Reason explains Skip and Review.
type Decision struct {
	Outcome  Outcome
	Row      int
	Name     string
	RawPhone string
	Branch   string
	Reason   string
	Client   *model.Client
	Review   *model.ReviewEntry
}

// SkipDetail renders the decision for the job's skip list.
func (d Decision) SkipDetail() model.SkipDetail {
	name := d.Name
	if name == "" {
		name = "N/A"
	}
	return model.SkipDetail{
		Row:         d.Row,
		Name:        name,
		PhoneNumber: d.RawPhone,
		Branch:      d.Branch,
		Reason:      d.Reason,
	}
}

// Batch tracks number+branch keys already taken by earlier rows of one
// upload. It is not safe for concurrent use.
type Batch struct {
	seen map[string]struct{}
}

// NewBatch returns an empty Batch.
func NewBatch() *Batch {
	return &Batch{seen: make(map[string]struct{})}
}

func batchKey(number, branch string) string {
	return number + "_" + branch
}

// Classifier decides what happens to each spreadsheet row.
type Classifier struct {
	branches BranchValidator
	dupes    DuplicateChecker
	now      func() time.Time
}

// NewClassifier creates a Classifier. now supplies the placeholder year for
// stored birth dates; nil means time.Now.
func NewClassifier(branches BranchValidator, dupes DuplicateChecker, now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{branches: branches, dupes: dupes, now: now}
}

// Classify inspects row (at zero-based index) and returns its decision.
// Data problems are decisions; an error means a lookup failed.
func (c *Classifier) Classify(ctx context.Context, row model.RawRow, defaultBranch string, batch *Batch, index int) (Decision, error) {
	cols := rowColumns(row)
	name := cellText(row[cols[FieldName]])
	rawPhone := cellText(row[cols[FieldPhone]])
	branch := cellText(row[cols[FieldBranch]])
	if branch == "" {
		branch = strings.TrimSpace(defaultBranch)
	}

	d := Decision{Row: index + 2, Name: name, RawPhone: rawPhone}

	bday, ok := ParseBirthday(row[cols[FieldDOB]])
	if name == "" || !ok {
		return d.skip("missing required data (name or date of birth)"), nil
	}
	dob := bday.In(c.now().Year())

	parsed := phone.ParseAll(rawPhone)
	if len(parsed.Numbers) == 0 && parsed.HasRejected() {
		d.Outcome = OutcomeReview
		d.Branch = branch
		d.Reason = "unrecognized phone number format: " + strings.Join(parsed.Rejected, phone.StorageSeparator)
		d.Review = reviewEntry(name, rawPhone, parsed.Rejected, dob, bday, branch, d.Reason)
		return d, nil
	}
	if len(parsed.Numbers) == 0 {
		return d.skip("missing phone number"), nil
	}

	if branch == "" {
		return d.skip("missing branch: include a branch column or set a default branch"), nil
	}
	d.Branch = branch
	exists, err := c.branches.BranchExists(ctx, branch)
	if err != nil {
		return d, eris.Wrapf(err, "importer: row %d: check branch %q", d.Row, branch)
	}
	if !exists {
		return d.skip(fmt.Sprintf("branch %q does not exist", branch)), nil
	}

	numbers := strings.Join(parsed.Numbers, phone.StorageSeparator)
	for _, n := range parsed.Numbers {
		if _, taken := batch.seen[batchKey(n, branch)]; taken {
			return d.skip(fmt.Sprintf("duplicate within file: phone number(s) %q already used earlier in this file for branch %q", numbers, branch)), nil
		}
	}
	for _, n := range parsed.Numbers {
		batch.seen[batchKey(n, branch)] = struct{}{}
	}

	dup, err := c.dupes.IsDuplicate(ctx, rawPhone, branch, "")
	if err != nil {
		return d, eris.Wrapf(err, "importer: row %d: duplicate check", d.Row)
	}
	if dup {
		return d.skip(fmt.Sprintf("already exists in database: phone number(s) %q (branch %q)", numbers, branch)), nil
	}

	d.Outcome = OutcomeAccept
	d.Client = &model.Client{
		Name:        name,
		PhoneNumber: parsed.Storage(),
		DateOfBirth: dob,
		BirthMonth:  bday.Month,
		BirthDay:    bday.Day,
		Branch:      branch,
	}
	if parsed.Partial() {
		reason := fmt.Sprintf("some phone numbers unrecognized: %s; valid numbers (%s) will be saved",
			strings.Join(parsed.Rejected, phone.StorageSeparator), numbers)
		d.Review = reviewEntry(name, rawPhone, parsed.Rejected, dob, bday, branch, reason)
	}
	return d, nil
}

func (d Decision) skip(reason string) Decision {
	d.Outcome = OutcomeSkip
	d.Reason = reason
	return d
}

func reviewEntry(name, rawPhone string, rejected []string, dob time.Time, b Birthday, branch, reason string) *model.ReviewEntry {
	return &model.ReviewEntry{
		Name:             name,
		PhoneNumber:      rawPhone,
		InvalidFragments: rejected,
		DateOfBirth:      &dob,
		BirthMonth:       b.Month,
		BirthDay:         b.Day,
		Branch:           branch,
		Reason:           reason,
		Source:           model.ReviewSourceExcel,
	}
}

// cellText renders a decoded cell as trimmed text.
func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return x.Format("2006-01-02")
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
