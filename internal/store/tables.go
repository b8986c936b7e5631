package store

import (
	"regexp"

	"github.com/rotisserie/eris"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Tables names the table behind each logical collection. Table names are
// interpolated into SQL, so Validate must pass before a store is built.
type Tables struct {
	Clients       string `yaml:"clients" mapstructure:"clients"`
	ReviewEntries string `yaml:"review_entries" mapstructure:"review_entries"`
	ImportJobs    string `yaml:"import_jobs" mapstructure:"import_jobs"`
	Branches      string `yaml:"branches" mapstructure:"branches"`
}

// DefaultTables returns the standard collection names.
func DefaultTables() Tables {
	return Tables{
		Clients:       "clients",
		ReviewEntries: "review_entries",
		ImportJobs:    "import_jobs",
		Branches:      "branches",
	}
}

// WithDefaults fills blank names from DefaultTables.
func (t Tables) WithDefaults() Tables {
	d := DefaultTables()
	if t.Clients == "" {
		t.Clients = d.Clients
	}
	if t.ReviewEntries == "" {
		t.ReviewEntries = d.ReviewEntries
	}
	if t.ImportJobs == "" {
		t.ImportJobs = d.ImportJobs
	}
	if t.Branches == "" {
		t.Branches = d.Branches
	}
	return t
}

// Validate checks every name is a plain lower-case SQL identifier and that
// no two collections share a table.
func (t Tables) Validate() error {
	seen := map[string]string{}
	for _, kv := range [][2]string{
		{"clients", t.Clients},
		{"review_entries", t.ReviewEntries},
		{"import_jobs", t.ImportJobs},
		{"branches", t.Branches},
	} {
		if !identPattern.MatchString(kv[1]) {
			return eris.Errorf("store: invalid table name %q for %s", kv[1], kv[0])
		}
		if other, ok := seen[kv[1]]; ok {
			return eris.Errorf("store: table %q used for both %s and %s", kv[1], other, kv[0])
		}
		seen[kv[1]] = kv[0]
	}
	return nil
}
