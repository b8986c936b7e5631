package importer

import (
	"maps"
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

// Field is a logical column the classifier reads.
type Field string

const (
	FieldName   Field = "name"
	FieldPhone  Field = "phone"
	FieldDOB    Field = "dob"
	FieldBranch Field = "branch"
)

// ColumnAliases lists, per field, the header fragments that identify its
// column. Headers are compared case-folded.
var ColumnAliases = map[Field][]string{
	FieldName:   {"name"},
	FieldPhone:  {"phone", "mobile"},
	FieldDOB:    {"dob", "birth", "date"},
	FieldBranch: {"branch"},
}

var fieldOrder = []Field{FieldName, FieldPhone, FieldDOB, FieldBranch}

// Columns maps each field to the header chosen for it; "" when absent.
type Columns map[Field]string

// ResolveColumns picks a header per field. An exact alias match wins. After
// that aliases are tried in their listed order, and for each alias the first
// header (in sorted order) containing it and no alias of another field is
// chosen, so "Branch Name" is not read as the client name and "Date of Birth"
// beats "Date Joined". Shared headers are the last resort.
func ResolveColumns(headers []string) Columns {
	fold := cases.Fold()
	sorted := slices.Sorted(slices.Values(headers))
	folded := make(map[string]string, len(sorted))
	for _, h := range sorted {
		folded[h] = strings.TrimSpace(fold.String(h))
	}

	cols := make(Columns, len(fieldOrder))
	for _, f := range fieldOrder {
		cols[f] = pick(f, sorted, folded)
	}
	return cols
}

func pick(f Field, headers []string, folded map[string]string) string {
	for _, h := range headers {
		if slices.Contains(ColumnAliases[f], folded[h]) {
			return h
		}
	}

	var shared string
	for _, alias := range ColumnAliases[f] {
		for _, h := range headers {
			if !strings.Contains(folded[h], alias) {
				continue
			}
			if !claimedElsewhere(folded[h], f) {
				return h
			}
			if shared == "" {
				shared = h
			}
		}
	}
	return shared
}

func containsAlias(header string, f Field) bool {
	for _, a := range ColumnAliases[f] {
		if strings.Contains(header, a) {
			return true
		}
	}
	return false
}

func claimedElsewhere(header string, f Field) bool {
	for _, other := range fieldOrder {
		if other != f && containsAlias(header, other) {
			return true
		}
	}
	return false
}

// rowColumns resolves columns from the keys of a single row.
func rowColumns(row map[string]any) Columns {
	return ResolveColumns(slices.Collect(maps.Keys(row)))
}
