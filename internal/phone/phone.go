// Package phone parses free-form phone fields into canonical 10-digit,
// leading-zero numbers. A field may carry several numbers separated by
// "/", ",", ";", "|" or the word "and".
package phone

import (
	"regexp"
	"strings"
)

// StorageSeparator joins canonical numbers in a stored phone field.
const StorageSeparator = ", "

// delimiters are tried in order; the first one present in the input is used
// to split it.
var delimiters = []*regexp.Regexp{
	regexp.MustCompile(`\s*/\s*`),
	regexp.MustCompile(`\s*,\s*`),
	regexp.MustCompile(`\s*;\s*`),
	regexp.MustCompile(`\s*\|\s*`),
	regexp.MustCompile(`(?i)\s+and\s+`),
}

var (
	nonDigit    = regexp.MustCompile(`\D`)
	localForm   = regexp.MustCompile(`^0\d{9}$`)
	shortForm   = regexp.MustCompile(`^[789]\d{8}$`)
	countryForm = regexp.MustCompile(`^254[789]\d{8}$`)
)

// Number is the outcome of normalizing one fragment.
type Number struct {
	Original  string
	Canonical string // digits only; only meaningful for comparison when Valid
	Valid     bool
}

// Result is the outcome of normalizing a whole phone field.
type Result struct {
	Numbers  []string // ordered, unique, valid canonical numbers
	Rejected []string // original text of fragments that could not be normalized
}

// ParseOne normalizes a single fragment.
func ParseOne(fragment string) Number {
	original := strings.TrimSpace(fragment)
	digits := nonDigit.ReplaceAllString(original, "")

	n := Number{Original: original, Canonical: digits}
	switch {
	case digits == "":
	case localForm.MatchString(digits):
		n.Valid = true
	case shortForm.MatchString(digits):
		n.Canonical = "0" + digits
		n.Valid = true
	case countryForm.MatchString(digits):
		// A leading "+" is already gone with the other non-digits.
		n.Canonical = "0" + digits[3:]
		n.Valid = true
	}
	return n
}

// ParseAll splits raw into fragments and normalizes each one.
func ParseAll(raw string) Result {
	var res Result
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return res
	}

	fragments := []string{cleaned}
	for _, d := range delimiters {
		if d.MatchString(cleaned) {
			fragments = d.Split(cleaned, -1)
			break
		}
	}

	seen := make(map[string]struct{}, len(fragments))
	for _, f := range fragments {
		n := ParseOne(f)
		if n.Original == "" {
			continue
		}
		if !n.Valid {
			res.Rejected = append(res.Rejected, n.Original)
			continue
		}
		if _, dup := seen[n.Canonical]; dup {
			continue
		}
		seen[n.Canonical] = struct{}{}
		res.Numbers = append(res.Numbers, n.Canonical)
	}
	return res
}

// Storage returns the valid numbers in stored form.
func (r Result) Storage() string {
	return strings.Join(r.Numbers, StorageSeparator)
}

// HasRejected reports whether any fragment could not be normalized.
func (r Result) HasRejected() bool {
	return len(r.Rejected) > 0
}

// Empty reports whether the field held no fragments at all.
func (r Result) Empty() bool {
	return len(r.Numbers) == 0 && len(r.Rejected) == 0
}

// Partial reports whether some, but not all, fragments were valid.
func (r Result) Partial() bool {
	return len(r.Numbers) > 0 && len(r.Rejected) > 0
}

// Normalize returns the stored form of raw. Invalid fragments are dropped.
func Normalize(raw string) string {
	return ParseAll(raw).Storage()
}

// Equal reports whether two phone fields share at least one canonical number.
func Equal(a, b string) bool {
	na, nb := ParseAll(a), ParseAll(b)
	if len(na.Numbers) == 0 || len(nb.Numbers) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(na.Numbers))
	for _, n := range na.Numbers {
		set[n] = struct{}{}
	}
	for _, n := range nb.Numbers {
		if _, ok := set[n]; ok {
			return true
		}
	}
	return false
}

// Display formats the stored form of raw for reading, e.g. "0782 830 524".
func Display(raw string) string {
	res := ParseAll(raw)
	out := make([]string, 0, len(res.Numbers))
	for _, n := range res.Numbers {
		out = append(out, n[:4]+" "+n[4:7]+" "+n[7:])
	}
	return strings.Join(out, StorageSeparator)
}
