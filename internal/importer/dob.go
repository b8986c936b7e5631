package importer

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Spreadsheet serial dates count days from this epoch (the 1900 leap-year
// bug is already folded in).
var excelEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// maxSerial is 9999-12-31.
const maxSerial = 2958465

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-1-2",
	"2006/1/2",
	"1/2/2006",
	"1-2-2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"2-Jan-2006",
	"2-Jan-06",
}

var (
	yearFirst = regexp.MustCompile(`(\d{4})[-/](\d{1,2})[-/](\d{1,2})`)
	monthDay  = regexp.MustCompile(`^(\d{1,2})[-/](\d{1,2})$`)
)

// Birthday is a month and day with no meaningful year.
type Birthday struct {
	Month int
	Day   int
}

// In returns the birthday as a date in year. Feb 29 maps to Feb 28 in
// non-leap years.
func (b Birthday) In(year int) time.Time {
	day := b.Day
	if last := daysIn(time.Month(b.Month), year); day > last {
		day = last
	}
	return time.Date(year, time.Month(b.Month), day, 0, 0, 0, 0, time.UTC)
}

// ParseBirthday extracts month and day from a cell value. Accepted inputs are
// spreadsheet serials (numeric or numeric text), time values, full dates in
// common layouts and bare month-day text such as "5-1" or "12/25".
func ParseBirthday(v any) (Birthday, bool) {
	switch x := v.(type) {
	case nil:
		return Birthday{}, false
	case time.Time:
		if x.IsZero() {
			return Birthday{}, false
		}
		return Birthday{Month: int(x.Month()), Day: x.Day()}, true
	case float64:
		return fromSerial(x)
	case float32:
		return fromSerial(float64(x))
	case int:
		return fromSerial(float64(x))
	case int64:
		return fromSerial(float64(x))
	case string:
		return parseBirthdayText(x)
	}
	return Birthday{}, false
}

func fromSerial(serial float64) (Birthday, bool) {
	if serial < 1 || serial > maxSerial {
		return Birthday{}, false
	}
	t := excelEpoch.AddDate(0, 0, int(serial))
	return Birthday{Month: int(t.Month()), Day: t.Day()}, true
}

func parseBirthdayText(s string) (Birthday, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Birthday{}, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromSerial(f)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Birthday{Month: int(t.Month()), Day: t.Day()}, true
		}
	}
	if m := yearFirst.FindStringSubmatch(s); m != nil {
		return checked(m[2], m[3])
	}
	if m := monthDay.FindStringSubmatch(s); m != nil {
		return checked(m[1], m[2])
	}
	return Birthday{}, false
}

func checked(month, day string) (Birthday, bool) {
	m, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	// 2000 is a leap year, so Feb 29 passes.
	if m < 1 || m > 12 || d < 1 || d > daysIn(time.Month(m), 2000) {
		return Birthday{}, false
	}
	return Birthday{Month: m, Day: d}, true
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
