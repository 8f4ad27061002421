// Package period implements DHIS2 reporting period math: mapping between
// period identifiers (20240115, 2024W03, 202401, 2024Q1, 2024) and the
// local time ranges they cover.
// See https://docs.dhis2.org/en/develop/using-the-api/dhis-core-version-master/date-and-period-format.html
package period

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Type is a data set reporting period type
type Type string

const (
	Daily     Type = "Daily"
	Weekly    Type = "Weekly"
	Monthly   Type = "Monthly"
	Quarterly Type = "Quarterly"
	Yearly    Type = "Yearly"
)

var patterns = map[Type]*regexp.Regexp{
	Daily:     regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})$`),
	Weekly:    regexp.MustCompile(`^(\d{4})W(\d{1,2})$`),
	Monthly:   regexp.MustCompile(`^(\d{4})(\d{2})$`),
	Quarterly: regexp.MustCompile(`^(\d{4})Q([1-4])$`),
	Yearly:    regexp.MustCompile(`^(\d{4})$`),
}

// ParseType normalizes a period type string from a mirrored data set
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	case "quarterly":
		return Quarterly, nil
	case "yearly":
		return Yearly, nil
	}
	return "", fmt.Errorf("unsupported period type %q", s)
}

// Format returns the DHIS2 period identifier containing the given date
func (t Type) Format(date time.Time) string {
	switch t {
	case Daily:
		return date.Format("20060102")
	case Weekly:
		year, week := date.ISOWeek()
		return fmt.Sprintf("%dW%d", year, week)
	case Monthly:
		return date.Format("200601")
	case Quarterly:
		quarter := (int(date.Month())-1)/3 + 1
		return fmt.Sprintf("%dQ%d", date.Year(), quarter)
	case Yearly:
		return date.Format("2006")
	}
	return ""
}

// Bounds parses a period identifier of this type and returns the half-open
// interval [start, end) it covers, in UTC.
func (t Type) Bounds(identifier string) (time.Time, time.Time, error) {
	pattern, ok := patterns[t]
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("unsupported period type %q", t)
	}
	matches := pattern.FindStringSubmatch(strings.TrimSpace(identifier))
	if matches == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("period %q does not match %s format", identifier, t)
	}

	switch t {
	case Daily:
		year, _ := strconv.Atoi(matches[1])
		month, _ := strconv.Atoi(matches[2])
		day, _ := strconv.Atoi(matches[3])
		start := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		if start.Year() != year || int(start.Month()) != month || start.Day() != day {
			return time.Time{}, time.Time{}, fmt.Errorf("period %q is not a valid date", identifier)
		}
		return start, start.AddDate(0, 0, 1), nil
	case Weekly:
		year, _ := strconv.Atoi(matches[1])
		week, _ := strconv.Atoi(matches[2])
		if week < 1 || week > 53 {
			return time.Time{}, time.Time{}, fmt.Errorf("period %q has week out of range", identifier)
		}
		start := isoWeekStart(year, week)
		return start, start.AddDate(0, 0, 7), nil
	case Monthly:
		year, _ := strconv.Atoi(matches[1])
		month, _ := strconv.Atoi(matches[2])
		if month < 1 || month > 12 {
			return time.Time{}, time.Time{}, fmt.Errorf("period %q has month out of range", identifier)
		}
		start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	case Quarterly:
		year, _ := strconv.Atoi(matches[1])
		quarter, _ := strconv.Atoi(matches[2])
		start := time.Date(year, time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 3, 0), nil
	case Yearly:
		year, _ := strconv.Atoi(matches[1])
		start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unsupported period type %q", t)
}

// Infer determines the period type from an identifier's shape. The formats
// are disjoint (4, 6 and 8 digit strings, W and Q markers), so at most one
// type matches.
func Infer(identifier string) (Type, error) {
	for _, t := range []Type{Daily, Weekly, Monthly, Quarterly, Yearly} {
		if patterns[t].MatchString(strings.TrimSpace(identifier)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unrecognized period identifier %q", identifier)
}

// Valid reports whether the identifier matches this period type's format
func (t Type) Valid(identifier string) bool {
	_, _, err := t.Bounds(identifier)
	return err == nil
}

// isoWeekStart returns the Monday starting the given ISO week, in UTC
func isoWeekStart(year, week int) time.Time {
	// January 4th is always in ISO week 1
	jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, time.UTC)
	weekday := int(jan4.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	week1Monday := jan4.AddDate(0, 0, 1-weekday)
	return week1Monday.AddDate(0, 0, (week-1)*7)
}
