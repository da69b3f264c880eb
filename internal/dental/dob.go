package dental

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DOBLayout is the canonical textual date-of-birth form.
const DOBLayout = "02/01/2006"

// ErrInvalidDOB is returned when a date of birth cannot be read.
var ErrInvalidDOB = errors.New("invalid date of birth")

// sheetEpoch is day zero of spreadsheet serial dates.
var sheetEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// zonedLayouts carry an offset and are read in the caller's location.
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	time.RFC1123Z,
	time.RFC1123,
	"Mon Jan 02 2006 15:04:05 GMT-0700",
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// NormalizeDOB converts the shapes a date of birth arrives in (time values,
// ISO strings, DD/MM/YYYY text, spreadsheet serials) to DD/MM/YYYY.
// Timestamps carrying a clock are read in loc; bare dates and time.Time values
// keep their own calendar day.
func NormalizeDOB(v any, loc *time.Location) (string, error) {
	if loc == nil {
		loc = time.Local
	}
	switch d := v.(type) {
	case time.Time:
		if d.IsZero() {
			return "", ErrInvalidDOB
		}
		return d.Format(DOBLayout), nil
	case *time.Time:
		if d == nil {
			return "", ErrInvalidDOB
		}
		return NormalizeDOB(*d, loc)
	case json.Number:
		f, err := d.Float64()
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidDOB, d)
		}
		return serialDate(f)
	case float64:
		return serialDate(d)
	case int:
		return serialDate(float64(d))
	case int64:
		return serialDate(float64(d))
	case string:
		return parseDOBString(d, loc)
	case nil:
		return "", ErrInvalidDOB
	default:
		return parseDOBString(fmt.Sprint(d), loc)
	}
}

func parseDOBString(raw string, loc *time.Location) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidDOB
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(loc).Format(DOBLayout), nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DOBLayout), nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !strings.ContainsAny(s, "/-") {
		return serialDate(f)
	}

	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '-' || r == '.' })
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDOB, raw)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidDOB, raw)
		}
		nums[i] = n
	}
	day, month, year := nums[0], nums[1], nums[2]
	if len(strings.TrimSpace(parts[0])) == 4 {
		year, month, day = nums[0], nums[1], nums[2]
	}
	if year < 100 {
		return "", fmt.Errorf("%w: two-digit year in %q", ErrInvalidDOB, raw)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month || t.Year() != year {
		return "", fmt.Errorf("%w: %q", ErrInvalidDOB, raw)
	}
	return t.Format(DOBLayout), nil
}

func serialDate(f float64) (string, error) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: serial %v", ErrInvalidDOB, f)
	}
	return sheetEpoch.AddDate(0, 0, int(math.Floor(f))).Format(DOBLayout), nil
}
