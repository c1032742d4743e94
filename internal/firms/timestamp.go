package firms

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is how combined timestamps are rendered in tables and files
const TimestampLayout = "2006-01-02T15:04:05"

var dateLayouts = []string{"2006-01-02", "2006/01/02"}

// PadTime zero-pads a raw FIRMS acquisition time to HHMM.
// FIRMS stores acq_time as an integer, so 09:30 arrives as "930" and 00:05 as "5".
func PadTime(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty acquisition time")
	}
	if len(raw) > 4 {
		return "", fmt.Errorf("acquisition time %q longer than 4 digits", raw)
	}
	for _, c := range raw {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("acquisition time %q is not numeric", raw)
		}
	}
	return strings.Repeat("0", 4-len(raw)) + raw, nil
}

// ParseDate parses an acquisition date
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable acquisition date %q", raw)
}

// CombineTimestamp joins an acquisition date and a raw acquisition time into one
// minute-precision timestamp. It returns the padded HHMM string alongside.
func CombineTimestamp(rawDate, rawTime string) (time.Time, string, error) {
	date, err := ParseDate(rawDate)
	if err != nil {
		return time.Time{}, "", err
	}

	hhmm, err := PadTime(rawTime)
	if err != nil {
		return time.Time{}, "", err
	}

	hour, _ := strconv.Atoi(hhmm[:2])
	minute, _ := strconv.Atoi(hhmm[2:])
	if hour > 23 || minute > 59 {
		return time.Time{}, "", fmt.Errorf("acquisition time %q out of range", hhmm)
	}

	ts := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, time.UTC)
	return ts, hhmm, nil
}
