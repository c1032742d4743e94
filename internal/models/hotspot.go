// Package models defines the core domain entities for the firmscr pipeline.
// These models represent satellite hotspot detections, the boundary polygons they
// are joined against, the joined records and the aggregate counts derived from them.
// All models include built-in validation to ensure data integrity throughout the application.
//
// Terminology (matching the FIRMS and SINAC naming):
//   - Hotspot: a single FIRMS thermal anomaly detection (one CSV row).
//   - Conservation area: a SINAC "área de conservación" polygon.
//   - Canton: a second-level administrative division ("cantón").
package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Confidence is the detection-quality class of a hotspot
type Confidence string

const (
	ConfidenceLow     Confidence = "low"
	ConfidenceNominal Confidence = "nominal"
	ConfidenceHigh    Confidence = "high"
)

// ParseConfidence maps a FIRMS confidence code to its class.
// VIIRS products use single letters (l, n, h); MODIS uses a 0-100 percentage.
func ParseConfidence(code string) (Confidence, error) {
	code = strings.TrimSpace(code)
	switch strings.ToLower(code) {
	case "l", "low":
		return ConfidenceLow, nil
	case "n", "nominal":
		return ConfidenceNominal, nil
	case "h", "high":
		return ConfidenceHigh, nil
	}

	pct, err := strconv.ParseFloat(code, 64)
	if err != nil || math.IsNaN(pct) || pct < 0 || pct > 100 {
		return "", fmt.Errorf("invalid confidence code %q", code)
	}
	switch {
	case pct < 30:
		return ConfidenceLow, nil
	case pct < 80:
		return ConfidenceNominal, nil
	default:
		return ConfidenceHigh, nil
	}
}

// Day/night flags as written by FIRMS
const (
	DayNightDay   = "D"
	DayNightNight = "N"
)

// OptionalColumns are FIRMS columns carried through verbatim when present
var OptionalColumns = []string{"satellite", "instrument", "version", "scan", "track", "bright_t31"}

// Hotspot represents a single satellite-detected thermal anomaly.
// AcqTime is always the zero-padded HHMM string; Timestamp combines it with AcqDate.
type Hotspot struct {
	AcqDate        time.Time         `json:"acq_date"`
	AcqTime        string            `json:"acq_time"`
	Timestamp      time.Time         `json:"complete_date"`
	Latitude       float64           `json:"latitude"`
	Longitude      float64           `json:"longitude"`
	Brightness     float64           `json:"brightness"`
	ConfidenceCode string            `json:"confidence"`
	Confidence     Confidence        `json:"confidence_class"`
	FRP            float64           `json:"frp"`
	DayNight       string            `json:"daynight"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Point returns the detection location as a lon/lat point
func (h *Hotspot) Point() orb.Point {
	return orb.Point{h.Longitude, h.Latitude}
}

// Month returns the calendar month number (1-12) of the detection
func (h *Hotspot) Month() int {
	return int(h.Timestamp.Month())
}

// Year returns the calendar year of the detection
func (h *Hotspot) Year() int {
	return h.Timestamp.Year()
}

// Validate checks that all hotspot fields are valid
func (h *Hotspot) Validate() error {
	if h.Timestamp.IsZero() {
		return errors.New("timestamp must not be empty")
	}
	if len(h.AcqTime) != 4 {
		return errors.New("acquisition time must be a zero-padded 4-digit string")
	}
	if math.IsNaN(h.Latitude) || h.Latitude < -90 || h.Latitude > 90 {
		return errors.New("latitude must be between -90 and 90")
	}
	if math.IsNaN(h.Longitude) || h.Longitude < -180 || h.Longitude > 180 {
		return errors.New("longitude must be between -180 and 180")
	}
	if math.IsNaN(h.Brightness) || math.IsInf(h.Brightness, 0) || h.Brightness < 0 {
		return errors.New("brightness must be a finite non-negative number")
	}
	if math.IsNaN(h.FRP) || math.IsInf(h.FRP, 0) {
		return errors.New("frp must be a finite number")
	}
	switch h.Confidence {
	case ConfidenceLow, ConfidenceNominal, ConfidenceHigh:
	default:
		return fmt.Errorf("unknown confidence class %q", h.Confidence)
	}
	if h.DayNight != DayNightDay && h.DayNight != DayNightNight {
		return errors.New("daynight must be 'D' or 'N'")
	}
	return nil
}
