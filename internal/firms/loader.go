// Package firms loads NASA FIRMS hotspot exports.
//
// A load is tolerant per row and strict per file: a row with an unparseable
// date, time, coordinate or measurement is dropped and counted, while a file
// missing any required column fails the whole load.
package firms

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/firmscr/internal/logger"
	"github.com/rewired-gh/firmscr/internal/models"
)

// ErrMissingColumn is returned when the header lacks a required column
var ErrMissingColumn = errors.New("missing required column")

// RequiredColumns must all be present in the header
var RequiredColumns = []string{
	"acq_date", "acq_time", "latitude", "longitude",
	"brightness", "confidence", "frp", "daynight",
}

// LoadResult holds the parsed records and bookkeeping for one load
type LoadResult struct {
	Records     []models.Hotspot
	Rows        int
	Dropped     int
	Fingerprint string
}

// LoadFile opens and loads a FIRMS CSV export
func LoadFile(path string) (*LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hotspot file: %w", err)
	}
	defer f.Close()

	res, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return res, nil
}

// Load parses a FIRMS CSV stream. The fingerprint is the SHA-256 of the raw bytes.
func Load(r io.Reader) (*LoadResult, error) {
	h := sha256.New()
	reader := csv.NewReader(io.TeeReader(r, h))
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols, err := indexColumns(header)
	if err != nil {
		return nil, err
	}

	res := &LoadResult{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				res.Rows++
				res.Dropped++
				logger.Debug("Dropping malformed row at line %d: %v", line, err)
				continue
			}
			return nil, fmt.Errorf("failed to read row %d: %w", line, err)
		}
		res.Rows++

		hotspot, err := parseRow(record, cols)
		if err != nil {
			res.Dropped++
			logger.Debug("Dropping row at line %d: %v", line, err)
			continue
		}
		res.Records = append(res.Records, hotspot)
	}

	res.Fingerprint = hex.EncodeToString(h.Sum(nil))
	return res, nil
}

func indexColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimPrefix(name, "\ufeff")
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}

	var missing []string
	for _, req := range RequiredColumns {
		if _, ok := cols[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return cols, nil
}

func parseRow(record []string, cols map[string]int) (models.Hotspot, error) {
	fields := make(map[string]string, len(cols))
	for name, i := range cols {
		if i < len(record) {
			fields[name] = record[i]
		} else {
			fields[name] = ""
		}
	}
	return ParseFields(fields)
}

// ParseFields builds a validated hotspot from raw column values keyed by
// lowercase column name. Optional columns are carried in Extra when present.
func ParseFields(fields map[string]string) (models.Hotspot, error) {
	field := func(name string) string {
		return strings.TrimSpace(fields[name])
	}

	ts, hhmm, err := CombineTimestamp(field("acq_date"), field("acq_time"))
	if err != nil {
		return models.Hotspot{}, err
	}

	floats := make(map[string]float64, 4)
	for _, name := range []string{"latitude", "longitude", "brightness", "frp"} {
		v, err := strconv.ParseFloat(field(name), 64)
		if err != nil {
			return models.Hotspot{}, fmt.Errorf("invalid %s %q", name, field(name))
		}
		floats[name] = v
	}

	code := field("confidence")
	confidence, err := models.ParseConfidence(code)
	if err != nil {
		return models.Hotspot{}, err
	}

	h := models.Hotspot{
		AcqDate:        time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
		AcqTime:        hhmm,
		Timestamp:      ts,
		Latitude:       floats["latitude"],
		Longitude:      floats["longitude"],
		Brightness:     floats["brightness"],
		ConfidenceCode: code,
		Confidence:     confidence,
		FRP:            floats["frp"],
		DayNight:       strings.ToUpper(field("daynight")),
	}

	for _, name := range models.OptionalColumns {
		if _, ok := fields[name]; !ok {
			continue
		}
		if h.Extra == nil {
			h.Extra = make(map[string]string, len(models.OptionalColumns))
		}
		h.Extra[name] = field(name)
	}

	if err := h.Validate(); err != nil {
		return models.Hotspot{}, err
	}
	return h, nil
}
