package models

import (
	"errors"
	"time"
)

// JoinedRecord is a hotspot with the names of the polygons it fell in.
// An empty name means the point matched no polygon of that layer.
type JoinedRecord struct {
	Hotspot
	Area      string `json:"area,omitempty"`
	Canton    string `json:"canton,omitempty"`
	LandCover string `json:"land_cover,omitempty"`
}

// HasArea reports whether the record matched a conservation area
func (r *JoinedRecord) HasArea() bool {
	return r.Area != ""
}

// HasCanton reports whether the record matched a canton
func (r *JoinedRecord) HasCanton() bool {
	return r.Canton != ""
}

// RunMetadata describes one materialization run of the joined dataset
type RunMetadata struct {
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Fingerprint string    `json:"fingerprint"`
	Composition string    `json:"composition"`
	RowsLoaded  int       `json:"rows_loaded"`
	RowsDropped int       `json:"rows_dropped"`
	RowsJoined  int       `json:"rows_joined"`
}

// Validate checks that all run metadata fields are valid
func (m *RunMetadata) Validate() error {
	if m.RunID == "" {
		return errors.New("run ID must not be empty")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("created at must not be empty")
	}
	if m.RowsLoaded < 0 || m.RowsDropped < 0 || m.RowsJoined < 0 {
		return errors.New("row counts must not be negative")
	}
	if m.RowsJoined > m.RowsLoaded {
		return errors.New("rows joined must be <= rows loaded")
	}
	return nil
}

// Dataset is the joined hotspot collection handed to the presentation layer
// and persisted by the preprocessing job.
type Dataset struct {
	Records []JoinedRecord `json:"records"`
	Meta    RunMetadata    `json:"meta"`
}
