package gpkg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/rewired-gh/firmscr/internal/firms"
	"github.com/rewired-gh/firmscr/internal/models"
)

// Columns names the joined attribute columns of the hotspot layer
type Columns struct {
	Area      string
	Canton    string
	LandCover string
}

// DefaultColumns keeps the attribute names of the source layers
var DefaultColumns = Columns{Area: "nombre_ac", Canton: "CANTÓN", LandCover: "cobertura"}

// baseColumns are the hotspot columns every package carries, in table order
var baseColumns = []struct{ name, sqlType string }{
	{"acq_date", "DATE"},
	{"acq_time", "TEXT"},
	{"complete_date", "TEXT"},
	{"latitude", "REAL"},
	{"longitude", "REAL"},
	{"brightness", "REAL"},
	{"confidence", "TEXT"},
	{"frp", "REAL"},
	{"daynight", "TEXT"},
}

// PolygonLayer is a boundary layer stored alongside the hotspots
type PolygonLayer struct {
	Table      string
	NameColumn string
	Kind       models.LayerKind
	Boundaries []models.Boundary
}

// Package is the full content of one GeoPackage file
type Package struct {
	HotspotLayer string
	Columns      Columns
	Dataset      models.Dataset
	Polygons     []PolygonLayer
}

func (p *Package) validate() error {
	if p.HotspotLayer == "" {
		return errors.New("hotspot layer name must not be empty")
	}
	if p.Columns.Area == "" || p.Columns.Canton == "" || p.Columns.LandCover == "" {
		return errors.New("attribute column names must not be empty")
	}

	seen := map[string]bool{"fid": true, "geom": true}
	for _, c := range baseColumns {
		seen[c.name] = true
	}
	for _, c := range models.OptionalColumns {
		seen[c] = true
	}
	for _, c := range []string{p.Columns.Area, p.Columns.Canton, p.Columns.LandCover} {
		key := strings.ToLower(c)
		if seen[key] {
			return fmt.Errorf("column name %q collides with another column", c)
		}
		seen[key] = true
	}

	tables := map[string]bool{strings.ToLower(p.HotspotLayer): true, runsTable: true}
	for _, l := range p.Polygons {
		if l.Table == "" || l.NameColumn == "" {
			return errors.New("polygon layer table and name column must not be empty")
		}
		key := strings.ToLower(l.Table)
		if tables[key] || strings.HasPrefix(key, "gpkg_") {
			return fmt.Errorf("duplicate or reserved table name %q", l.Table)
		}
		tables[key] = true
	}
	return nil
}

// Write materializes the package at path, replacing any existing file atomically
func Write(ctx context.Context, path string, pkg Package) error {
	if err := pkg.validate(); err != nil {
		return fmt.Errorf("invalid package: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	tempPath := path + ".tmp"
	_ = os.Remove(tempPath)

	if err := write(ctx, tempPath, &pkg); err != nil {
		_ = os.Remove(tempPath)
		return err
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func write(ctx context.Context, path string, pkg *Package) (err error) {
	db, err := open(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close package: %w", cerr)
		}
	}()

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA application_id = %d", applicationID)); err != nil {
		return fmt.Errorf("failed to set application id: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", userVersion)); err != nil {
		return fmt.Errorf("failed to set user version: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range coreSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	for _, s := range spatialRefRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gpkg_spatial_ref_sys (srs_name, srs_id, organization, organization_coordsys_id, definition, description) VALUES (?, ?, ?, ?, ?, ?)`,
			s.name, s.id, s.org, s.orgID, s.definition, s.desc); err != nil {
			return fmt.Errorf("failed to insert spatial reference: %w", err)
		}
	}

	if err := writeHotspots(ctx, tx, pkg); err != nil {
		return err
	}
	for _, layer := range pkg.Polygons {
		if err := writePolygons(ctx, tx, layer); err != nil {
			return err
		}
	}
	if err := writeRun(ctx, tx, pkg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit package: %w", err)
	}
	return nil
}

func registerLayer(ctx context.Context, tx *sql.Tx, table, description, geometryType string, bound orb.Bound, empty bool) error {
	var minX, minY, maxX, maxY any
	if !empty {
		minX, minY, maxX, maxY = bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, description, last_change, min_x, min_y, max_x, max_y, srs_id) VALUES (?, 'features', ?, ?, ?, ?, ?, ?, ?, ?)`,
		table, table, description, time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		minX, minY, maxX, maxY, SRSWGS84); err != nil {
		return fmt.Errorf("failed to register layer %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m) VALUES (?, 'geom', ?, ?, 0, 0)`,
		table, geometryType, SRSWGS84); err != nil {
		return fmt.Errorf("failed to register geometry column of %s: %w", table, err)
	}
	return nil
}

func writeHotspots(ctx context.Context, tx *sql.Tx, pkg *Package) error {
	cols := make([]string, 0, len(baseColumns)+len(models.OptionalColumns)+3)
	defs := []string{"fid INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL", "geom POINT"}
	for _, c := range baseColumns {
		cols = append(cols, c.name)
		defs = append(defs, quoteIdent(c.name)+" "+c.sqlType)
	}
	for _, c := range models.OptionalColumns {
		cols = append(cols, c)
		defs = append(defs, quoteIdent(c)+" TEXT")
	}
	for _, c := range []string{pkg.Columns.Area, pkg.Columns.Canton, pkg.Columns.LandCover} {
		cols = append(cols, c)
		defs = append(defs, quoteIdent(c)+" TEXT")
	}

	table := quoteIdent(pkg.HotspotLayer)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("failed to create layer %s: %w", pkg.HotspotLayer, err)
	}

	records := pkg.Dataset.Records
	var bound orb.Bound
	for i := range records {
		p := records[i].Point()
		if i == 0 {
			bound = p.Bound()
		} else {
			bound = bound.Extend(p)
		}
	}
	if err := registerLayer(ctx, tx, pkg.HotspotLayer, "FIRMS hotspots joined to boundary layers", "POINT", bound, len(records) == 0); err != nil {
		return err
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	insert := fmt.Sprintf("INSERT INTO %s (geom, %s) VALUES (?%s)",
		table, strings.Join(quoted, ", "), strings.Repeat(", ?", len(cols)))
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, 0, len(cols)+1)
	for i := range records {
		r := &records[i]
		geom, err := EncodeGeometry(r.Point(), SRSWGS84)
		if err != nil {
			return err
		}

		args = append(args[:0], geom,
			r.AcqDate.Format("2006-01-02"),
			r.AcqTime,
			r.Timestamp.Format(firms.TimestampLayout),
			r.Latitude,
			r.Longitude,
			r.Brightness,
			r.ConfidenceCode,
			r.FRP,
			r.DayNight,
		)
		for _, c := range models.OptionalColumns {
			if v, ok := r.Extra[c]; ok {
				args = append(args, v)
			} else {
				args = append(args, nil)
			}
		}
		args = append(args, nullable(r.Area), nullable(r.Canton), nullable(r.LandCover))

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert hotspot %d: %w", i, err)
		}
	}
	return nil
}

func writePolygons(ctx context.Context, tx *sql.Tx, layer PolygonLayer) error {
	table := quoteIdent(layer.Table)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE %s (fid INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL, geom GEOMETRY, %s TEXT)",
		table, quoteIdent(layer.NameColumn))); err != nil {
		return fmt.Errorf("failed to create layer %s: %w", layer.Table, err)
	}

	var bound orb.Bound
	for i, b := range layer.Boundaries {
		if i == 0 {
			bound = b.Geometry.Bound()
		} else {
			bound = bound.Union(b.Geometry.Bound())
		}
	}
	if err := registerLayer(ctx, tx, layer.Table, string(layer.Kind)+" boundaries", "GEOMETRY", bound, len(layer.Boundaries) == 0); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (geom, %s) VALUES (?, ?)", table, quoteIdent(layer.NameColumn)))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range layer.Boundaries {
		geom, err := EncodeGeometry(b.Geometry, SRSWGS84)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, geom, b.Name); err != nil {
			return fmt.Errorf("failed to insert boundary %q: %w", b.Name, err)
		}
	}
	return nil
}

func writeRun(ctx context.Context, tx *sql.Tx, pkg *Package) error {
	meta := pkg.Dataset.Meta
	if meta.RunID == "" {
		return nil
	}
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("invalid run metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+runsTable+` (run_id, created_at, fingerprint, composition, layer, rows_loaded, rows_dropped, rows_joined) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.RunID, meta.CreatedAt.UTC().Format(time.RFC3339), meta.Fingerprint, meta.Composition,
		pkg.HotspotLayer, meta.RowsLoaded, meta.RowsDropped, meta.RowsJoined); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
