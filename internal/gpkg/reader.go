package gpkg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/firmscr/internal/crs"
	"github.com/rewired-gh/firmscr/internal/firms"
	"github.com/rewired-gh/firmscr/internal/logger"
	"github.com/rewired-gh/firmscr/internal/models"
)

// ReadDataset loads the hotspot layer of a package. Rows that no longer parse
// are dropped and counted, as on CSV load. The area column is required; the
// canton and land-cover columns are read when present.
func ReadDataset(ctx context.Context, path, layer string, columns Columns) (*models.Dataset, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}

	db, err := open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	available, err := tableColumns(ctx, db, layer)
	if err != nil {
		return nil, err
	}
	byLower := make(map[string]string, len(available))
	for _, c := range available {
		byLower[strings.ToLower(c)] = c
	}

	var missing []string
	for _, c := range append(append([]string(nil), firms.RequiredColumns...), strings.ToLower(columns.Area)) {
		if _, ok := byLower[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w in layer %s: %s", firms.ErrMissingColumn, layer, strings.Join(missing, ", "))
	}

	// field key -> table column
	selected := make([]string, 0, len(available))
	keys := make([]string, 0, len(available))
	add := func(key string) {
		if actual, ok := byLower[strings.ToLower(key)]; ok {
			selected = append(selected, quoteIdent(actual))
			keys = append(keys, key)
		}
	}
	for _, c := range firms.RequiredColumns {
		add(c)
	}
	for _, c := range models.OptionalColumns {
		add(c)
	}
	add(columns.Area)
	add(columns.Canton)
	add(columns.LandCover)

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid",
		strings.Join(selected, ", "), quoteIdent(layer)))
	if err != nil {
		return nil, fmt.Errorf("failed to query layer %s: %w", layer, err)
	}
	defer rows.Close()

	optional := make(map[string]bool, len(models.OptionalColumns))
	for _, c := range models.OptionalColumns {
		optional[c] = true
	}

	ds := &models.Dataset{}
	values := make([]any, len(selected))
	ptrs := make([]any, len(selected))
	for i := range values {
		ptrs[i] = &values[i]
	}

	n, dropped := 0, 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan layer %s: %w", layer, err)
		}
		n++

		fields := make(map[string]string, len(keys))
		for i, k := range keys {
			if values[i] == nil && optional[k] {
				continue
			}
			fields[k] = asString(values[i])
		}
		if d := fields["acq_date"]; len(d) > 10 {
			fields["acq_date"] = d[:10]
		}

		h, err := firms.ParseFields(fields)
		if err != nil {
			dropped++
			logger.Debug("Dropping stored row %d: %v", n, err)
			continue
		}
		ds.Records = append(ds.Records, models.JoinedRecord{
			Hotspot:   h,
			Area:      fields[columns.Area],
			Canton:    fields[columns.Canton],
			LandCover: fields[columns.LandCover],
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read layer %s: %w", layer, err)
	}

	meta, err := latestRun(ctx, db, layer)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = &models.RunMetadata{RowsLoaded: n, RowsDropped: dropped, RowsJoined: len(ds.Records)}
	}
	ds.Meta = *meta
	if dropped > 0 {
		logger.Warn("Dropped %d of %d stored rows from %s", dropped, n, layer)
	}

	return ds, nil
}

func latestRun(ctx context.Context, db *sql.DB, layer string) (*models.RunMetadata, error) {
	var exists int
	if err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, runsTable).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to inspect package: %w", err)
	}
	if exists == 0 {
		return nil, nil
	}

	var (
		m         models.RunMetadata
		createdAt string
	)
	err := db.QueryRowContext(ctx,
		`SELECT run_id, created_at, fingerprint, composition, rows_loaded, rows_dropped, rows_joined FROM `+runsTable+` WHERE layer = ? ORDER BY created_at DESC LIMIT 1`,
		layer).Scan(&m.RunID, &createdAt, &m.Fingerprint, &m.Composition, &m.RowsLoaded, &m.RowsDropped, &m.RowsJoined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run metadata: %w", err)
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("invalid run timestamp %q: %w", createdAt, err)
	}
	return &m, nil
}

// ReadPolygons loads a polygon layer, naming each feature by nameColumn and
// reprojecting it to WGS84. Features without a name or an areal geometry are skipped.
func ReadPolygons(ctx context.Context, path, table, nameColumn string, kind models.LayerKind) ([]models.Boundary, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}

	db, err := open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var (
		geomColumn string
		srsID      int
	)
	err = db.QueryRowContext(ctx,
		`SELECT column_name, srs_id FROM gpkg_geometry_columns WHERE table_name = ?`, table).Scan(&geomColumn, &srsID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("layer %s has no geometry column", table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect layer %s: %w", table, err)
	}

	source := crs.CRS{EPSG: srsID}
	if srsID == 0 || srsID == SRSWGS84 {
		source = crs.Default
	}
	if !source.Supported() {
		return nil, fmt.Errorf("layer %s: %w: %s", table, crs.ErrUnsupported, source)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT %s, %s FROM %s ORDER BY rowid",
		quoteIdent(geomColumn), quoteIdent(nameColumn), quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to query layer %s: %w", table, err)
	}
	defer rows.Close()

	var boundaries []models.Boundary
	skipped := 0
	for rows.Next() {
		var (
			blob []byte
			name any
		)
		if err := rows.Scan(&blob, &name); err != nil {
			return nil, fmt.Errorf("failed to scan layer %s: %w", table, err)
		}

		label := strings.TrimSpace(asString(name))
		if label == "" || len(blob) == 0 {
			skipped++
			continue
		}
		g, _, err := DecodeGeometry(blob)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", table, err)
		}
		if g == nil {
			skipped++
			continue
		}
		if g, err = crs.ToWGS84(g, source); err != nil {
			return nil, err
		}

		b := models.Boundary{Name: label, Kind: kind, Geometry: g}
		if err := b.Validate(); err != nil {
			skipped++
			continue
		}
		boundaries = append(boundaries, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read layer %s: %w", table, err)
	}

	if skipped > 0 {
		logger.Warn("Layer %s: skipped %d features without %q or a usable polygon", table, skipped, nameColumn)
	}
	return boundaries, nil
}

// asString renders a SQLite value the way it would appear in a CSV cell
func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.Format(firms.TimestampLayout)
	}
	return fmt.Sprint(v)
}
