// Package export copies the joined dataset into secondary sinks.
package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/rewired-gh/firmscr/internal/models"
)

// Columns of the exported table, in COPY order
var Columns = []string{
	"run_id", "complete_date", "acq_date", "acq_time",
	"latitude", "longitude", "brightness", "confidence", "frp", "daynight",
	"area", "canton", "land_cover",
}

// Postgres replaces the contents of one table with the rows of a run
type Postgres struct {
	dsn   string
	table string
}

// NewPostgres creates an exporter for table at dsn
func NewPostgres(dsn, table string) *Postgres {
	return &Postgres{dsn: dsn, table: table}
}

// Export writes the dataset inside a single transaction and returns the row count
func (p *Postgres) Export(ctx context.Context, ds *models.Dataset) (int, error) {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer conn.Close(context.Background())

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	ident := pgx.Identifier(strings.Split(p.table, "."))
	if _, err := tx.Exec(ctx, CreateTableSQL(ident.Sanitize())); err != nil {
		return 0, fmt.Errorf("failed to create table %s: %w", p.table, err)
	}
	if _, err := tx.Exec(ctx, "TRUNCATE "+ident.Sanitize()); err != nil {
		return 0, fmt.Errorf("failed to truncate table %s: %w", p.table, err)
	}

	n, err := tx.CopyFrom(ctx, ident, Columns, pgx.CopyFromRows(Rows(ds)))
	if err != nil {
		return 0, fmt.Errorf("failed to copy rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit export: %w", err)
	}
	return int(n), nil
}

// CreateTableSQL returns the DDL of the export table
func CreateTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
	run_id TEXT NOT NULL,
	complete_date TIMESTAMP NOT NULL,
	acq_date DATE NOT NULL,
	acq_time TEXT NOT NULL,
	latitude DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	brightness DOUBLE PRECISION,
	confidence TEXT,
	frp DOUBLE PRECISION,
	daynight TEXT,
	area TEXT,
	canton TEXT,
	land_cover TEXT
)`
}

// Rows converts the dataset into COPY rows matching Columns
func Rows(ds *models.Dataset) [][]any {
	rows := make([][]any, 0, len(ds.Records))
	for i := range ds.Records {
		r := &ds.Records[i]
		rows = append(rows, []any{
			ds.Meta.RunID,
			r.Timestamp,
			r.AcqDate,
			r.AcqTime,
			r.Latitude,
			r.Longitude,
			r.Brightness,
			r.ConfidenceCode,
			r.FRP,
			r.DayNight,
			nullable(r.Area),
			nullable(r.Canton),
			nullable(r.LandCover),
		})
	}
	return rows
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
