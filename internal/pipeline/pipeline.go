// Package pipeline wires loading, boundary fetching and joining into one run.
//
// A run loads the FIRMS CSV, fetches the conservation-area and canton layers,
// optionally reads a land-cover layer, joins everything and returns the joined
// dataset together with the boundary layers the dashboard needs for its maps.
// Inputs are memoized in a Cache keyed by source version when one is given.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/rewired-gh/firmscr/internal/filter"
	"github.com/rewired-gh/firmscr/internal/firms"
	"github.com/rewired-gh/firmscr/internal/gpkg"
	"github.com/rewired-gh/firmscr/internal/logger"
	"github.com/rewired-gh/firmscr/internal/models"
	"github.com/rewired-gh/firmscr/internal/spatial"
	"github.com/rewired-gh/firmscr/internal/wfs"
)

// Boundary layer tables written next to the hotspot layer
const (
	AreasTable   = "areas_conservacion"
	CantonsTable = "cantones"
)

// Fetcher downloads a remote boundary layer
type Fetcher interface {
	GetFeature(ctx context.Context, req wfs.LayerRequest) ([]models.Boundary, error)
}

// LandCoverSource is a polygon layer in a local GeoPackage
type LandCoverSource struct {
	Path       string
	Table      string
	ClassField string
}

// Inputs names every data source of a run
type Inputs struct {
	HotspotsCSV string
	Areas       wfs.LayerRequest
	Cantons     wfs.LayerRequest
	LandCover   *LandCoverSource
}

// Result is the output of a run, ready for aggregation and presentation
type Result struct {
	Dataset  *models.Dataset
	Areas    *spatial.Layer
	Cantons  *spatial.Layer
	Filter   *filter.Filter
	Duration time.Duration
}

// Pipeline runs the load, fetch and join stages
type Pipeline struct {
	fetcher Fetcher
	inputs  Inputs
	opts    Options
	cache   *Cache
}

// New creates a pipeline. cache may be nil.
func New(fetcher Fetcher, inputs Inputs, opts Options, cache *Cache) *Pipeline {
	return &Pipeline{
		fetcher: fetcher,
		inputs:  inputs,
		opts:    opts,
		cache:   cache,
	}
}

// Run executes a full pipeline pass. Any fetch error aborts the run.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	loaded, err := p.loadHotspots(ctx)
	if err != nil {
		return nil, err
	}

	areas, err := p.fetchLayer(ctx, p.inputs.Areas)
	if err != nil {
		return nil, err
	}
	cantons, err := p.fetchLayer(ctx, p.inputs.Cantons)
	if err != nil {
		return nil, err
	}
	landCover, err := p.landCoverLayer(ctx)
	if err != nil {
		return nil, err
	}

	records, unmatched := Join(loaded.Records, areas, cantons, landCover, p.opts)

	meta := models.RunMetadata{
		RunID:       uuid.New().String(),
		CreatedAt:   time.Now().UTC(),
		Fingerprint: loaded.Fingerprint,
		Composition: string(p.opts.Composition),
		RowsLoaded:  loaded.Rows,
		RowsDropped: loaded.Dropped + unmatched,
		RowsJoined:  len(records),
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run metadata: %w", err)
	}

	logger.Info("Joined %s of %s hotspots (%s malformed, %s without a match)",
		humanize.Comma(int64(len(records))), humanize.Comma(int64(loaded.Rows)),
		humanize.Comma(int64(loaded.Dropped)), humanize.Comma(int64(unmatched)))

	return &Result{
		Dataset:  &models.Dataset{Records: records, Meta: meta},
		Areas:    areas,
		Cantons:  cantons,
		Filter:   filter.New(records),
		Duration: time.Since(start),
	}, nil
}

func (p *Pipeline) loadHotspots(ctx context.Context) (*firms.LoadResult, error) {
	path := p.inputs.HotspotsCSV
	key, err := FileKey(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load hotspots: %w", err)
	}
	return Memo(ctx, p.cache, "hotspots:"+path, key, func(context.Context) (*firms.LoadResult, error) {
		res, err := firms.LoadFile(path)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded %s hotspot rows from %s (%s dropped)",
			humanize.Comma(int64(res.Rows)), path, humanize.Comma(int64(res.Dropped)))
		return res, nil
	})
}

func (p *Pipeline) fetchLayer(ctx context.Context, req wfs.LayerRequest) (*spatial.Layer, error) {
	return Memo(ctx, p.cache, "wfs:"+string(req.Kind), req.Key(), func(ctx context.Context) (*spatial.Layer, error) {
		boundaries, err := p.fetcher.GetFeature(ctx, req)
		if err != nil {
			return nil, err
		}
		logger.Info("Fetched %d %s polygons from %s", len(boundaries), req.Kind, req.Layer)
		return spatial.NewLayer(req.Kind, boundaries), nil
	})
}

func (p *Pipeline) landCoverLayer(ctx context.Context) (*spatial.Layer, error) {
	src := p.inputs.LandCover
	if src == nil || src.Path == "" {
		return nil, nil
	}
	key, err := FileKey(src.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load land cover: %w", err)
	}
	return Memo(ctx, p.cache, "landcover:"+src.Path+"|"+src.Table, key, func(ctx context.Context) (*spatial.Layer, error) {
		boundaries, err := gpkg.ReadPolygons(ctx, src.Path, src.Table, src.ClassField, models.LayerLandCover)
		if err != nil {
			return nil, fmt.Errorf("failed to load land cover: %w", err)
		}
		logger.Info("Loaded %d land cover polygons from %s", len(boundaries), src.Path)
		return spatial.NewLayer(models.LayerLandCover, boundaries), nil
	})
}

// Package builds the GeoPackage content for a run result
func Package(res *Result, layer string, columns gpkg.Columns, inputs Inputs) gpkg.Package {
	return gpkg.Package{
		HotspotLayer: layer,
		Columns:      columns,
		Dataset:      *res.Dataset,
		Polygons: []gpkg.PolygonLayer{
			{Table: AreasTable, NameColumn: inputs.Areas.NameField, Kind: models.LayerConservationArea, Boundaries: res.Areas.Boundaries()},
			{Table: CantonsTable, NameColumn: inputs.Cantons.NameField, Kind: models.LayerCanton, Boundaries: res.Cantons.Boundaries()},
		},
	}
}

// Source serves the dashboard: it prefers a preprocessed GeoPackage and
// falls back to a live run when none exists.
type Source struct {
	pipeline     *Pipeline
	preprocessed string
	layer        string
	columns      gpkg.Columns
}

// NewSource creates a source. An empty preprocessed path always runs live.
func NewSource(p *Pipeline, preprocessed, layer string, columns gpkg.Columns) *Source {
	return &Source{
		pipeline:     p,
		preprocessed: preprocessed,
		layer:        layer,
		columns:      columns,
	}
}

// Load returns the current dataset and boundary layers
func (s *Source) Load(ctx context.Context) (*Result, error) {
	if s.preprocessed == "" {
		return s.live(ctx)
	}

	key, err := FileKey(s.preprocessed)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("No preprocessed package at %s, running live", s.preprocessed)
		return s.live(ctx)
	}
	if err != nil {
		return nil, err
	}

	return Memo(ctx, s.pipeline.cache, "preprocessed:"+s.preprocessed, key, s.loadPreprocessed)
}

// live memoizes a full run until one of its sources changes
func (s *Source) live(ctx context.Context) (*Result, error) {
	key, err := s.pipeline.runKey()
	if err != nil {
		return nil, err
	}
	return Memo(ctx, s.pipeline.cache, "live", key, s.pipeline.Run)
}

// runKey versions a run by its input files, remote layers and join options
func (p *Pipeline) runKey() (string, error) {
	csvKey, err := FileKey(p.inputs.HotspotsCSV)
	if err != nil {
		return "", fmt.Errorf("failed to load hotspots: %w", err)
	}
	parts := []string{
		csvKey, p.inputs.Areas.Key(), p.inputs.Cantons.Key(),
		string(p.opts.Composition), string(p.opts.Predicate),
	}
	if lc := p.inputs.LandCover; lc != nil && lc.Path != "" {
		lcKey, err := FileKey(lc.Path)
		if err != nil {
			return "", fmt.Errorf("failed to load land cover: %w", err)
		}
		parts = append(parts, lcKey, lc.Table, lc.ClassField, string(p.opts.LandCoverPredicate))
	}
	return strings.Join(parts, "#"), nil
}

func (s *Source) loadPreprocessed(ctx context.Context) (*Result, error) {
	start := time.Now()

	ds, err := gpkg.ReadDataset(ctx, s.preprocessed, s.layer, s.columns)
	if err != nil {
		return nil, fmt.Errorf("failed to read preprocessed dataset: %w", err)
	}

	areas, err := s.storedOrFetched(ctx, AreasTable, s.pipeline.inputs.Areas)
	if err != nil {
		return nil, err
	}
	cantons, err := s.storedOrFetched(ctx, CantonsTable, s.pipeline.inputs.Cantons)
	if err != nil {
		return nil, err
	}

	logger.Info("Loaded %s preprocessed hotspots from %s", humanize.Comma(int64(len(ds.Records))), s.preprocessed)
	return &Result{
		Dataset:  ds,
		Areas:    areas,
		Cantons:  cantons,
		Filter:   filter.New(ds.Records),
		Duration: time.Since(start),
	}, nil
}

// storedOrFetched reads a boundary layer from the package, or fetches it when
// the package predates stored boundaries
func (s *Source) storedOrFetched(ctx context.Context, table string, req wfs.LayerRequest) (*spatial.Layer, error) {
	tables, err := gpkg.Layers(ctx, s.preprocessed)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		if t != table {
			continue
		}
		boundaries, err := gpkg.ReadPolygons(ctx, s.preprocessed, table, req.NameField, req.Kind)
		if err != nil {
			return nil, fmt.Errorf("failed to read stored boundaries: %w", err)
		}
		return spatial.NewLayer(req.Kind, boundaries), nil
	}
	return s.pipeline.fetchLayer(ctx, req)
}
