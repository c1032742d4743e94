package gpkg

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/rewired-gh/firmscr/internal/firms"
	"github.com/rewired-gh/firmscr/internal/models"
)

func testRecord(t *testing.T, date, acqTime string, lat, lon float64, area, canton, cover string) models.JoinedRecord {
	t.Helper()
	ts, hhmm, err := firms.CombineTimestamp(date, acqTime)
	if err != nil {
		t.Fatalf("CombineTimestamp failed: %v", err)
	}
	return models.JoinedRecord{
		Hotspot: models.Hotspot{
			AcqDate:        time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
			AcqTime:        hhmm,
			Timestamp:      ts,
			Latitude:       lat,
			Longitude:      lon,
			Brightness:     330.5,
			ConfidenceCode: "h",
			Confidence:     models.ConfidenceHigh,
			FRP:            12.3,
			DayNight:       "N",
			Extra:          map[string]string{"satellite": "N"},
		},
		Area:      area,
		Canton:    canton,
		LandCover: cover,
	}
}

func testPackage(t *testing.T) Package {
	square := func(x float64) orb.Polygon {
		return orb.Polygon{{{x, 9}, {x + 1, 9}, {x + 1, 10.5}, {x, 10.5}, {x, 9}}}
	}
	return Package{
		HotspotLayer: "datos_incendios_completo",
		Columns:      DefaultColumns,
		Dataset: models.Dataset{
			Records: []models.JoinedRecord{
				testRecord(t, "2023-03-01", "115", 10.0, -84.0, "Area X", "San Carlos", "Bosque"),
				testRecord(t, "2023-04-12", "930", 9.5, -84.5, "Area X", "", ""),
			},
			Meta: models.RunMetadata{
				RunID:       "run-1",
				CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
				Fingerprint: "abc123",
				Composition: "chained",
				RowsLoaded:  3,
				RowsDropped: 1,
				RowsJoined:  2,
			},
		},
		Polygons: []PolygonLayer{
			{
				Table:      "areas_conservacion",
				NameColumn: "nombre_ac",
				Kind:       models.LayerConservationArea,
				Boundaries: []models.Boundary{
					{Name: "Area X", Kind: models.LayerConservationArea, Geometry: square(-85)},
					{Name: "Area Y", Kind: models.LayerConservationArea, Geometry: orb.MultiPolygon{square(-83), square(-82)}},
				},
			},
		},
	}
}

func TestWriteAndReadDataset(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "datos.gpkg")
	pkg := testPackage(t)

	if err := Write(ctx, path, pkg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}

	ds, err := ReadDataset(ctx, path, pkg.HotspotLayer, DefaultColumns)
	if err != nil {
		t.Fatalf("ReadDataset failed: %v", err)
	}
	if len(ds.Records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(ds.Records))
	}

	got := ds.Records[0]
	if got.Timestamp.Format(firms.TimestampLayout) != "2023-03-01T01:15:00" {
		t.Errorf("Timestamp = %s, want 2023-03-01T01:15:00", got.Timestamp.Format(firms.TimestampLayout))
	}
	if got.AcqTime != "0115" {
		t.Errorf("AcqTime = %s, want 0115", got.AcqTime)
	}
	if got.Area != "Area X" || got.Canton != "San Carlos" || got.LandCover != "Bosque" {
		t.Errorf("Unexpected joined names: %q %q %q", got.Area, got.Canton, got.LandCover)
	}
	if got.Confidence != models.ConfidenceHigh || got.FRP != 12.3 {
		t.Errorf("Unexpected measurements: %+v", got.Hotspot)
	}
	if !reflect.DeepEqual(got.Extra, map[string]string{"satellite": "N"}) {
		t.Errorf("Extra = %v, want only satellite", got.Extra)
	}
	if ds.Records[1].Canton != "" || ds.Records[1].LandCover != "" {
		t.Errorf("NULL names should read back empty, got %+v", ds.Records[1])
	}

	if !reflect.DeepEqual(ds.Meta, pkg.Dataset.Meta) {
		t.Errorf("Meta = %+v, want %+v", ds.Meta, pkg.Dataset.Meta)
	}
}

func TestWriteSetsGeoPackageHeader(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "datos.gpkg")
	if err := Write(ctx, path, testPackage(t)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	db, err := open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var appID, version int
	if err := db.QueryRow("PRAGMA application_id").Scan(&appID); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if appID != applicationID || version != userVersion {
		t.Errorf("header = (%d, %d), want (%d, %d)", appID, version, applicationID, userVersion)
	}

	names, err := layers(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"areas_conservacion", "datos_incendios_completo"}) {
		t.Errorf("layers = %v", names)
	}

	var geomType string
	if err := db.QueryRow(`SELECT geometry_type_name FROM gpkg_geometry_columns WHERE table_name = 'datos_incendios_completo'`).Scan(&geomType); err != nil {
		t.Fatal(err)
	}
	if geomType != "POINT" {
		t.Errorf("geometry type = %s, want POINT", geomType)
	}

	cols, err := tableColumns(ctx, db, "datos_incendios_completo")
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range cols {
		if c == "OBJECTID" {
			t.Errorf("feature table must not carry OBJECTID")
		}
	}

	var blob []byte
	if err := db.QueryRow(`SELECT geom FROM datos_incendios_completo ORDER BY fid LIMIT 1`).Scan(&blob); err != nil {
		t.Fatal(err)
	}
	g, srs, err := DecodeGeometry(blob)
	if err != nil {
		t.Fatal(err)
	}
	if srs != SRSWGS84 || g.(orb.Point) != (orb.Point{-84, 10}) {
		t.Errorf("stored geometry = %v srs %d", g, srs)
	}
}

func TestWriteReplacesExistingFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "datos.gpkg")
	pkg := testPackage(t)

	if err := Write(ctx, path, pkg); err != nil {
		t.Fatal(err)
	}
	pkg.Dataset.Records = pkg.Dataset.Records[:1]
	pkg.Dataset.Meta.RowsJoined = 1
	if err := Write(ctx, path, pkg); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	ds, err := ReadDataset(ctx, path, pkg.HotspotLayer, DefaultColumns)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds.Records) != 1 {
		t.Errorf("Expected rewritten file with 1 record, got %d", len(ds.Records))
	}
}

func TestWriteValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Package)
	}{
		{"empty layer", func(p *Package) { p.HotspotLayer = "" }},
		{"column collides with base column", func(p *Package) { p.Columns.Area = "FRP" }},
		{"duplicate attribute columns", func(p *Package) { p.Columns.Canton = p.Columns.Area }},
		{"reserved polygon table", func(p *Package) { p.Polygons[0].Table = "gpkg_contents" }},
		{"polygon table equals hotspot layer", func(p *Package) { p.Polygons[0].Table = p.HotspotLayer }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg := testPackage(t)
			tt.mutate(&pkg)
			path := filepath.Join(t.TempDir(), "x.gpkg")
			if err := Write(context.Background(), path, pkg); err == nil {
				t.Error("Write() expected error")
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Errorf("invalid package must not produce a file")
			}
		})
	}
}

func TestReadDatasetMissingAreaColumn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "datos.gpkg")
	if err := Write(ctx, path, testPackage(t)); err != nil {
		t.Fatal(err)
	}

	_, err := ReadDataset(ctx, path, "datos_incendios_completo", Columns{Area: "area_name", Canton: "canton", LandCover: "cover"})
	if !errors.Is(err, firms.ErrMissingColumn) {
		t.Errorf("Expected ErrMissingColumn, got %v", err)
	}

	if _, err := ReadDataset(ctx, filepath.Join(t.TempDir(), "missing.gpkg"), "x", DefaultColumns); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

func TestReadPolygons(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "datos.gpkg")
	pkg := testPackage(t)
	if err := Write(ctx, path, pkg); err != nil {
		t.Fatal(err)
	}

	got, err := ReadPolygons(ctx, path, "areas_conservacion", "nombre_ac", models.LayerConservationArea)
	if err != nil {
		t.Fatalf("ReadPolygons failed: %v", err)
	}
	want := pkg.Polygons[0].Boundaries
	if len(got) != len(want) {
		t.Fatalf("Expected %d polygons, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Name != want[i].Name || got[i].Kind != models.LayerConservationArea {
			t.Errorf("polygon %d = %s/%s", i, got[i].Name, got[i].Kind)
		}
		if !reflect.DeepEqual(got[i].Geometry, want[i].Geometry) {
			t.Errorf("polygon %d geometry = %v, want %v", i, got[i].Geometry, want[i].Geometry)
		}
	}

	if _, err := ReadPolygons(ctx, path, "no_such_layer", "name", models.LayerLandCover); err == nil {
		t.Error("Expected error for unknown layer")
	}
}

func TestEncodeGeometryHeader(t *testing.T) {
	blob, err := EncodeGeometry(orb.Point{-84, 10}, SRSWGS84)
	if err != nil {
		t.Fatal(err)
	}
	if blob[0] != 'G' || blob[1] != 'P' || blob[2] != 0 || blob[3] != 0x01 {
		t.Errorf("point header = % x", blob[:4])
	}
	if binary.LittleEndian.Uint32(blob[4:8]) != SRSWGS84 {
		t.Errorf("srs id = %d", binary.LittleEndian.Uint32(blob[4:8]))
	}

	poly := orb.Polygon{{{0, 0}, {2, 0}, {2, 3}, {0, 3}, {0, 0}}}
	blob, err = EncodeGeometry(poly, SRSWGS84)
	if err != nil {
		t.Fatal(err)
	}
	if blob[3] != 0x03 {
		t.Errorf("polygon flags = %#x, want 0x03", blob[3])
	}
	maxY := math.Float64frombits(binary.LittleEndian.Uint64(blob[32:40]))
	if maxY != 3 {
		t.Errorf("envelope maxy = %v, want 3", maxY)
	}
}

func TestDecodeGeometry(t *testing.T) {
	point := orb.Point{-84.1, 9.9}
	body, err := wkb.Marshal(point, binary.BigEndian)
	if err != nil {
		t.Fatal(err)
	}

	// big-endian header with an XYZ envelope (indicator 2)
	bigEndian := []byte{'G', 'P', 0, 2 << 1, 0, 0, 0x14, 0xe6}
	bigEndian = append(bigEndian, make([]byte, 48)...)
	bigEndian = append(bigEndian, body...)

	empty := []byte{'G', 'P', 0, flagLittleEndian | flagEmpty, 0xe6, 0x14, 0, 0}

	tests := []struct {
		name    string
		blob    []byte
		want    orb.Geometry
		wantSRS int32
		wantErr bool
	}{
		{"big endian with envelope", bigEndian, point, 5350, false},
		{"empty flag", empty, nil, 5350, false},
		{"bad magic", []byte("XX\x00\x01\x00\x00\x00\x00"), nil, 0, true},
		{"bad version", []byte{'G', 'P', 1, 1, 0, 0, 0, 0}, nil, 0, true},
		{"bad envelope", []byte{'G', 'P', 0, 0x0b, 0, 0, 0, 0}, nil, 0, true},
		{"truncated", []byte{'G', 'P', 0}, nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, srs, err := DecodeGeometry(tt.blob)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeGeometry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidGeometry) {
					t.Errorf("error should wrap ErrInvalidGeometry, got %v", err)
				}
				return
			}
			if srs != tt.wantSRS {
				t.Errorf("srs = %d, want %d", srs, tt.wantSRS)
			}
			if !reflect.DeepEqual(g, tt.want) {
				t.Errorf("geometry = %v, want %v", g, tt.want)
			}
		})
	}
}
