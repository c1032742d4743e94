package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/rewired-gh/firmscr/internal/aggregate"
	"github.com/rewired-gh/firmscr/internal/filter"
	"github.com/rewired-gh/firmscr/internal/firms"
	"github.com/rewired-gh/firmscr/internal/gpkg"
	"github.com/rewired-gh/firmscr/internal/models"
	"github.com/rewired-gh/firmscr/internal/spatial"
	"github.com/rewired-gh/firmscr/internal/wfs"
)

const hotspotsCSV = `latitude,longitude,brightness,scan,track,acq_date,acq_time,satellite,instrument,confidence,version,bright_t31,frp,daynight
10.0,-84.0,330.1,0.4,0.37,2023-03-01,115,N,VIIRS,h,2.0NRT,290.2,12.3,N
10.2,-83.8,310.4,0.4,0.37,2023-03-20,1942,N,VIIRS,n,2.0NRT,289.0,3.1,N
10.9,-85.6,305.0,0.4,0.37,2023-04-02,930,N,VIIRS,l,2.0NRT,288.1,1.4,D
8.0,-82.0,301.0,0.4,0.37,2023-04-03,1200,N,VIIRS,n,2.0NRT,288.0,0.9,D
9.0,-84.0,abc,0.4,0.37,2023-04-03,1200,N,VIIRS,n,2.0NRT,288.0,0.9,D
`

const areasLayer = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"OBJECTID": 7, "nombre_ac": "Area X"},
     "geometry": {"type": "Polygon", "coordinates": [[[-84.5, 9.5], [-83.5, 9.5], [-83.5, 10.5], [-84.5, 10.5], [-84.5, 9.5]]]}},
    {"type": "Feature", "properties": {"OBJECTID": 8, "nombre_ac": "Area Vacia"},
     "geometry": {"type": "Polygon", "coordinates": [[[-80, 5], [-79, 5], [-79, 6], [-80, 6], [-80, 5]]]}}
  ]
}`

// Cantons are served with lat/lon axis order
const cantonsLayer = `{
  "type": "FeatureCollection",
  "crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::4326"}},
  "features": [
    {"type": "Feature", "properties": {"CANTÓN": "San Carlos"},
     "geometry": {"type": "Polygon", "coordinates": [[[9.9, -84.1], [9.9, -83.9], [10.1, -83.9], [10.1, -84.1], [9.9, -84.1]]]}},
    {"type": "Feature", "properties": {"CANTÓN": "Liberia"},
     "geometry": {"type": "Polygon", "coordinates": [[[10.5, -86], [10.5, -85], [11.5, -85], [11.5, -86], [10.5, -86]]]}}
  ]
}`

type fixture struct {
	server *httptest.Server
	hits   map[string]*int32
	inputs Inputs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "hotspots.csv")
	if err := os.WriteFile(csvPath, []byte(hotspotsCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &fixture{hits: map[string]*int32{"areas": new(int32), "cantons": new(int32)}}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("typeName") {
		case "PNE:areas_conservacion":
			atomic.AddInt32(f.hits["areas"], 1)
			_, _ = w.Write([]byte(areasLayer))
		case "IGN_5_CO:limitecantonal_5k":
			atomic.AddInt32(f.hits["cantons"], 1)
			_, _ = w.Write([]byte(cantonsLayer))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.server.Close)

	f.inputs = Inputs{
		HotspotsCSV: csvPath,
		Areas: wfs.LayerRequest{
			URL: f.server.URL, Layer: "PNE:areas_conservacion", Version: "1.1.0",
			NameField: "nombre_ac", Kind: models.LayerConservationArea,
		},
		Cantons: wfs.LayerRequest{
			URL: f.server.URL, Layer: "IGN_5_CO:limitecantonal_5k", Version: "1.1.0",
			NameField: "CANTÓN", Kind: models.LayerCanton,
		},
	}
	return f
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	p := New(wfs.NewClient(5*time.Second, "firmscr-test"), f.inputs, DefaultOptions, nil)

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	records := res.Dataset.Records
	if len(records) != 2 {
		t.Fatalf("Expected 2 records inside Area X, got %d", len(records))
	}

	first := records[0]
	if got := first.Timestamp.Format(firms.TimestampLayout); got != "2023-03-01T01:15:00" {
		t.Errorf("complete_date = %s, want 2023-03-01T01:15:00", got)
	}
	if first.Area != "Area X" {
		t.Errorf("Area = %q, want Area X", first.Area)
	}
	if first.Canton != "San Carlos" {
		t.Errorf("Canton = %q, want San Carlos", first.Canton)
	}
	if records[1].Canton != "" {
		t.Errorf("second record should have no canton, got %q", records[1].Canton)
	}

	monthly := aggregate.Monthly(records)
	if len(monthly) != 1 || monthly[0].MonthNum != 3 || monthly[0].Month != "Marzo" || monthly[0].Count != 2 {
		t.Errorf("Monthly() = %+v, want Marzo with 2", monthly)
	}

	meta := res.Dataset.Meta
	if meta.RunID == "" || meta.Fingerprint == "" {
		t.Errorf("run metadata incomplete: %+v", meta)
	}
	if meta.RowsLoaded != 5 || meta.RowsDropped != 3 || meta.RowsJoined != 2 {
		t.Errorf("row counts = %d/%d/%d, want 5/3/2", meta.RowsLoaded, meta.RowsDropped, meta.RowsJoined)
	}
	if meta.Composition != string(Chained) {
		t.Errorf("composition = %s", meta.Composition)
	}

	choropleth := aggregate.Choropleth(res.Areas, aggregate.ByArea(records))
	if len(choropleth) != 2 || choropleth[1].Name != "Area Vacia" || choropleth[1].Count != 0 {
		t.Errorf("Choropleth() = %+v, want Area Vacia with 0", choropleth)
	}

	opts := res.Filter.Options(filter.NoSelection)
	if len(opts.Cantons) != 2 || opts.Cantons[1] != "San Carlos" {
		t.Errorf("canton options = %v", opts.Cantons)
	}
}

func TestRunIndependentComposition(t *testing.T) {
	f := newFixture(t)
	opts := DefaultOptions
	opts.Composition = Independent
	p := New(wfs.NewClient(5*time.Second, ""), f.inputs, opts, nil)

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// the Liberia point has a canton but no area
	if len(res.Dataset.Records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(res.Dataset.Records))
	}
	liberia := res.Dataset.Records[2]
	if liberia.Area != "" || liberia.Canton != "Liberia" {
		t.Errorf("Expected canton-only record, got %q/%q", liberia.Area, liberia.Canton)
	}
	if got := aggregate.Total(aggregate.ByArea(res.Dataset.Records)); got != 2 {
		t.Errorf("area analysis should exclude the canton-only record, got %d", got)
	}
}

func TestRunFetchErrorAborts(t *testing.T) {
	f := newFixture(t)
	f.inputs.Cantons.Layer = "IGN_5_CO:missing"
	p := New(wfs.NewClient(5*time.Second, ""), f.inputs, DefaultOptions, nil)

	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("Expected run to fail when a layer cannot be fetched")
	}
}

func TestRunMissingColumnFails(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.inputs.HotspotsCSV, []byte("latitude,longitude\n10,-84\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := New(wfs.NewClient(5*time.Second, ""), f.inputs, DefaultOptions, nil)

	if _, err := p.Run(context.Background()); !errors.Is(err, firms.ErrMissingColumn) {
		t.Fatalf("Expected ErrMissingColumn, got %v", err)
	}
}

func TestRunUsesCache(t *testing.T) {
	f := newFixture(t)
	cache := NewCache()
	p := New(wfs.NewClient(5*time.Second, ""), f.inputs, DefaultOptions, cache)

	for i := 0; i < 3; i++ {
		if _, err := p.Run(context.Background()); err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(f.hits["areas"]); n != 1 {
		t.Errorf("areas fetched %d times, want 1", n)
	}
	if n := atomic.LoadInt32(f.hits["cantons"]); n != 1 {
		t.Errorf("cantons fetched %d times, want 1", n)
	}
	if cache.Len() != 3 {
		t.Errorf("cache holds %d slots, want 3", cache.Len())
	}
}

func TestSourcePrefersPreprocessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cache := NewCache()
	p := New(wfs.NewClient(5*time.Second, ""), f.inputs, DefaultOptions, cache)

	live, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "pre.gpkg")
	columns := gpkg.Columns{Area: "nombre_ac", Canton: "CANTÓN", LandCover: "cobertura"}
	if err := gpkg.Write(ctx, path, Package(live, "datos_incendios_completo", columns, f.inputs)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// a fresh cache and a dead WFS: everything must come from the package
	f.server.Close()
	src := NewSource(New(wfs.NewClient(time.Second, ""), f.inputs, DefaultOptions, NewCache()), path, "datos_incendios_completo", columns)

	res, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(res.Dataset.Records) != len(live.Dataset.Records) {
		t.Errorf("Expected %d records, got %d", len(live.Dataset.Records), len(res.Dataset.Records))
	}
	if res.Dataset.Meta.RunID != live.Dataset.Meta.RunID {
		t.Errorf("RunID = %s, want %s", res.Dataset.Meta.RunID, live.Dataset.Meta.RunID)
	}
	if res.Areas.Len() != 2 || res.Cantons.Len() != 2 {
		t.Errorf("stored layers = %d/%d, want 2/2", res.Areas.Len(), res.Cantons.Len())
	}
	if res.Dataset.Records[0].Canton != "San Carlos" {
		t.Errorf("canton column lost: %+v", res.Dataset.Records[0])
	}
}

func TestSourceFallsBackToLive(t *testing.T) {
	f := newFixture(t)
	p := New(wfs.NewClient(5*time.Second, ""), f.inputs, DefaultOptions, NewCache())
	src := NewSource(p, filepath.Join(t.TempDir(), "absent.gpkg"), "datos_incendios_completo", gpkg.DefaultColumns)

	res, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(res.Dataset.Records) != 2 {
		t.Errorf("Expected live records, got %d", len(res.Dataset.Records))
	}
}

func TestSourceLiveRunIsMemoized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := New(wfs.NewClient(5*time.Second, ""), f.inputs, DefaultOptions, NewCache())
	src := NewSource(p, "", "datos_incendios_completo", gpkg.DefaultColumns)

	first, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	second, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if first != second || first.Dataset.Meta.RunID != second.Dataset.Meta.RunID {
		t.Errorf("repeated loads ran again: %s vs %s", first.Dataset.Meta.RunID, second.Dataset.Meta.RunID)
	}
	if *f.hits["areas"] != 1 || *f.hits["cantons"] != 1 {
		t.Errorf("fetches = %d/%d, want 1/1", *f.hits["areas"], *f.hits["cantons"])
	}

	// A changed hotspot file produces a new run
	if err := os.WriteFile(f.inputs.HotspotsCSV, []byte(hotspotsCSV+"10.1,-83.9,320.0,0.4,0.37,2023-05-01,1000,N,VIIRS,n,2.0NRT,289.0,2.0,D\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	third, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if third.Dataset.Meta.RunID == first.Dataset.Meta.RunID {
		t.Error("changed input reused the previous run")
	}
	if len(third.Dataset.Records) != len(first.Dataset.Records)+1 {
		t.Errorf("records = %d, want %d", len(third.Dataset.Records), len(first.Dataset.Records)+1)
	}
	if *f.hits["areas"] != 1 {
		t.Errorf("unchanged layer fetched again: %d", *f.hits["areas"])
	}
}

func TestJoinLandCover(t *testing.T) {
	square := func(minX, minY, maxX, maxY float64) orb.Polygon {
		return orb.Polygon{{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY}}}
	}
	areas := spatial.NewLayer(models.LayerConservationArea, []models.Boundary{{Name: "A", Geometry: square(0, 0, 10, 10)}})
	cantons := spatial.NewLayer(models.LayerCanton, nil)
	cover := spatial.NewLayer(models.LayerLandCover, []models.Boundary{{Name: "Bosque", Geometry: square(0, 0, 5, 5)}})

	hotspots := []models.Hotspot{
		{Latitude: 2, Longitude: 2},
		{Latitude: 5, Longitude: 2}, // on the cover edge
		{Latitude: 8, Longitude: 8},
		{Latitude: 20, Longitude: 20},
	}
	records, dropped := Join(hotspots, areas, cantons, cover, DefaultOptions)
	if dropped != 1 || len(records) != 3 {
		t.Fatalf("Join() kept %d dropped %d, want 3 and 1", len(records), dropped)
	}
	want := []string{"Bosque", "", ""}
	for i, w := range want {
		if records[i].LandCover != w {
			t.Errorf("record %d land cover = %q, want %q", i, records[i].LandCover, w)
		}
	}
}

func TestParseComposition(t *testing.T) {
	if c, err := ParseComposition("Independent"); err != nil || c != Independent {
		t.Errorf("ParseComposition(Independent) = %v, %v", c, err)
	}
	if _, err := ParseComposition("merged"); err == nil {
		t.Error("Expected error for unknown composition")
	}
}

func TestCacheSingleFlight(t *testing.T) {
	cache := NewCache()
	var calls int32
	release := make(chan struct{})

	load := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Memo(context.Background(), cache, "slot", "v1", load)
			if err != nil {
				t.Errorf("Memo failed: %v", err)
			}
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
	for i, v := range results {
		if v != 42 {
			t.Errorf("result %d = %d, want 42", i, v)
		}
	}
}

func TestCacheSingleFlightSharesError(t *testing.T) {
	cache := NewCache()
	var calls int32
	release := make(chan struct{})
	boom := errors.New("service down")

	load := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 0, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Memo(context.Background(), cache, "slot", "v1", load)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("loader called %d times, want 1", n)
	}
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("caller %d error = %v, want %v", i, err, boom)
		}
	}
	if cache.Len() != 0 {
		t.Errorf("failed load left %d slots", cache.Len())
	}

	// The next request after the failure starts a fresh load
	v, err := Memo(context.Background(), cache, "slot", "v1", func(context.Context) (int, error) { return 9, nil })
	if err != nil || v != 9 {
		t.Errorf("reload = %d, %v; want 9", v, err)
	}
}

func TestCacheEvictsStaleKey(t *testing.T) {
	cache := NewCache()
	ctx := context.Background()

	v1, _ := Memo(ctx, cache, "slot", "v1", func(context.Context) (string, error) { return "old", nil })
	v2, _ := Memo(ctx, cache, "slot", "v2", func(context.Context) (string, error) { return "new", nil })
	v3, _ := Memo(ctx, cache, "slot", "v2", func(context.Context) (string, error) { return "unexpected", nil })

	if v1 != "old" || v2 != "new" || v3 != "new" {
		t.Errorf("got %q %q %q", v1, v2, v3)
	}
	if cache.Len() != 1 {
		t.Errorf("cache holds %d slots, want 1", cache.Len())
	}

	cache.Invalidate("slot")
	if cache.Len() != 0 {
		t.Errorf("Invalidate left %d slots", cache.Len())
	}
}

func TestCacheDoesNotKeepErrors(t *testing.T) {
	cache := NewCache()
	ctx := context.Background()
	boom := errors.New("boom")

	if _, err := Memo(ctx, cache, "slot", "v1", func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	v, err := Memo(ctx, cache, "slot", "v1", func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("retry = %d, %v; want 7", v, err)
	}
}

func TestFileKeyChangesWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.csv")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	k1, err := FileKey(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	k2, _ := FileKey(path)
	if k1 == k2 {
		t.Errorf("FileKey did not change after rewrite: %s", k1)
	}

	if _, err := FileKey(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
