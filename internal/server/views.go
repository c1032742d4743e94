package server

import (
	"fmt"
	"math"
	"net/http"

	"github.com/paulmach/orb/geojson"

	"github.com/rewired-gh/firmscr/internal/filter"
	"github.com/rewired-gh/firmscr/internal/models"
)

// Table column labels, in display order
var tableColumns = []string{
	"Fecha", "Latitud", "Longitud", "Brillo", "Confianza", "FRP", "Día/Noche",
	"Área de Conservación", "Cantón",
}

// TableView is the hotspot table of the dashboard
type TableView struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (v *TableView) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func newTableView(records []models.JoinedRecord) *TableView {
	rows := make([][]any, 0, len(records))
	for i := range records {
		rec := &records[i]
		rows = append(rows, []any{
			rec.Timestamp.Format("2006-01-02T15:04:05"),
			rec.Latitude,
			rec.Longitude,
			rec.Brightness,
			rec.ConfidenceCode,
			rec.FRP,
			rec.DayNight,
			rec.Area,
			rec.Canton,
		})
	}
	return &TableView{Columns: tableColumns, Rows: rows}
}

// MarkerView is one hotspot on the marker map
type MarkerView struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	FRP        float64 `json:"frp"`
	Date       string  `json:"date"`
	Confidence string  `json:"confidence"`
	Color      string  `json:"color"`
	Popup      string  `json:"popup"`
	Tooltip    string  `json:"tooltip"`
}

func newMarkerViews(records []models.JoinedRecord) []MarkerView {
	out := make([]MarkerView, 0, len(records))
	for i := range records {
		rec := &records[i]
		date := rec.Timestamp.Format("2006-01-02")
		out = append(out, MarkerView{
			Latitude:   rec.Latitude,
			Longitude:  rec.Longitude,
			FRP:        rec.FRP,
			Date:       date,
			Confidence: rec.ConfidenceCode,
			Color:      markerColor(rec.Confidence),
			Popup: fmt.Sprintf("Foco de Incendio<br>FRP (Poder Radiativo): %.1f MW<br>Fecha de Detección: %s<br>Confianza: %s<br>Coordenadas: %.2f, %.2f",
				rec.FRP, date, rec.ConfidenceCode, rec.Latitude, rec.Longitude),
			Tooltip: fmt.Sprintf("FRP: %.1f MW", rec.FRP),
		})
	}
	return out
}

func markerColor(c models.Confidence) string {
	switch c {
	case models.ConfidenceHigh:
		return "red"
	case models.ConfidenceNominal:
		return "orange"
	}
	return "darkblue"
}

// OptionsView is the state of both selectors plus the number of matching rows
type OptionsView struct {
	filter.Options
	Total int `json:"total"`
}

func (v *OptionsView) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// RunView describes the dataset being served
type RunView struct {
	Meta      models.RunMetadata `json:"meta"`
	Selection filter.Selection   `json:"selection"`
	Total     int                `json:"total"`
}

func (v *RunView) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// MapView holds the map defaults of the dashboard
type MapView struct {
	Center          [2]float64 `json:"center"`
	Zoom            int        `json:"zoom"`
	TileURL         string     `json:"tile_url,omitempty"`
	TileAttribution string     `json:"tile_attribution,omitempty"`
}

func (v *MapView) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// newChoropleth turns region counts into a GeoJSON feature collection whose
// features carry their count and fill color
func newChoropleth(regions []models.RegionCount, lo, hi int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range regions {
		f := geojson.NewFeature(r.Geometry)
		f.Properties["name"] = r.Name
		f.Properties["frecuencia"] = r.Count
		f.Properties["frecuencia_tooltip"] = countTooltip(r.Count)
		f.Properties["fill_color"] = fillColor(r.Count, lo, hi)
		fc.Append(f)
	}
	fc.ExtraMembers = geojson.Properties{
		"min": lo,
		"max": hi,
	}
	return fc
}

// countTooltip hides zero counts on the map
func countTooltip(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprint(n)
}

// ylOrRd is the nine-class sequential yellow-orange-red palette
var ylOrRd = [9][3]uint8{
	{0xff, 0xff, 0xcc},
	{0xff, 0xed, 0xa0},
	{0xfe, 0xd9, 0x76},
	{0xfe, 0xb2, 0x4c},
	{0xfd, 0x8d, 0x3c},
	{0xfc, 0x4e, 0x2a},
	{0xe3, 0x1a, 0x1c},
	{0xbd, 0x00, 0x26},
	{0x80, 0x00, 0x26},
}

// fillColor interpolates the palette linearly over [lo, hi]
func fillColor(v, lo, hi int) string {
	if hi <= lo {
		return hexColor(ylOrRd[0])
	}
	t := float64(v-lo) / float64(hi-lo)
	t = math.Max(0, math.Min(1, t))

	pos := t * float64(len(ylOrRd)-1)
	i := int(math.Floor(pos))
	if i >= len(ylOrRd)-1 {
		return hexColor(ylOrRd[len(ylOrRd)-1])
	}
	frac := pos - float64(i)

	var c [3]uint8
	for k := range c {
		a, b := float64(ylOrRd[i][k]), float64(ylOrRd[i+1][k])
		c[k] = uint8(math.Round(a + (b-a)*frac))
	}
	return hexColor(c)
}

func hexColor(c [3]uint8) string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}
