// Package aggregate derives counts from joined hotspot records.
//
// Every function is pure: it takes the records to count and returns a new
// slice. Keyed results are sorted by key so charts and tables are stable.
package aggregate

import (
	"sort"

	"github.com/rewired-gh/firmscr/internal/models"
	"github.com/rewired-gh/firmscr/internal/spatial"
)

// Unclassified labels records that matched no land-cover polygon
const Unclassified = "Sin clasificar"

var monthNames = [12]string{
	"Enero", "Febrero", "Marzo", "Abril", "Mayo", "Junio",
	"Julio", "Agosto", "Septiembre", "Octubre", "Noviembre", "Diciembre",
}

// MonthName returns the Spanish name of month m (1-12), or "" when out of range
func MonthName(m int) string {
	if m < 1 || m > 12 {
		return ""
	}
	return monthNames[m-1]
}

// countBy tallies non-empty keys and returns them sorted
func countBy(records []models.JoinedRecord, key func(*models.JoinedRecord) string) []models.Count {
	counts := make(map[string]int)
	for i := range records {
		k := key(&records[i])
		if k == "" {
			continue
		}
		counts[k]++
	}

	out := make([]models.Count, 0, len(counts))
	for k, n := range counts {
		out = append(out, models.Count{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ByArea counts records per conservation area. Records without an area are skipped.
func ByArea(records []models.JoinedRecord) []models.Count {
	return countBy(records, func(r *models.JoinedRecord) string { return r.Area })
}

// ByCanton counts records per canton. Records without a canton are skipped.
func ByCanton(records []models.JoinedRecord) []models.Count {
	return countBy(records, func(r *models.JoinedRecord) string { return r.Canton })
}

// ByLandCover counts records per land-cover class, with unmatched records
// under Unclassified.
func ByLandCover(records []models.JoinedRecord) []models.Count {
	return countBy(records, func(r *models.JoinedRecord) string {
		if r.LandCover == "" {
			return Unclassified
		}
		return r.LandCover
	})
}

// Monthly counts records per month of year, across all years
func Monthly(records []models.JoinedRecord) []models.MonthCount {
	var counts [13]int
	for i := range records {
		counts[records[i].Month()]++
	}

	out := make([]models.MonthCount, 0, 12)
	for m := 1; m <= 12; m++ {
		if counts[m] == 0 {
			continue
		}
		out = append(out, models.MonthCount{MonthNum: m, Month: MonthName(m), Count: counts[m]})
	}
	return out
}

// Yearly counts records per calendar year
func Yearly(records []models.JoinedRecord) []models.YearCount {
	counts := make(map[int]int)
	for i := range records {
		counts[records[i].Year()]++
	}

	out := make([]models.YearCount, 0, len(counts))
	for y, n := range counts {
		out = append(out, models.YearCount{Year: y, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out
}

// Choropleth merges counts onto every polygon of the layer, in layer order.
// Polygons without a count get 0.
func Choropleth(layer *spatial.Layer, counts []models.Count) []models.RegionCount {
	byKey := make(map[string]int, len(counts))
	for _, c := range counts {
		byKey[c.Key] = c.Count
	}

	boundaries := layer.Boundaries()
	out := make([]models.RegionCount, len(boundaries))
	for i, b := range boundaries {
		out[i] = models.RegionCount{Name: b.Name, Count: byKey[b.Name], Geometry: b.Geometry}
	}
	return out
}

// Total sums the counts
func Total(counts []models.Count) int {
	total := 0
	for _, c := range counts {
		total += c.Count
	}
	return total
}

// Range returns the smallest and largest region counts, for color scales
func Range(regions []models.RegionCount) (lo, hi int) {
	for i, r := range regions {
		if i == 0 || r.Count < lo {
			lo = r.Count
		}
		if i == 0 || r.Count > hi {
			hi = r.Count
		}
	}
	return lo, hi
}
