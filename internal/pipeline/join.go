package pipeline

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"

	"github.com/rewired-gh/firmscr/internal/models"
	"github.com/rewired-gh/firmscr/internal/spatial"
)

// Composition selects how the area and canton joins combine
type Composition string

const (
	// Chained joins cantons onto the area-joined rows and keeps only rows with an area
	Chained Composition = "chained"
	// Independent joins both layers against the original points and keeps rows
	// matching either layer
	Independent Composition = "independent"
)

// ParseComposition validates a composition name
func ParseComposition(s string) (Composition, error) {
	switch c := Composition(strings.ToLower(strings.TrimSpace(s))); c {
	case Chained, Independent:
		return c, nil
	}
	return "", fmt.Errorf("unknown join composition %q", s)
}

// Options controls the join stage
type Options struct {
	Composition        Composition
	Predicate          spatial.Predicate
	LandCoverPredicate spatial.Predicate
}

// DefaultOptions are the options the preprocessing job has always used
var DefaultOptions = Options{
	Composition:        Chained,
	Predicate:          spatial.Intersects,
	LandCoverPredicate: spatial.Within,
}

// Join assigns each hotspot its conservation area, canton and, when a
// land-cover layer is given, its cover class. It returns the surviving
// records and how many were dropped for lack of a match.
func Join(hotspots []models.Hotspot, areas, cantons, landCover *spatial.Layer, opts Options) ([]models.JoinedRecord, int) {
	points := make([]orb.Point, len(hotspots))
	for i := range hotspots {
		points[i] = hotspots[i].Point()
	}

	areaNames := spatial.Join(points, areas, opts.Predicate)

	var records []models.JoinedRecord
	switch opts.Composition {
	case Independent:
		cantonNames := spatial.Join(points, cantons, opts.Predicate)
		records = make([]models.JoinedRecord, 0, len(hotspots))
		for i := range hotspots {
			if areaNames[i] == "" && cantonNames[i] == "" {
				continue
			}
			records = append(records, models.JoinedRecord{
				Hotspot: hotspots[i],
				Area:    areaNames[i],
				Canton:  cantonNames[i],
			})
		}

	default:
		joined := make([]models.JoinedRecord, len(hotspots))
		joinedPoints := make([]orb.Point, len(hotspots))
		for i := range hotspots {
			joined[i] = models.JoinedRecord{Hotspot: hotspots[i], Area: areaNames[i]}
			joinedPoints[i] = joined[i].Point()
		}
		cantonNames := spatial.Join(joinedPoints, cantons, opts.Predicate)

		records = make([]models.JoinedRecord, 0, len(joined))
		for i := range joined {
			joined[i].Canton = cantonNames[i]
			if !joined[i].HasArea() {
				continue
			}
			records = append(records, joined[i])
		}
	}

	if landCover != nil {
		for i := range records {
			if name, ok := landCover.Match(records[i].Point(), opts.LandCoverPredicate); ok {
				records[i].LandCover = name
			}
		}
	}

	return records, len(hotspots) - len(records)
}
