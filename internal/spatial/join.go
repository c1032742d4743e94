// Package spatial assigns points to the polygons of a reference layer.
//
// A point is matched to at most one polygon. When several polygons match,
// the one with the smallest name wins, then the earliest in layer order,
// so repeated joins over the same inputs always agree.
package spatial

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/rewired-gh/firmscr/internal/models"
)

// Predicate decides when a point counts as inside a polygon
type Predicate string

const (
	// Intersects matches the interior and every ring boundary
	Intersects Predicate = "intersects"
	// Within matches the interior only; a point on a boundary is a miss
	Within Predicate = "within"
)

// ParsePredicate validates a predicate name
func ParsePredicate(s string) (Predicate, error) {
	switch p := Predicate(strings.ToLower(strings.TrimSpace(s))); p {
	case Intersects, Within:
		return p, nil
	}
	return "", fmt.Errorf("unknown spatial predicate %q", s)
}

// edgeTolerance is how far, in degrees, a point may sit from an edge and still be on it
const edgeTolerance = 1e-12

type entry struct {
	name  string
	order int
	geom  orb.Geometry
	bound orb.Bound
}

// Layer is an immutable polygon layer prepared for point lookups
type Layer struct {
	kind       models.LayerKind
	boundaries []models.Boundary
	byName     []entry
}

// NewLayer prepares boundaries for matching. The input order is kept as the
// layer order.
func NewLayer(kind models.LayerKind, boundaries []models.Boundary) *Layer {
	l := &Layer{
		kind:       kind,
		boundaries: append([]models.Boundary(nil), boundaries...),
		byName:     make([]entry, 0, len(boundaries)),
	}
	for i, b := range l.boundaries {
		if b.Geometry == nil {
			continue
		}
		l.byName = append(l.byName, entry{
			name:  b.Name,
			order: i,
			geom:  b.Geometry,
			bound: b.Geometry.Bound(),
		})
	}
	sort.SliceStable(l.byName, func(i, j int) bool {
		if l.byName[i].name != l.byName[j].name {
			return l.byName[i].name < l.byName[j].name
		}
		return l.byName[i].order < l.byName[j].order
	})
	return l
}

// Kind returns the layer kind
func (l *Layer) Kind() models.LayerKind {
	return l.kind
}

// Len returns the number of polygons in the layer
func (l *Layer) Len() int {
	return len(l.boundaries)
}

// Boundaries returns the polygons in layer order
func (l *Layer) Boundaries() []models.Boundary {
	return l.boundaries
}

// Match returns the name of the polygon p falls in, or false
func (l *Layer) Match(p orb.Point, pred Predicate) (string, bool) {
	for _, e := range l.byName {
		if !e.bound.Contains(p) {
			continue
		}
		if Matches(e.geom, p, pred) {
			return e.name, true
		}
	}
	return "", false
}

// Join matches every point against the layer. The result is aligned with
// points; an empty string means no polygon matched.
func Join(points []orb.Point, l *Layer, pred Predicate) []string {
	names := make([]string, len(points))
	for i, p := range points {
		if name, ok := l.Match(p, pred); ok {
			names[i] = name
		}
	}
	return names
}

// Matches evaluates the predicate for a single Polygon or MultiPolygon
func Matches(g orb.Geometry, p orb.Point, pred Predicate) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return polygonMatches(geom, p, pred)
	case orb.MultiPolygon:
		// Within a multipolygon means inside one part and on no part's boundary
		inside := false
		for _, poly := range geom {
			if onPolygonBoundary(poly, p) {
				if pred == Intersects {
					return true
				}
				return false
			}
			if planar.PolygonContains(poly, p) {
				inside = true
			}
		}
		return inside
	}
	return false
}

func polygonMatches(poly orb.Polygon, p orb.Point, pred Predicate) bool {
	if len(poly) == 0 {
		return false
	}
	if onPolygonBoundary(poly, p) {
		return pred == Intersects
	}
	return planar.PolygonContains(poly, p)
}

func onPolygonBoundary(poly orb.Polygon, p orb.Point) bool {
	for _, ring := range poly {
		if onRing(ring, p) {
			return true
		}
	}
	return false
}

func onRing(ring orb.Ring, p orb.Point) bool {
	n := len(ring)
	for i := 0; i < n; i++ {
		a := ring[i]
		b := ring[(i+1)%n]
		if onSegment(a, b, p) {
			return true
		}
	}
	return false
}

func onSegment(a, b, p orb.Point) bool {
	if p[0] < math.Min(a[0], b[0])-edgeTolerance || p[0] > math.Max(a[0], b[0])+edgeTolerance ||
		p[1] < math.Min(a[1], b[1])-edgeTolerance || p[1] > math.Max(a[1], b[1])+edgeTolerance {
		return false
	}
	cross := (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
	length := math.Hypot(b[0]-a[0], b[1]-a[1])
	if length == 0 {
		return p == a
	}
	return math.Abs(cross)/length <= edgeTolerance
}
