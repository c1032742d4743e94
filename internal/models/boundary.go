package models

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
)

// LayerKind identifies which reference layer a boundary belongs to
type LayerKind string

const (
	LayerConservationArea LayerKind = "conservation_area"
	LayerCanton           LayerKind = "canton"
	LayerLandCover        LayerKind = "land_cover"
)

// Boundary is a named polygon from a reference layer, always in WGS84 lon/lat.
// For land-cover layers Name holds the cover class.
type Boundary struct {
	Name     string       `json:"name"`
	Kind     LayerKind    `json:"kind"`
	Geometry orb.Geometry `json:"-"`
}

// Validate checks that the boundary has a name and an areal geometry
func (b *Boundary) Validate() error {
	if b.Name == "" {
		return errors.New("boundary name must not be empty")
	}
	switch g := b.Geometry.(type) {
	case orb.Polygon:
		if len(g) == 0 || len(g[0]) < 4 {
			return errors.New("polygon must have an outer ring with at least 4 points")
		}
	case orb.MultiPolygon:
		if len(g) == 0 {
			return errors.New("multipolygon must not be empty")
		}
	case nil:
		return errors.New("boundary geometry must not be empty")
	default:
		return fmt.Errorf("boundary geometry must be Polygon or MultiPolygon, got %s", g.GeoJSONType())
	}
	return nil
}
