package wfs

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/text/unicode/norm"

	"github.com/rewired-gh/firmscr/internal/crs"
	"github.com/rewired-gh/firmscr/internal/logger"
	"github.com/rewired-gh/firmscr/internal/models"
)

// crsMember is the pre-RFC 7946 "crs" member GeoServer still emits
type crsMember struct {
	CRS *struct {
		Type       string `json:"type"`
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"crs"`
}

// DecodeLayer parses a GeoJSON FeatureCollection into named WGS84 boundaries.
// Features without a name or without an areal geometry are skipped.
func DecodeLayer(data []byte, nameField string, kind models.LayerKind) ([]models.Boundary, error) {
	var member crsMember
	if err := json.Unmarshal(data, &member); err != nil {
		return nil, fmt.Errorf("invalid geojson: %w", err)
	}
	source := crs.Default
	if member.CRS != nil {
		parsed, err := crs.Parse(member.CRS.Properties.Name)
		if err != nil {
			return nil, err
		}
		source = parsed
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("invalid feature collection: %w", err)
	}

	boundaries := make([]models.Boundary, 0, len(fc.Features))
	unnamed, nonAreal := 0, 0
	for _, f := range fc.Features {
		name := PropertyString(f.Properties, nameField)
		if name == "" {
			unnamed++
			continue
		}

		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			nonAreal++
			continue
		}

		geom, err := crs.ToWGS84(f.Geometry, source)
		if err != nil {
			return nil, err
		}

		b := models.Boundary{Name: name, Kind: kind, Geometry: geom}
		if err := b.Validate(); err != nil {
			nonAreal++
			logger.Debug("Skipping feature %q: %v", name, err)
			continue
		}
		boundaries = append(boundaries, b)
	}

	if unnamed > 0 || nonAreal > 0 {
		logger.Warn("Layer %s: skipped %d features without %q and %d without a usable polygon",
			kind, unnamed, nameField, nonAreal)
	}
	logger.Debug("Decoded %d %s boundaries from %s", len(boundaries), kind, source)

	return boundaries, nil
}

// PropertyString looks a property up by Unicode-normalized key and renders it as text.
// Services differ on whether "CANTÓN" arrives composed or decomposed.
func PropertyString(props geojson.Properties, key string) string {
	v, ok := props[key]
	if !ok {
		want := norm.NFC.String(key)
		for k, candidate := range props {
			if norm.NFC.String(k) == want {
				v, ok = candidate, true
				break
			}
		}
	}
	if !ok || v == nil {
		return ""
	}

	var s string
	switch val := v.(type) {
	case string:
		s = val
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			s = strconv.FormatInt(int64(val), 10)
		} else {
			s = strconv.FormatFloat(val, 'f', -1, 64)
		}
	case bool:
		s = strconv.FormatBool(val)
	default:
		s = fmt.Sprint(val)
	}
	return norm.NFC.String(strings.TrimSpace(s))
}
