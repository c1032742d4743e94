// Package crs identifies the coordinate reference system named by a GeoJSON
// payload and reprojects geometries to WGS84 longitude/latitude.
//
// Only the systems Costa Rican geoservices actually emit are supported:
// WGS84 (both axis orders), Web Mercator and CRTM05.
package crs

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// ErrUnsupported is returned for a CRS this package cannot reproject
var ErrUnsupported = errors.New("unsupported coordinate reference system")

// Known EPSG codes
const (
	WGS84       = 4326
	WebMercator = 3857
	CRTM05      = 5367
)

// CRS is a parsed reference system name
type CRS struct {
	EPSG int
	// LatLon is set when the axis order is latitude first, as the OGC URN
	// form of EPSG:4326 mandates.
	LatLon bool
}

// String renders the CRS as EPSG:<code>
func (c CRS) String() string {
	return "EPSG:" + strconv.Itoa(c.EPSG)
}

// Default is what GeoJSON without a crs member means (RFC 7946: CRS84)
var Default = CRS{EPSG: WGS84}

var epsgCode = regexp.MustCompile(`(?i)EPSG(?:::|:|/[0-9.]*/|/)(\d+)$`)

// Parse interprets the CRS names found in WFS GeoJSON output, e.g.
// "EPSG:4326", "urn:ogc:def:crs:EPSG::5367",
// "urn:ogc:def:crs:OGC:1.3:CRS84", "http://www.opengis.net/def/crs/EPSG/0/3857".
func Parse(name string) (CRS, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Default, nil
	}
	if strings.HasSuffix(strings.ToUpper(name), "CRS84") {
		return Default, nil
	}

	m := epsgCode.FindStringSubmatch(name)
	if m == nil {
		return CRS{}, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return CRS{}, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
	switch code {
	case 900913, 102100:
		code = WebMercator
	}

	c := CRS{EPSG: code}
	lower := strings.ToLower(name)
	if code == WGS84 && (strings.HasPrefix(lower, "urn:") || strings.HasPrefix(lower, "http")) {
		c.LatLon = true
	}
	if !c.Supported() {
		return CRS{}, fmt.Errorf("%w: %s", ErrUnsupported, c)
	}
	return c, nil
}

// Supported reports whether ToWGS84 can handle the CRS
func (c CRS) Supported() bool {
	switch c.EPSG {
	case WGS84, WebMercator, CRTM05:
		return true
	}
	return false
}

// Projection returns the point transform from c to WGS84 lon/lat
func (c CRS) Projection() (orb.Projection, error) {
	switch c.EPSG {
	case WGS84:
		if c.LatLon {
			return func(p orb.Point) orb.Point { return orb.Point{p[1], p[0]} }, nil
		}
		return func(p orb.Point) orb.Point { return p }, nil
	case WebMercator:
		return project.Mercator.ToWGS84, nil
	case CRTM05:
		return crtm05.inverse, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, c)
}

// ToWGS84 reprojects g in place and returns it
func ToWGS84(g orb.Geometry, from CRS) (orb.Geometry, error) {
	if g == nil {
		return nil, nil
	}
	proj, err := from.Projection()
	if err != nil {
		return nil, err
	}
	return project.Geometry(g, proj), nil
}

// transverseMercator holds the parameters of a Transverse Mercator grid
type transverseMercator struct {
	a, f           float64 // ellipsoid semi-major axis and flattening
	lon0           float64 // central meridian, degrees
	k0             float64
	falseE, falseN float64
}

// CRTM05: GRS80 ellipsoid, central meridian 84°W, scale 0.9999, false easting 500 km.
var crtm05 = transverseMercator{
	a:      6378137.0,
	f:      1 / 298.257222101,
	lon0:   -84.0,
	k0:     0.9999,
	falseE: 500000.0,
	falseN: 0.0,
}

func (tm transverseMercator) e2() float64 {
	return tm.f * (2 - tm.f)
}

// meridianArc is the distance along the meridian from the equator to lat (radians)
func (tm transverseMercator) meridianArc(lat float64) float64 {
	e2 := tm.e2()
	e4 := e2 * e2
	e6 := e4 * e2
	return tm.a * ((1-e2/4-3*e4/64-5*e6/256)*lat -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*lat) +
		(15*e4/256+45*e6/1024)*math.Sin(4*lat) -
		(35*e6/3072)*math.Sin(6*lat))
}

// forward maps lon/lat degrees to grid easting/northing
func (tm transverseMercator) forward(p orb.Point) orb.Point {
	lat := p[1] * math.Pi / 180
	dLon := (p[0] - tm.lon0) * math.Pi / 180

	e2 := tm.e2()
	ep2 := e2 / (1 - e2)
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	n := tm.a / math.Sqrt(1-e2*sinLat*sinLat)
	t := math.Tan(lat) * math.Tan(lat)
	c := ep2 * cosLat * cosLat
	A := dLon * cosLat
	m := tm.meridianArc(lat)

	x := tm.falseE + tm.k0*n*(A+(1-t+c)*math.Pow(A, 3)/6+
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(A, 5)/120)
	y := tm.falseN + tm.k0*(m+n*math.Tan(lat)*(A*A/2+
		(5-t+9*c+4*c*c)*math.Pow(A, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(A, 6)/720))
	return orb.Point{x, y}
}

// inverse maps grid easting/northing to lon/lat degrees
func (tm transverseMercator) inverse(p orb.Point) orb.Point {
	e2 := tm.e2()
	e4 := e2 * e2
	e6 := e4 * e2
	ep2 := e2 / (1 - e2)

	m := (p[1] - tm.falseN) / tm.k0
	mu := m / (tm.a * (1 - e2/4 - 3*e4/64 - 5*e6/256))
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))

	phi1 := mu +
		(3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sinPhi, cosPhi := math.Sin(phi1), math.Cos(phi1)
	c1 := ep2 * cosPhi * cosPhi
	t1 := math.Tan(phi1) * math.Tan(phi1)
	n1 := tm.a / math.Sqrt(1-e2*sinPhi*sinPhi)
	r1 := tm.a * (1 - e2) / math.Pow(1-e2*sinPhi*sinPhi, 1.5)
	d := (p[0] - tm.falseE) / (n1 * tm.k0)

	lat := phi1 - (n1*math.Tan(phi1)/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)
	lon := (d - (1+2*t1+c1)*math.Pow(d, 3)/6 +
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120) / cosPhi

	return orb.Point{tm.lon0 + lon*180/math.Pi, lat * 180 / math.Pi}
}
