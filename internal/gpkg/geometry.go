package gpkg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// Geometry blob header flag bits
const (
	flagLittleEndian = 0x01
	flagEnvelopeMask = 0x0e
	flagEmpty        = 0x10

	envelopeNone = 0
	envelopeXY   = 1
)

// ErrInvalidGeometry is returned for a blob that is not a GeoPackage geometry
var ErrInvalidGeometry = errors.New("invalid geopackage geometry")

// envelopeSizes maps the envelope indicator to its length in bytes
var envelopeSizes = map[byte]int{0: 0, 1: 32, 2: 48, 3: 48, 4: 64}

// EncodeGeometry renders g as a GeoPackage geometry blob: the "GP" header,
// an XY envelope for anything but points, then little-endian WKB.
func EncodeGeometry(g orb.Geometry, srsID int32) ([]byte, error) {
	body, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("failed to encode wkb: %w", err)
	}

	envelope := byte(envelopeXY)
	if _, ok := g.(orb.Point); ok {
		envelope = envelopeNone
	}

	size := 8 + envelopeSizes[envelope] + len(body)
	buf := make([]byte, 0, size)
	buf = append(buf, 'G', 'P', 0, flagLittleEndian|envelope<<1)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(srsID))
	if envelope == envelopeXY {
		b := g.Bound()
		for _, v := range []float64{b.Min.X(), b.Max.X(), b.Min.Y(), b.Max.Y()} {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return append(buf, body...), nil
}

// DecodeGeometry parses a GeoPackage geometry blob and returns the geometry
// with its srs id. Empty geometries decode to nil.
func DecodeGeometry(blob []byte) (orb.Geometry, int32, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, 0, fmt.Errorf("%w: missing GP magic", ErrInvalidGeometry)
	}
	if blob[2] != 0 {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidGeometry, blob[2])
	}

	flags := blob[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&flagLittleEndian != 0 {
		order = binary.LittleEndian
	}
	srsID := int32(order.Uint32(blob[4:8]))

	envSize, ok := envelopeSizes[(flags&flagEnvelopeMask)>>1]
	if !ok {
		return nil, 0, fmt.Errorf("%w: bad envelope indicator", ErrInvalidGeometry)
	}
	offset := 8 + envSize
	if len(blob) < offset {
		return nil, 0, fmt.Errorf("%w: truncated header", ErrInvalidGeometry)
	}
	if flags&flagEmpty != 0 {
		return nil, srsID, nil
	}

	g, err := wkb.Unmarshal(blob[offset:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	return g, srsID, nil
}
