// Package polyline encodes corridor geometry with Google's encoded polyline
// algorithm so map clients can draw a corridor from a single string.
// See https://developers.google.com/maps/documentation/utilities/polylinealgorithm
package polyline

import (
	"errors"
	"math"
)

// Standard precisions. Google uses 5 decimal places; OSRM and Valhalla
// can emit 6.
const (
	Precision5 = 5
	Precision6 = 6
)

// ErrTruncated is returned when an encoded string ends mid-value or holds
// an odd number of values.
var ErrTruncated = errors.New("polyline: truncated input")

// Coordinate is a geographic point in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Encode encodes coordinates at Precision5.
func Encode(coords []Coordinate) string {
	return EncodePrecision(coords, Precision5)
}

// EncodePrecision encodes coordinates with the given number of decimal
// places.
func EncodePrecision(coords []Coordinate, precision int) string {
	if len(coords) == 0 {
		return ""
	}

	factor := math.Pow10(precision)
	buf := make([]byte, 0, len(coords)*6)
	var prevLat, prevLon int64
	for _, c := range coords {
		lat := int64(math.Round(c.Lat * factor))
		lon := int64(math.Round(c.Lon * factor))
		buf = appendValue(buf, lat-prevLat)
		buf = appendValue(buf, lon-prevLon)
		prevLat, prevLon = lat, lon
	}
	return string(buf)
}

// Decode decodes a Precision5 string.
func Decode(encoded string) ([]Coordinate, error) {
	return DecodePrecision(encoded, Precision5)
}

// DecodePrecision decodes a string encoded with the given precision.
func DecodePrecision(encoded string, precision int) ([]Coordinate, error) {
	if encoded == "" {
		return nil, nil
	}

	factor := math.Pow10(precision)
	var (
		coords   []Coordinate
		lat, lon int64
	)
	for i := 0; i < len(encoded); {
		dLat, next, err := readValue(encoded, i)
		if err != nil {
			return nil, err
		}
		dLon, next, err := readValue(encoded, next)
		if err != nil {
			return nil, err
		}
		i = next
		lat += dLat
		lon += dLon
		coords = append(coords, Coordinate{Lat: float64(lat) / factor, Lon: float64(lon) / factor})
	}
	return coords, nil
}

func readValue(encoded string, i int) (int64, int, error) {
	var (
		result int64
		shift  uint
	)
	for {
		if i >= len(encoded) {
			return 0, i, ErrTruncated
		}
		b := int64(encoded[i]) - 63
		i++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}
	if result&1 != 0 {
		return ^(result >> 1), i, nil
	}
	return result >> 1, i, nil
}

func appendValue(buf []byte, v int64) []byte {
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		buf = append(buf, byte((u&0x1f)|0x20)+63)
		u >>= 5
	}
	return append(buf, byte(u)+63)
}

// Length returns the great-circle length of the path in metres.
func Length(coords []Coordinate) float64 {
	var total float64
	for i := 1; i < len(coords); i++ {
		total += distance(coords[i-1], coords[i])
	}
	return total
}

const earthRadiusMeters = 6371000

func distance(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
