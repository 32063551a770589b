package polyline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadpulse/roadpulse/pkg/polyline"
)

// Google's reference path.
var googleExample = []polyline.Coordinate{
	{Lat: 38.5, Lon: -120.2},
	{Lat: 40.7, Lon: -120.95},
	{Lat: 43.252, Lon: -126.453},
}

func TestEncode_GoogleExample(t *testing.T) {
	assert.Equal(t, "_p~iF~ps|U_ulLnnqC_mqNvxq`@", polyline.Encode(googleExample))
	assert.Equal(t, "_p~iF~ps|U", polyline.Encode(googleExample[:1]))
	assert.Empty(t, polyline.Encode(nil))
}

func TestDecode_GoogleExample(t *testing.T) {
	coords, err := polyline.Decode("_p~iF~ps|U_ulLnnqC_mqNvxq`@")
	require.NoError(t, err)
	require.Len(t, coords, 3)

	for i, c := range coords {
		assert.InDelta(t, googleExample[i].Lat, c.Lat, 1e-5)
		assert.InDelta(t, googleExample[i].Lon, c.Lon, 1e-5)
	}
}

func TestDecode_Empty(t *testing.T) {
	coords, err := polyline.Decode("")
	require.NoError(t, err)
	assert.Nil(t, coords)
}

func TestDecode_Truncated(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{name: "latitude only", encoded: "_p~iF"},
		{name: "cut mid value", encoded: "_p~iF~ps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := polyline.Decode(tt.encoded)
			assert.ErrorIs(t, err, polyline.ErrTruncated)
		})
	}
}

func TestPrecision6_RoundTrip(t *testing.T) {
	path := []polyline.Coordinate{
		{Lat: 52.370216, Lon: 4.895168},
		{Lat: 52.373091, Lon: 4.892649},
		{Lat: 52.379189, Lon: 4.899431},
	}

	encoded := polyline.EncodePrecision(path, polyline.Precision6)
	assert.NotEqual(t, polyline.Encode(path), encoded)

	decoded, err := polyline.DecodePrecision(encoded, polyline.Precision6)
	require.NoError(t, err)
	require.Len(t, decoded, len(path))
	for i := range path {
		assert.InDelta(t, path[i].Lat, decoded[i].Lat, 1e-6)
		assert.InDelta(t, path[i].Lon, decoded[i].Lon, 1e-6)
	}
}

func TestLength(t *testing.T) {
	assert.Zero(t, polyline.Length(nil))
	assert.Zero(t, polyline.Length(googleExample[:1]))

	// One degree of latitude is ~111.19 km.
	oneDegree := []polyline.Coordinate{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 0}}
	assert.InDelta(t, 111195, polyline.Length(oneDegree), 10)

	there := []polyline.Coordinate{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 0}, {Lat: 0, Lon: 0}}
	assert.InDelta(t, 2*111195, polyline.Length(there), 20)
}
