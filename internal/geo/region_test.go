package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionValidate(t *testing.T) {
	cases := []struct {
		name    string
		region  Region
		wantErr bool
	}{
		{"valid", Region{LatMin: 0, LatMax: 0.01, LonMin: 0, LonMax: 0.01}, false},
		{"inverted lat", Region{LatMin: 1, LatMax: 0, LonMin: 0, LonMax: 1}, true},
		{"inverted lon", Region{LatMin: 0, LatMax: 1, LonMin: 1, LonMax: 0}, true},
		{"lat out of range", Region{LatMin: -95, LatMax: 0, LonMin: 0, LonMax: 1}, true},
		{"lon out of range", Region{LatMin: 0, LatMax: 1, LonMin: 0, LonMax: 190}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.region.Validate()
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegionCenterLat(t *testing.T) {
	r := Region{LatMin: 0, LatMax: 10, LonMin: 0, LonMax: 10}
	assert.InDelta(t, 5.0, r.CenterLat(), 1e-9)
}

func TestWidthHeightMeters(t *testing.T) {
	r := Region{LatMin: -0.005, LatMax: 0.005, LonMin: -0.005, LonMax: 0.005}
	// At the equator cos(lat) ~ 1, so width and height should be close.
	w := r.WidthMeters()
	h := r.HeightMeters()
	require.Greater(t, w, 0.0)
	require.Greater(t, h, 0.0)
	assert.InDelta(t, w, h, 50) // within 50m over a ~1.1km box

	// Moving the region toward the poles should shrink the east-west extent
	// at a fixed longitude span, due to cos(lat) scaling.
	polar := Region{LatMin: 89.0, LatMax: 89.01, LonMin: -0.005, LonMax: 0.005}
	assert.Less(t, polar.WidthMeters(), w)
}

func TestGridValidate(t *testing.T) {
	assert.NoError(t, Grid{Y: 2, X: 2}.Validate())
	assert.Error(t, Grid{Y: 0, X: 2}.Validate())
	assert.Error(t, Grid{Y: 2, X: -1}.Validate())
}

func TestSubtilesPerSide(t *testing.T) {
	assert.Equal(t, 1, SubtilesPerSide(0))
	assert.Equal(t, 2, SubtilesPerSide(1))
	assert.Equal(t, 4, SubtilesPerSide(2))
	assert.Equal(t, 8, SubtilesPerSide(3))
}

func TestSubtileCenterLevel0(t *testing.T) {
	region := Region{LatMin: 0, LatMax: 1, LonMin: 0, LonMax: 1}
	grid := Grid{Y: 2, X: 2}

	lat, lon := SubtileCenter(region, grid, 0, 0, 0, 0, 0)
	assert.InDelta(t, 0.25, lat, 1e-9)
	assert.InDelta(t, 0.25, lon, 1e-9)

	lat, lon = SubtileCenter(region, grid, 0, 1, 1, 0, 0)
	assert.InDelta(t, 0.75, lat, 1e-9)
	assert.InDelta(t, 0.75, lon, 1e-9)
}

func TestSubtileCenterRefinesWithinTile(t *testing.T) {
	region := Region{LatMin: 0, LatMax: 1, LonMin: 0, LonMax: 1}
	grid := Grid{Y: 1, X: 1}

	// Level 1 has a 2x2 sub-grid per tile; check all four quadrant centers.
	wantLat := []float64{0.25, 0.25, 0.75, 0.75}
	wantLon := []float64{0.25, 0.75, 0.25, 0.75}
	idx := 0
	for sr := 0; sr < 2; sr++ {
		for sc := 0; sc < 2; sc++ {
			lat, lon := SubtileCenter(region, grid, 1, 0, 0, sr, sc)
			assert.InDelta(t, wantLat[idx], lat, 1e-9)
			assert.InDelta(t, wantLon[idx], lon, 1e-9)
			idx++
		}
	}
}

func TestSubtileCenterNoNaN(t *testing.T) {
	region := Region{LatMin: 10, LatMax: 10.1, LonMin: 20, LonMax: 20.2}
	grid := Grid{Y: 3, X: 5}
	lat, lon := SubtileCenter(region, grid, 2, 2, 4, 3, 3)
	assert.False(t, math.IsNaN(lat))
	assert.False(t, math.IsNaN(lon))
}
