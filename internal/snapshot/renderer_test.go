package snapshot

import (
	"testing"
	"time"

	"github.com/recursive-emergence/terrascan/internal/cache"
	"github.com/recursive-emergence/terrascan/internal/geo"
	"github.com/recursive-emergence/terrascan/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderProducesPNGBytes(t *testing.T) {
	r := NewPlotRenderer()
	grd := geo.Grid{Y: 2, X: 2}
	entries := []cache.Entry{
		{Key: schedule.SubtileKey{Level: 0, TileRow: 0, TileCol: 0}, Record: cache.SubtileRecord{Elevation: 10}},
		{Key: schedule.SubtileKey{Level: 0, TileRow: 1, TileCol: 1}, Record: cache.SubtileRecord{Elevation: 50}},
	}

	png, err := r.Render(grd, 0, entries)
	require.NoError(t, err)
	assert.NotEmpty(t, png)
	// PNG magic bytes
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderWithNoEntriesStillProducesImage(t *testing.T) {
	r := NewPlotRenderer()
	grd := geo.Grid{Y: 2, X: 2}

	png, err := r.Render(grd, 0, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, png)
}

func TestRenderRejectsInvalidGrid(t *testing.T) {
	r := NewPlotRenderer()
	_, err := r.Render(geo.Grid{Y: 0, X: 2}, 0, nil)
	assert.Error(t, err)
}

func TestNewElevationGridPlacesEntriesAndMarksMissing(t *testing.T) {
	grd := geo.Grid{Y: 2, X: 1}
	entries := []cache.Entry{
		{Key: schedule.SubtileKey{Level: 0, TileRow: 0, TileCol: 0}, Record: cache.SubtileRecord{Elevation: 5}},
	}
	eg, mm := newElevationGrid(grd, 0, entries)

	cols, rows := eg.Dims()
	assert.Equal(t, 1, cols)
	assert.Equal(t, 2, rows)
	assert.Equal(t, 5.0, eg.Z(0, 0))
	// missing cell sits strictly below the real data's minimum
	assert.Less(t, eg.Z(0, 1), mm.Min)
}

func TestNewElevationGridIgnoresNaNElevation(t *testing.T) {
	grd := geo.Grid{Y: 1, X: 1}
	entries := []cache.Entry{
		{Key: schedule.SubtileKey{Level: 0}, Record: cache.SubtileRecord{Elevation: nan()}},
	}
	eg, mm := newElevationGrid(grd, 0, entries)
	assert.Less(t, eg.Z(0, 0), mm.Min+1) // treated as missing, not a real value
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestFingerprintTracksCountAndMaxSampledAt(t *testing.T) {
	t1 := time.Now().Add(-time.Hour)
	t2 := time.Now()
	entries := []cache.Entry{
		{Record: cache.SubtileRecord{SampledAt: t1}},
		{Record: cache.SubtileRecord{SampledAt: t2}},
	}
	fp := Fingerprint(entries)
	assert.Equal(t, 2, fp.Count)
	assert.Equal(t, t2, fp.MaxSampledAt)
}

func TestFingerprintEmpty(t *testing.T) {
	fp := Fingerprint(nil)
	assert.Equal(t, 0, fp.Count)
}
