package schedule

import (
	"testing"

	"github.com/recursive-emergence/terrascan/internal/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanExactlyOnceAndTotal(t *testing.T) {
	grid := geo.Grid{Y: 2, X: 2}
	keys, err := Plan("task-1", grid, 2)
	require.NoError(t, err)

	// S1: 2x2 grid, 2 levels -> level0 has 1 subtile/tile (4 total),
	// level1 has 4 subtiles/tile (16 total) = 20.
	assert.Equal(t, 20, len(keys))
	assert.Equal(t, TotalSubtiles(grid, 2), len(keys))

	seen := make(map[SubtileKey]bool, len(keys))
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate key: %s", k)
		seen[k] = true
		assert.Equal(t, "task-1", k.TaskID)
	}
}

func TestPlanLevelsAreContiguousAndOrdered(t *testing.T) {
	grid := geo.Grid{Y: 2, X: 2}
	keys, err := Plan("t", grid, 3)
	require.NoError(t, err)

	lastLevel := -1
	for _, k := range keys {
		require.GreaterOrEqual(t, k.Level, lastLevel)
		lastLevel = k.Level
	}
	assert.Equal(t, 2, lastLevel)
}

func TestPlanHoppingCoverage(t *testing.T) {
	// Any prefix at least as long as the tile count touches every tile at
	// least once, before any tile is repeated within level 0.
	grid := geo.Grid{Y: 4, X: 4}
	keys, err := Plan("t", grid, 1)
	require.NoError(t, err)

	numTiles := grid.TileCount()
	require.GreaterOrEqual(t, len(keys), numTiles)

	seenTiles := make(map[[2]int]bool)
	for _, k := range keys[:numTiles] {
		tile := [2]int{k.TileRow, k.TileCol}
		assert.False(t, seenTiles[tile], "tile %v repeated before full coverage", tile)
		seenTiles[tile] = true
	}
	assert.Len(t, seenTiles, numTiles)
}

func TestPlanDeterministic(t *testing.T) {
	grid := geo.Grid{Y: 3, X: 3}
	a, err := Plan("t", grid, 2)
	require.NoError(t, err)
	b, err := Plan("t", grid, 2)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPlanInvalidGrid(t *testing.T) {
	_, err := Plan("t", geo.Grid{Y: 0, X: 2}, 1)
	assert.Error(t, err)
}

func TestPlanInvalidLevels(t *testing.T) {
	_, err := Plan("t", geo.Grid{Y: 2, X: 2}, 0)
	assert.Error(t, err)
	_, err = Plan("t", geo.Grid{Y: 2, X: 2}, -1)
	assert.Error(t, err)
}

func TestTotalSubtilesMatchesNonPowerOfTwoGrid(t *testing.T) {
	grid := geo.Grid{Y: 3, X: 5}
	keys, err := Plan("t", grid, 2)
	require.NoError(t, err)
	assert.Equal(t, TotalSubtiles(grid, 2), len(keys))
}

func TestSubtileKeyString(t *testing.T) {
	k := SubtileKey{TaskID: "abc", Level: 1, TileRow: 2, TileCol: 3, SubRow: 0, SubCol: 1}
	assert.Equal(t, "abc/level_1/tile_2_3/subtile_0_1", k.String())
}
