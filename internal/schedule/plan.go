// Package schedule builds and tracks the hierarchical, hopping-ordered
// scan schedule described in spec §4.3: coarse-to-fine passes over a
// region's subtiles, spatially spread within each pass so that any
// sufficiently long prefix already covers the whole region.
package schedule

import (
	"fmt"

	"github.com/recursive-emergence/terrascan/internal/geo"
)

// SubtileKey totally identifies one unit of work and one cache entry.
type SubtileKey struct {
	TaskID  string `json:"task_id"`
	Level   int    `json:"level"`
	TileRow int    `json:"tile_row"`
	TileCol int    `json:"tile_col"`
	SubRow  int    `json:"sub_row"`
	SubCol  int    `json:"sub_col"`
}

// String renders a key in a stable, human-readable form, used for cache
// paths and log messages.
func (k SubtileKey) String() string {
	return fmt.Sprintf("%s/level_%d/tile_%d_%d/subtile_%d_%d",
		k.TaskID, k.Level, k.TileRow, k.TileCol, k.SubRow, k.SubCol)
}

// Plan builds the full, deterministic schedule for one task: level 0 over
// every coarse tile (in bit-reversed tile order), then level 1, ... level
// L-1, each level in bit-reversed tile order with bit-reversed sub-index
// order within every tile.
func Plan(taskID string, grid geo.Grid, levels int) ([]SubtileKey, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if levels <= 0 {
		return nil, fmt.Errorf("invalid levels: must be positive, got %d", levels)
	}

	numTiles := grid.TileCount()
	tileOrder := hoppingOrder(numTiles)

	var keys []SubtileKey
	for level := 0; level < levels; level++ {
		side := geo.SubtilesPerSide(level)
		subOrder := hoppingOrder(side * side)

		for _, t := range tileOrder {
			tileRow := t / grid.X
			tileCol := t % grid.X

			for _, s := range subOrder {
				subRow := s / side
				subCol := s % side
				keys = append(keys, SubtileKey{
					TaskID:  taskID,
					Level:   level,
					TileRow: tileRow,
					TileCol: tileCol,
					SubRow:  subRow,
					SubCol:  subCol,
				})
			}
		}
	}
	return keys, nil
}

// TotalSubtiles returns the number of subtiles a Plan(grid, levels) call
// will produce, without building the slice: grid_y * grid_x * sum(4^l for
// l in [0, levels)).
func TotalSubtiles(grid geo.Grid, levels int) int {
	total := 0
	perTile := 0
	for level := 0; level < levels; level++ {
		side := geo.SubtilesPerSide(level)
		perTile += side * side
	}
	total = grid.TileCount() * perTile
	return total
}
