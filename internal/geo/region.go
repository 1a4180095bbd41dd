// Package geo provides the geodetic region and grid math shared by the
// scan planner and executor: bounding boxes, coarse-tile/subtile center
// points, and equirectangular distance conversion at a region's center
// latitude.
package geo

import (
	"fmt"
	"math"
)

// earthRadiusM is the mean Earth radius used for equirectangular conversion.
const earthRadiusM = 6371000.0

// Region is a geodetic bounding box.
type Region struct {
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
}

// Validate rejects degenerate or inverted regions.
func (r Region) Validate() error {
	if !(r.LatMin < r.LatMax) {
		return fmt.Errorf("invalid region: lat_min (%g) must be less than lat_max (%g)", r.LatMin, r.LatMax)
	}
	if !(r.LonMin < r.LonMax) {
		return fmt.Errorf("invalid region: lon_min (%g) must be less than lon_max (%g)", r.LonMin, r.LonMax)
	}
	if r.LatMin < -90 || r.LatMax > 90 {
		return fmt.Errorf("invalid region: latitude out of range [-90, 90]")
	}
	if r.LonMin < -180 || r.LonMax > 180 {
		return fmt.Errorf("invalid region: longitude out of range [-180, 180]")
	}
	return nil
}

// CenterLat returns the region's center latitude, the reference latitude
// for equirectangular metric conversion.
func (r Region) CenterLat() float64 {
	return (r.LatMin + r.LatMax) / 2
}

// WidthMeters returns the approximate east-west extent of the region in
// meters, measured at the region's center latitude.
func (r Region) WidthMeters() float64 {
	return lonDeltaToMeters(r.LonMax-r.LonMin, r.CenterLat())
}

// HeightMeters returns the approximate north-south extent in meters.
func (r Region) HeightMeters() float64 {
	return latDeltaToMeters(r.LatMax - r.LatMin)
}

// latDeltaToMeters converts a difference in degrees of latitude to meters.
func latDeltaToMeters(dLat float64) float64 {
	return dLat * math.Pi / 180 * earthRadiusM
}

// lonDeltaToMeters converts a difference in degrees of longitude to meters
// at the given reference latitude, using the equirectangular approximation
// (cos(lat) scaling). This is a local approximation only valid for regions
// small relative to the Earth's radius, which matches this system's use
// case of scanning bounded survey areas.
func lonDeltaToMeters(dLon, atLat float64) float64 {
	return dLon * math.Pi / 180 * earthRadiusM * math.Cos(atLat*math.Pi/180)
}

// Grid describes the coarse tile partition of a region.
type Grid struct {
	Y int `json:"grid_y"`
	X int `json:"grid_x"`
}

// Validate rejects non-positive grid dimensions.
func (g Grid) Validate() error {
	if g.Y <= 0 || g.X <= 0 {
		return fmt.Errorf("invalid grid: grid_y and grid_x must be positive, got (%d, %d)", g.Y, g.X)
	}
	return nil
}

// TileCount returns the total number of coarse tiles.
func (g Grid) TileCount() int {
	return g.Y * g.X
}

// SubtilesPerSide returns s(level): the number of subtiles per side of a
// coarse tile at the given level. s(0) = 1 and doubles with each level.
func SubtilesPerSide(level int) int {
	return 1 << uint(level)
}

// SubtileCenter computes the (lat, lon) of the center of the subtile
// identified by (tileRow, tileCol, subRow, subCol) at the given level,
// within region partitioned by grid.
func SubtileCenter(region Region, grid Grid, level, tileRow, tileCol, subRow, subCol int) (lat, lon float64) {
	tileLatSpan := (region.LatMax - region.LatMin) / float64(grid.Y)
	tileLonSpan := (region.LonMax - region.LonMin) / float64(grid.X)

	tileLatMin := region.LatMin + float64(tileRow)*tileLatSpan
	tileLonMin := region.LonMin + float64(tileCol)*tileLonSpan

	s := SubtilesPerSide(level)
	subLatSpan := tileLatSpan / float64(s)
	subLonSpan := tileLonSpan / float64(s)

	lat = tileLatMin + (float64(subRow)+0.5)*subLatSpan
	lon = tileLonMin + (float64(subCol)+0.5)*subLonSpan
	return lat, lon
}
