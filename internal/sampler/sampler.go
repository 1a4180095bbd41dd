// Package sampler implements the Elevation Sampler (spec §4.1): the one
// collaborator that turns a (lat, lon) pair into an elevation value,
// either by calling an external service or by generating deterministic
// synthetic terrain for tests and offline demos.
package sampler

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable is returned when no sampling path could produce a value
// (spec §4.1: "a synthetic fallback sampler exists only for tests/demo use
// and is never silently substituted for a production sampler's failure").
var ErrUnavailable = errors.New("sampler: unavailable")

// Sampler resolves elevation at a point. Implementations must be safe for
// concurrent use by multiple workers.
type Sampler interface {
	// Sample returns the elevation in meters at (lat, lon), or an error if
	// none could be obtained before ctx's deadline. A successful Sample
	// may still return math.NaN() to mean "answered, but no data here".
	Sample(ctx context.Context, lat, lon float64) (float64, error)
}

// Func adapts a plain function to the Sampler interface, mirroring the
// http.HandlerFunc idiom used throughout the corpus for single-method
// interfaces.
type Func func(ctx context.Context, lat, lon float64) (float64, error)

func (f Func) Sample(ctx context.Context, lat, lon float64) (float64, error) {
	return f(ctx, lat, lon)
}

// sentinels a real elevation API commonly uses to mean "no data", coerced
// to NaN rather than treated as a usable elevation value or as an error.
var noDataSentinels = map[float64]bool{
	-32768: true,
	-9999:  true,
	-1e6:   true,
}

// coerceSentinel maps known "no data" sentinel values to NaN, leaving any
// other value untouched.
func coerceSentinel(v float64) float64 {
	if noDataSentinels[v] {
		return nan()
	}
	return v
}

func nan() float64 {
	var zero float64
	return zero / zero
}

// Fallback tries primary first; if primary's Sample returns an error, it
// falls back to secondary. It never hides a secondary failure: if both
// fail, it returns ErrUnavailable wrapping the primary's error.
type Fallback struct {
	Primary   Sampler
	Secondary Sampler
}

func (f Fallback) Sample(ctx context.Context, lat, lon float64) (float64, error) {
	v, err := f.Primary.Sample(ctx, lat, lon)
	if err == nil {
		return v, nil
	}
	if f.Secondary == nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	v, serr := f.Secondary.Sample(ctx, lat, lon)
	if serr != nil {
		return 0, fmt.Errorf("%w: primary: %v, secondary: %v", ErrUnavailable, err, serr)
	}
	return v, nil
}
