package schedule

import (
	"sync"
	"testing"

	"github.com/recursive-emergence/terrascan/internal/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keysFor(t *testing.T, y, x, levels int) []SubtileKey {
	t.Helper()
	keys, err := Plan("t", geo.Grid{Y: y, X: x}, levels)
	require.NoError(t, err)
	return keys
}

func TestNextBatchRespectsSize(t *testing.T) {
	keys := keysFor(t, 2, 2, 2)
	s := NewSchedule(keys)

	batch := s.NextBatch(5, nil)
	assert.Len(t, batch, 5)
	assert.Equal(t, 15, s.Remaining())
}

func TestNextBatchSkipsDone(t *testing.T) {
	keys := keysFor(t, 2, 2, 1)
	s := NewSchedule(keys)

	done := map[SubtileKey]bool{keys[0]: true, keys[2]: true}
	isDone := func(k SubtileKey) bool { return done[k] }

	batch := s.NextBatch(4, isDone)
	assert.Len(t, batch, 2)
	assert.Equal(t, keys[1], batch[0])
	assert.Equal(t, keys[3], batch[1])
	assert.Equal(t, 0, s.Remaining())
}

func TestNextBatchExhaustion(t *testing.T) {
	keys := keysFor(t, 1, 1, 1)
	s := NewSchedule(keys)

	first := s.NextBatch(10, nil)
	assert.Len(t, first, len(keys))

	second := s.NextBatch(10, nil)
	assert.Empty(t, second)
}

func TestNextBatchZeroOrNegativeN(t *testing.T) {
	s := NewSchedule(keysFor(t, 2, 2, 1))
	assert.Nil(t, s.NextBatch(0, nil))
	assert.Nil(t, s.NextBatch(-1, nil))
	assert.Equal(t, 4, s.Remaining())
}

func TestResetAllowsResumeFromScratch(t *testing.T) {
	keys := keysFor(t, 2, 2, 1)
	s := NewSchedule(keys)

	s.NextBatch(4, nil)
	assert.Equal(t, 0, s.Remaining())

	s.Reset()
	assert.Equal(t, len(keys), s.Remaining())

	cached := map[SubtileKey]bool{keys[0]: true, keys[1]: true}
	isDone := func(k SubtileKey) bool { return cached[k] }
	batch := s.NextBatch(10, isDone)
	assert.Len(t, batch, 2)
}

// TestNextBatchConcurrentNoDuplicates grounds spec Testable Property 1
// ("Exactly once scheduling"): regardless of how many workers pull
// concurrently, every key is handed out at most once.
func TestNextBatchConcurrentNoDuplicates(t *testing.T) {
	keys := keysFor(t, 4, 4, 2)
	s := NewSchedule(keys)

	const workers = 16
	results := make(chan []SubtileKey, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var got []SubtileKey
			for {
				batch := s.NextBatch(3, nil)
				if len(batch) == 0 {
					break
				}
				got = append(got, batch...)
			}
			results <- got
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[SubtileKey]bool, len(keys))
	total := 0
	for got := range results {
		for _, k := range got {
			assert.False(t, seen[k], "key handed out twice: %s", k)
			seen[k] = true
			total++
		}
	}
	assert.Equal(t, len(keys), total)
}

func TestLenAndKeys(t *testing.T) {
	keys := keysFor(t, 2, 2, 1)
	s := NewSchedule(keys)
	assert.Equal(t, len(keys), s.Len())
	assert.Equal(t, keys, s.Keys())
}
