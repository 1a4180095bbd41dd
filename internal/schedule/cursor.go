package schedule

import "sync"

// Schedule wraps an ordered key sequence with a mutex-protected cursor, so
// that a pool of workers can each be handed the next not-yet-completed key
// exactly once (spec §4.4: "the schedule iterator is the only point of
// inter-worker mutation; access is serialized").
type Schedule struct {
	mu     sync.Mutex
	keys   []SubtileKey
	cursor int
}

// IsDone reports whether a key already has a durable result. The Done
// function is supplied by the caller (typically backed by the cache) so
// the schedule package stays free of any storage dependency.
type IsDone func(SubtileKey) bool

// NewSchedule wraps a pre-built key slice (e.g. from Plan) for iteration.
func NewSchedule(keys []SubtileKey) *Schedule {
	return &Schedule{keys: keys}
}

// Len returns the total number of keys in the schedule.
func (s *Schedule) Len() int {
	return len(s.keys)
}

// Keys returns the full underlying key slice. Callers must not mutate it.
func (s *Schedule) Keys() []SubtileKey {
	return s.keys
}

// NextBatch returns up to n keys not yet completed according to isDone,
// advancing the shared cursor past any keys it inspects (completed or
// not) so repeated calls make forward progress and no two callers ever
// receive the same key. Returns fewer than n keys, or zero, once the
// schedule is exhausted.
func (s *Schedule) NextBatch(n int, isDone IsDone) []SubtileKey {
	if n <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make([]SubtileKey, 0, n)
	for s.cursor < len(s.keys) && len(batch) < n {
		key := s.keys[s.cursor]
		s.cursor++
		if isDone == nil || !isDone(key) {
			batch = append(batch, key)
		}
	}
	return batch
}

// Reset rewinds the cursor to the start, so a fresh pass over the
// schedule (filtered again through isDone) can be taken, e.g. when
// resuming a task after a crash: the Controller recomputes next_batch
// from the beginning, and any already-cached keys are skipped.
func (s *Schedule) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
}

// Remaining reports how many keys have not yet been handed out by the
// cursor (completed or not) — not the same as "not yet cached".
func (s *Schedule) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys) - s.cursor
}
