// Package cache implements the task-scoped Subtile Cache (spec §4.2): a
// durable, resumable key->value store of per-subtile results, snapshot
// blobs, and task metadata, keyed by (task, level, tile, subtile).
package cache

import (
	"errors"
	"time"

	"github.com/recursive-emergence/terrascan/internal/geo"
	"github.com/recursive-emergence/terrascan/internal/schedule"
)

// Source distinguishes a real sampled value from a synthetic fallback.
type Source string

const (
	SourceReal      Source = "real"
	SourceSynthetic Source = "synthetic_fallback"
)

// SubtileRecord is the durable result for one SubtileKey.
type SubtileRecord struct {
	Level            int       `json:"level"`
	SubtilesPerSide  int       `json:"subtiles_per_side"`
	CenterLat        float64   `json:"center_lat"`
	CenterLon        float64   `json:"center_lon"`
	Elevation        float64   `json:"elevation"` // NaN permitted: "sampled but no data"
	SampledAt        time.Time `json:"sampled_at"`
	Source           Source    `json:"source"`
	Attempts         int       `json:"attempts"`
}

// TaskStatus is one of the states in the Task Controller's lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskStopped   TaskStatus = "stopped"
	TaskFailed    TaskStatus = "failed"
)

// Counters tracks task progress. Monotonic within a task lifetime except
// on an explicit reset (spec invariant 3).
type Counters struct {
	Scheduled int64 `json:"scheduled"`
	Completed int64 `json:"completed"`
	Positive  int64 `json:"positive"`
	Failed    int64 `json:"failed"`
}

// Task is the durable metadata record for one scan task.
type Task struct {
	TaskID    string     `json:"task_id"`
	Region    geo.Region `json:"region"`
	Levels    int        `json:"levels"`
	Grid      geo.Grid   `json:"grid"`
	Status    TaskStatus `json:"status"`
	Counters  Counters   `json:"counters"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Entry pairs a key with its record, returned by List.
type Entry struct {
	Key    schedule.SubtileKey
	Record SubtileRecord
}

// Fingerprint identifies the input a snapshot was rendered from, used to
// decide whether a snapshot is stale (spec §4.5).
type Fingerprint struct {
	Count       int       `json:"count"`
	MaxSampledAt time.Time `json:"max_sampled_at"`
}

// ErrNotFound is returned by Get/GetSnapshot/GetTask when the key is absent.
var ErrNotFound = errors.New("cache: not found")

// Cache is the durable, resumable key->value store specified in spec §4.2.
// A successful Put is visible to any subsequent Get (read-your-writes,
// at minimum process-wide); Put is the only write path that unblocks bus
// publication (spec invariant 5); Put is idempotent — concurrent writers
// for the same key are tolerated and the last write wins.
type Cache interface {
	Put(key schedule.SubtileKey, record SubtileRecord) error
	Get(key schedule.SubtileKey) (SubtileRecord, error)
	// List returns every entry under (taskID, level) visible as of the
	// call. Concurrent puts during the call may or may not appear.
	List(taskID string, level int) ([]Entry, error)

	PutSnapshot(taskID string, level int, png []byte, fp Fingerprint) error
	GetSnapshot(taskID string, level int) ([]byte, Fingerprint, error)

	PutTask(task Task) error
	GetTask(taskID string) (Task, error)
	ListTasks() ([]Task, error)

	// Evict removes all records, snapshots, and metadata under taskID.
	Evict(taskID string) error
}
