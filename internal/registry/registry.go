// Package registry is the read-optimized task index (C9): a single
// `tasks` SQLite table, upserted whenever the Controller's lifecycle
// transitions fire, queried for `list()`. It is not the source of truth
// — the Subtile Cache's own task store (C2) is — this package exists so
// the admin HTTP surface can run ad-hoc SQL over task history without
// scanning every object in the cache.
//
// Grounded on internal/db/db.go's *DB wrapper around database/sql (same
// PRAGMA set, same modernc.org/sqlite driver) and internal/db/migrate.go's
// golang-migrate/iofs embedded-migration pattern.
package registry

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/recursive-emergence/terrascan/internal/cache"
	"github.com/recursive-emergence/terrascan/internal/geo"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLRegistry is a read-optimized, queryable mirror of task metadata.
type SQLRegistry struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// brings its schema up to the latest embedded migration.
func Open(path string) (*SQLRegistry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: opening database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry: applying %q: %w", pragma, err)
		}
	}

	r := &SQLRegistry{db: db}
	if err := r.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLRegistry) migrateUp() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("registry: iofs source: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("registry: sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("registry: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("registry: migrating up: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (r *SQLRegistry) Close() error {
	return r.db.Close()
}

// DB exposes the underlying *sql.DB for adminhttp's tailsql wiring.
func (r *SQLRegistry) DB() *sql.DB {
	return r.db
}

// Upsert writes the current state of task as one row, replacing any
// prior row for the same task_id. Called from every Controller
// lifecycle transition (create/start/pause/resume/stop/completion).
func (r *SQLRegistry) Upsert(task cache.Task) error {
	regionJSON, err := json.Marshal(task.Region)
	if err != nil {
		return fmt.Errorf("registry: marshaling region: %w", err)
	}
	gridJSON, err := json.Marshal(task.Grid)
	if err != nil {
		return fmt.Errorf("registry: marshaling grid: %w", err)
	}
	countersJSON, err := json.Marshal(task.Counters)
	if err != nil {
		return fmt.Errorf("registry: marshaling counters: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO tasks (task_id, region_json, grid_json, levels, status, counters_json, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			region_json = excluded.region_json,
			grid_json = excluded.grid_json,
			levels = excluded.levels,
			status = excluded.status,
			counters_json = excluded.counters_json,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, task.TaskID, string(regionJSON), string(gridJSON), task.Levels, string(task.Status),
		string(countersJSON), task.LastError, task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("registry: upserting task %s: %w", task.TaskID, err)
	}
	return nil
}

// Get returns one task row by ID. Authoritative reads still go through
// the cache's own task store (C2); this is for index-style lookups.
func (r *SQLRegistry) Get(taskID string) (cache.Task, error) {
	row := r.db.QueryRow(`
		SELECT task_id, region_json, grid_json, levels, status, counters_json, last_error, created_at, updated_at
		FROM tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Task{}, cache.ErrNotFound
	}
	return task, err
}

// List returns every task row, most recently updated first.
func (r *SQLRegistry) List() ([]cache.Task, error) {
	rows, err := r.db.Query(`
		SELECT task_id, region_json, grid_json, levels, status, counters_json, last_error, created_at, updated_at
		FROM tasks ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("registry: listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []cache.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanner abstracts over *sql.Row and *sql.Rows, both of which expose Scan.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (cache.Task, error) {
	var (
		taskID, status, lastError        string
		regionJSON, gridJSON, countersJSON string
		levels                            int
		createdAtNanos, updatedAtNanos    int64
	)
	if err := s.Scan(&taskID, &regionJSON, &gridJSON, &levels, &status, &countersJSON, &lastError, &createdAtNanos, &updatedAtNanos); err != nil {
		return cache.Task{}, err
	}

	var region geo.Region
	if err := json.Unmarshal([]byte(regionJSON), &region); err != nil {
		return cache.Task{}, fmt.Errorf("registry: unmarshaling region: %w", err)
	}
	var grid geo.Grid
	if err := json.Unmarshal([]byte(gridJSON), &grid); err != nil {
		return cache.Task{}, fmt.Errorf("registry: unmarshaling grid: %w", err)
	}
	var counters cache.Counters
	if err := json.Unmarshal([]byte(countersJSON), &counters); err != nil {
		return cache.Task{}, fmt.Errorf("registry: unmarshaling counters: %w", err)
	}

	return cache.Task{
		TaskID:    taskID,
		Region:    region,
		Levels:    levels,
		Grid:      grid,
		Status:    cache.TaskStatus(status),
		Counters:  counters,
		LastError: lastError,
		CreatedAt: nanosToTime(createdAtNanos),
		UpdatedAt: nanosToTime(updatedAtNanos),
	}, nil
}

func nanosToTime(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}

// Migrations exposes the embedded migration source for tests that want to
// confirm the migration files are actually embedded.
func Migrations() fs.FS { return migrationsFS }
