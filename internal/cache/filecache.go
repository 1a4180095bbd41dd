package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/recursive-emergence/terrascan/internal/fsutil"
	"github.com/recursive-emergence/terrascan/internal/schedule"
	"github.com/recursive-emergence/terrascan/internal/security"
)

// FileCache is a durable Cache backed by an fsutil.FileSystem, laid out
// as spec §6 describes: a per-task directory tree so an entire task can
// be archived or deleted as a unit, plus a root task registry so tasks
// survive a process restart without a directory-listing capability.
//
//	<root>/tasks.json
//	<root>/tasks/<task_id>/cache/subtile_data/level_<l>/index.json
//	<root>/tasks/<task_id>/cache/subtile_data/level_<l>/tile_<r>_<c>/subtile_<sr>_<sc>.json
//	<root>/tasks/<task_id>/cache/snapshots/level_<l>.png
//	<root>/tasks/<task_id>/cache/snapshots/level_<l>.fingerprint.json
//
// Put is idempotent: writing the same key twice overwrites the same file
// and leaves the level index deduplicated (spec invariant: "at most one
// cache write per key takes effect, durably, and concurrent writers for
// the same key are safe").
type FileCache struct {
	fs   fsutil.FileSystem
	root string

	mu        sync.Mutex
	tasks     map[string]Task
	tasksRead bool
}

// NewFileCache opens (or initializes) a durable cache rooted at root.
func NewFileCache(fs fsutil.FileSystem, root string) (*FileCache, error) {
	c := &FileCache{fs: fs, root: root, tasks: make(map[string]Task)}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating root: %w", err)
	}
	if err := c.loadTasksLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileCache) tasksPath() string {
	return filepath.Join(c.root, "tasks.json")
}

func (c *FileCache) taskDir(taskID string) string {
	return filepath.Join(c.root, "tasks", taskID)
}

func (c *FileCache) validated(path string) (string, error) {
	if err := security.ValidatePathWithinDirectory(path, c.root); err != nil {
		return "", err
	}
	return path, nil
}

func (c *FileCache) loadTasksLocked() error {
	if c.tasksRead {
		return nil
	}
	c.tasksRead = true
	if !c.fs.Exists(c.tasksPath()) {
		return nil
	}
	data, err := c.fs.ReadFile(c.tasksPath())
	if err != nil {
		return fmt.Errorf("cache: reading task registry: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &c.tasks)
}

func (c *FileCache) saveTasksLocked() error {
	data, err := json.Marshal(c.tasks)
	if err != nil {
		return fmt.Errorf("cache: encoding task registry: %w", err)
	}
	return c.fs.WriteFile(c.tasksPath(), data, 0o644)
}

func (c *FileCache) levelDir(taskID string, level int) string {
	return filepath.Join(c.taskDir(taskID), "cache", "subtile_data", fmt.Sprintf("level_%d", level))
}

func (c *FileCache) recordPath(key schedule.SubtileKey) string {
	return filepath.Join(c.levelDir(key.TaskID, key.Level),
		fmt.Sprintf("tile_%d_%d", key.TileRow, key.TileCol),
		fmt.Sprintf("subtile_%d_%d.json", key.SubRow, key.SubCol))
}

func (c *FileCache) levelIndexPath(taskID string, level int) string {
	return filepath.Join(c.levelDir(taskID, level), "index.json")
}

func (c *FileCache) snapshotDir(taskID string) string {
	return filepath.Join(c.taskDir(taskID), "cache", "snapshots")
}

func (c *FileCache) Put(key schedule.SubtileKey, record SubtileRecord) error {
	recPath, err := c.validated(c.recordPath(key))
	if err != nil {
		return err
	}
	if err := c.fs.MkdirAll(filepath.Dir(recPath), 0o755); err != nil {
		return fmt.Errorf("cache: creating tile dir: %w", err)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cache: encoding record: %w", err)
	}
	if err := c.fs.WriteFile(recPath, data, 0o644); err != nil {
		return fmt.Errorf("cache: writing record: %w", err)
	}
	return c.appendToIndex(key)
}

func (c *FileCache) appendToIndex(key schedule.SubtileKey) error {
	// serialize the read-modify-write of index.json so concurrent Puts on
	// the same level can't overwrite each other's appended keys
	c.mu.Lock()
	defer c.mu.Unlock()

	idxPath, err := c.validated(c.levelIndexPath(key.TaskID, key.Level))
	if err != nil {
		return err
	}

	var keys []schedule.SubtileKey
	if c.fs.Exists(idxPath) {
		data, err := c.fs.ReadFile(idxPath)
		if err != nil {
			return fmt.Errorf("cache: reading level index: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &keys); err != nil {
				return fmt.Errorf("cache: decoding level index: %w", err)
			}
		}
	}

	for _, k := range keys {
		if k == key {
			return nil // already indexed: Put is idempotent
		}
	}
	keys = append(keys, key)

	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("cache: encoding level index: %w", err)
	}
	return c.fs.WriteFile(idxPath, data, 0o644)
}

func (c *FileCache) Get(key schedule.SubtileKey) (SubtileRecord, error) {
	recPath, err := c.validated(c.recordPath(key))
	if err != nil {
		return SubtileRecord{}, err
	}
	if !c.fs.Exists(recPath) {
		return SubtileRecord{}, ErrNotFound
	}
	data, err := c.fs.ReadFile(recPath)
	if err != nil {
		return SubtileRecord{}, fmt.Errorf("cache: reading record: %w", err)
	}
	var rec SubtileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SubtileRecord{}, fmt.Errorf("cache: decoding record: %w", err)
	}
	return rec, nil
}

func (c *FileCache) List(taskID string, level int) ([]Entry, error) {
	idxPath, err := c.validated(c.levelIndexPath(taskID, level))
	if err != nil {
		return nil, err
	}
	if !c.fs.Exists(idxPath) {
		return nil, nil
	}
	data, err := c.fs.ReadFile(idxPath)
	if err != nil {
		return nil, fmt.Errorf("cache: reading level index: %w", err)
	}
	var keys []schedule.SubtileKey
	if len(data) > 0 {
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("cache: decoding level index: %w", err)
		}
	}

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		rec, err := c.Get(k)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		entries = append(entries, Entry{Key: k, Record: rec})
	}
	return entries, nil
}

func (c *FileCache) PutSnapshot(taskID string, level int, png []byte, fp Fingerprint) error {
	dir, err := c.validated(c.snapshotDir(taskID))
	if err != nil {
		return err
	}
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: creating snapshot dir: %w", err)
	}
	pngPath := filepath.Join(dir, fmt.Sprintf("level_%d.png", level))
	if err := c.fs.WriteFile(pngPath, png, 0o644); err != nil {
		return fmt.Errorf("cache: writing snapshot: %w", err)
	}
	fpData, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("cache: encoding fingerprint: %w", err)
	}
	fpPath := filepath.Join(dir, fmt.Sprintf("level_%d.fingerprint.json", level))
	return c.fs.WriteFile(fpPath, fpData, 0o644)
}

func (c *FileCache) GetSnapshot(taskID string, level int) ([]byte, Fingerprint, error) {
	dir, err := c.validated(c.snapshotDir(taskID))
	if err != nil {
		return nil, Fingerprint{}, err
	}
	pngPath := filepath.Join(dir, fmt.Sprintf("level_%d.png", level))
	if !c.fs.Exists(pngPath) {
		return nil, Fingerprint{}, ErrNotFound
	}
	png, err := c.fs.ReadFile(pngPath)
	if err != nil {
		return nil, Fingerprint{}, fmt.Errorf("cache: reading snapshot: %w", err)
	}

	fpPath := filepath.Join(dir, fmt.Sprintf("level_%d.fingerprint.json", level))
	var fp Fingerprint
	if c.fs.Exists(fpPath) {
		fpData, err := c.fs.ReadFile(fpPath)
		if err != nil {
			return nil, Fingerprint{}, fmt.Errorf("cache: reading fingerprint: %w", err)
		}
		if err := json.Unmarshal(fpData, &fp); err != nil {
			return nil, Fingerprint{}, fmt.Errorf("cache: decoding fingerprint: %w", err)
		}
	}
	return png, fp, nil
}

func (c *FileCache) PutTask(task Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadTasksLocked(); err != nil {
		return err
	}
	c.tasks[task.TaskID] = task
	return c.saveTasksLocked()
}

func (c *FileCache) GetTask(taskID string) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadTasksLocked(); err != nil {
		return Task{}, err
	}
	task, ok := c.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}

func (c *FileCache) ListTasks() ([]Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadTasksLocked(); err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (c *FileCache) Evict(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadTasksLocked(); err != nil {
		return err
	}
	delete(c.tasks, taskID)
	if err := c.saveTasksLocked(); err != nil {
		return err
	}

	dir, err := c.validated(c.taskDir(taskID))
	if err != nil {
		return err
	}
	if err := c.fs.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: evicting task: %w", err)
	}
	return nil
}
