package cache

import (
	"sync"

	"github.com/recursive-emergence/terrascan/internal/schedule"
)

type snapshotEntry struct {
	png []byte
	fp  Fingerprint
}

// MemCache is a pure in-memory Cache, used in tests and for ephemeral
// tasks that don't need to survive a restart.
type MemCache struct {
	mu        sync.RWMutex
	records   map[schedule.SubtileKey]SubtileRecord
	snapshots map[string]map[int]snapshotEntry
	tasks     map[string]Task
}

// NewMemCache returns an empty MemCache.
func NewMemCache() *MemCache {
	return &MemCache{
		records:   make(map[schedule.SubtileKey]SubtileRecord),
		snapshots: make(map[string]map[int]snapshotEntry),
		tasks:     make(map[string]Task),
	}
}

func (c *MemCache) Put(key schedule.SubtileKey, record SubtileRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[key] = record
	return nil
}

func (c *MemCache) Get(key schedule.SubtileKey) (SubtileRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[key]
	if !ok {
		return SubtileRecord{}, ErrNotFound
	}
	return rec, nil
}

func (c *MemCache) List(taskID string, level int) ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var entries []Entry
	for k, rec := range c.records {
		if k.TaskID == taskID && k.Level == level {
			entries = append(entries, Entry{Key: k, Record: rec})
		}
	}
	return entries, nil
}

func (c *MemCache) PutSnapshot(taskID string, level int, png []byte, fp Fingerprint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshots[taskID] == nil {
		c.snapshots[taskID] = make(map[int]snapshotEntry)
	}
	cp := make([]byte, len(png))
	copy(cp, png)
	c.snapshots[taskID][level] = snapshotEntry{png: cp, fp: fp}
	return nil
}

func (c *MemCache) GetSnapshot(taskID string, level int) ([]byte, Fingerprint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byLevel, ok := c.snapshots[taskID]
	if !ok {
		return nil, Fingerprint{}, ErrNotFound
	}
	entry, ok := byLevel[level]
	if !ok {
		return nil, Fingerprint{}, ErrNotFound
	}
	return entry.png, entry.fp, nil
}

func (c *MemCache) PutTask(task Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[task.TaskID] = task
	return nil
}

func (c *MemCache) GetTask(taskID string) (Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}

func (c *MemCache) ListTasks() ([]Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tasks := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (c *MemCache) Evict(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, taskID)
	delete(c.snapshots, taskID)
	for k := range c.records {
		if k.TaskID == taskID {
			delete(c.records, k)
		}
	}
	return nil
}
