package downloader

import (
	"fmt"
	"sort"
)

// RecordStart creates the registry entry for a newly accepted task.
func (c *Coordinator) RecordStart(taskID int, dir, format, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tasks[taskID]; ok {
		return fmt.Errorf("record task %d: %w", taskID, ErrTaskExists)
	}
	c.tasks[taskID] = &TaskEntry{
		TaskID:          taskID,
		DownloadDir:     dir,
		RequestedFormat: format,
		SourceURL:       url,
		State:           TaskQueued,
		CreatedAt:       now(),
	}
	c.order.PushBack(taskID)
	c.evictLocked()
	return nil
}

// UpdateProgress stores the latest percent for taskID. It returns false for
// unknown or finished tasks so late extractor callbacks are dropped.
func (c *Coordinator) UpdateProgress(taskID int, percent float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.tasks[taskID]
	if !ok {
		return false
	}
	if _, done := c.completed[taskID]; done {
		return false
	}
	entry.LastProgressPercent = percent
	return true
}

// LastPercent returns the last reported percent of an unfinished task.
func (c *Coordinator) LastPercent(taskID int) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.tasks[taskID]
	if !ok {
		return 0, false
	}
	if _, done := c.completed[taskID]; done {
		return 0, false
	}
	return entry.LastProgressPercent, true
}

func (c *Coordinator) Get(taskID int) (TaskEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.tasks[taskID]
	if !ok {
		return TaskEntry{}, false
	}
	return *entry, true
}

func (c *Coordinator) List() []TaskEntry {
	c.mu.Lock()
	out := make([]TaskEntry, 0, len(c.tasks))
	for _, entry := range c.tasks {
		out = append(out, *entry)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (c *Coordinator) IsComplete(taskID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, done := c.completed[taskID]
	return done
}
