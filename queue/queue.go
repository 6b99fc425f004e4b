// Package queue schedules multiple file uploads by priority under a global
// concurrency cap.
package queue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Status is a queue item's phase.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ErrNotQueued is returned for operations on unknown files.
var ErrNotQueued = errors.New("file is not in the queue")

// Item is one queued file upload.
type Item struct {
	FileID        string
	Priority      int
	Status        Status
	RetryAttempts int
	EnqueuedAt    time.Time
}

// Update is published to subscribers after every queue mutation.
type Update struct {
	Type     string
	FileID   string
	Status   Status
	Position int
}

// Stats aggregates the queue.
type Stats struct {
	Queued    int
	Active    int
	Paused    int
	Completed int
	Failed    int
}

// Scheduler orders pending uploads by (priority desc, retryAttempts asc,
// enqueue time asc) and hands them out while the active count stays under
// the cap.
type Scheduler struct {
	maxConcurrent int
	logger        log.Logger
	now           func() time.Time

	mu     sync.Mutex
	items  []*Item
	active int
	subs   []func(Update)
}

// NewScheduler ...
func NewScheduler(maxConcurrent int, logger log.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Scheduler{
		maxConcurrent: maxConcurrent,
		logger:        logger,
		now:           time.Now,
	}
}

// Subscribe registers a queue-update listener.
func (s *Scheduler) Subscribe(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Enqueue adds a file with the given priority.
func (s *Scheduler) Enqueue(fileID string, priority int) *Item {
	s.mu.Lock()
	item := &Item{
		FileID:     fileID,
		Priority:   priority,
		Status:     StatusQueued,
		EnqueuedAt: s.now(),
	}
	s.items = append(s.items, item)
	s.sortLocked()
	s.mu.Unlock()

	s.publish("queued", item)
	return item
}

// Next returns the highest-priority queued item if a concurrency slot is
// free, transitioning it to uploading.
func (s *Scheduler) Next() (*Item, bool) {
	s.mu.Lock()
	if s.active >= s.maxConcurrent {
		s.mu.Unlock()
		return nil, false
	}
	var picked *Item
	for _, item := range s.items {
		if item.Status == StatusQueued {
			picked = item
			break
		}
	}
	if picked == nil {
		s.mu.Unlock()
		return nil, false
	}
	picked.Status = StatusUploading
	s.active++
	s.mu.Unlock()

	s.publish("started", picked)
	return picked, true
}

// Complete marks the item done and frees its slot.
func (s *Scheduler) Complete(fileID string) error {
	return s.transition(fileID, StatusCompleted, "complete")
}

// Fail marks the item failed and frees its slot.
func (s *Scheduler) Fail(fileID string) error {
	return s.transition(fileID, StatusError, "failed")
}

// Pause parks an active item; its slot frees up for the next one.
func (s *Scheduler) Pause(fileID string) error {
	return s.transition(fileID, StatusPaused, "paused")
}

// Retry requeues a failed or paused item, counting the attempt. The sort
// order shifts, so the queue is reordered.
func (s *Scheduler) Retry(fileID string) error {
	s.mu.Lock()
	item := s.findLocked(fileID)
	if item == nil {
		s.mu.Unlock()
		return ErrNotQueued
	}
	if item.Status == StatusUploading {
		s.active--
	}
	item.Status = StatusQueued
	item.RetryAttempts++
	s.sortLocked()
	s.mu.Unlock()

	s.publish("requeued", item)
	return nil
}

// Remove drops the item entirely.
func (s *Scheduler) Remove(fileID string) error {
	s.mu.Lock()
	idx := -1
	for i, item := range s.items {
		if item.FileID == fileID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotQueued
	}
	item := s.items[idx]
	if item.Status == StatusUploading {
		s.active--
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	s.mu.Unlock()

	s.publish("removed", item)
	return nil
}

// Position returns the 1-based position among queued items, or 0 when the
// file is not waiting.
func (s *Scheduler) Position(fileID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := 0
	for _, item := range s.items {
		if item.Status != StatusQueued {
			continue
		}
		pos++
		if item.FileID == fileID {
			return pos
		}
	}
	return 0
}

// Stats ...
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	for _, item := range s.items {
		switch item.Status {
		case StatusQueued:
			stats.Queued++
		case StatusUploading:
			stats.Active++
		case StatusPaused:
			stats.Paused++
		case StatusCompleted:
			stats.Completed++
		case StatusError:
			stats.Failed++
		}
	}
	return stats
}

func (s *Scheduler) transition(fileID string, to Status, event string) error {
	s.mu.Lock()
	item := s.findLocked(fileID)
	if item == nil {
		s.mu.Unlock()
		return ErrNotQueued
	}
	if item.Status == StatusUploading {
		s.active--
	}
	item.Status = to
	s.mu.Unlock()

	s.publish(event, item)
	return nil
}

func (s *Scheduler) findLocked(fileID string) *Item {
	for _, item := range s.items {
		if item.FileID == fileID {
			return item
		}
	}
	return nil
}

func (s *Scheduler) sortLocked() {
	sort.SliceStable(s.items, func(i, j int) bool {
		a, b := s.items[i], s.items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.RetryAttempts != b.RetryAttempts {
			return a.RetryAttempts < b.RetryAttempts
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	})
}

func (s *Scheduler) publish(event string, item *Item) {
	s.mu.Lock()
	subs := append(([]func(Update))(nil), s.subs...)
	s.mu.Unlock()

	update := Update{
		Type:     event,
		FileID:   item.FileID,
		Status:   item.Status,
		Position: s.Position(item.FileID),
	}
	for _, fn := range subs {
		fn(update)
	}
}
