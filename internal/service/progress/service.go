// Package progress tracks byte-level download progress per task so the
// status API can report it without touching pipeline internals.
package progress

import (
	"sync"
	"time"
)

// Snapshot is one task's progress at a point in time.
type Snapshot struct {
	TaskUID   string    `json:"task_uid"`
	StageID   string    `json:"stage_id"`
	Written   int64     `json:"written"`
	Total     int64     `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Percent returns completion of the current stage in [0,100].
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Written) / float64(s.Total) * 100
}

// Tracker is a process-wide progress hub. It implements the pipeline's
// ProgressReporter contract and serves read-side snapshots.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]Snapshot
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{tasks: make(map[string]Snapshot)}
}

// ReportProgress records the latest byte counts for a task's stage.
func (t *Tracker) ReportProgress(taskUID, stageID string, written, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[taskUID] = Snapshot{
		TaskUID:   taskUID,
		StageID:   stageID,
		Written:   written,
		Total:     total,
		UpdatedAt: time.Now(),
	}
}

// Get returns a task's latest snapshot.
func (t *Tracker) Get(taskUID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.tasks[taskUID]
	return s, ok
}

// Forget drops a finished task's snapshot.
func (t *Tracker) Forget(taskUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, taskUID)
}
