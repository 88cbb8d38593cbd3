package models

import "time"

// TaskStatus is the lifecycle state of a queued or finished task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// QueueEntry is one pending download task, keyed by task uid.
type QueueEntry struct {
	TaskUID     ULID       `gorm:"primaryKey" json:"task_uid"`
	BVID        string     `gorm:"index" json:"bvid"`
	CID         int64      `json:"cid"`
	EpID        int64      `json:"ep_id"`
	Title       string     `json:"title"`
	Filename    string     `json:"filename"`
	Mode        string     `json:"mode"`
	ThreadCount int        `json:"thread_count"`
	Status      TaskStatus `gorm:"index;default:pending" json:"status"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the queue table name.
func (QueueEntry) TableName() string { return "queue" }

// HistoryEntry is one finished task, keyed by task uid.
type HistoryEntry struct {
	TaskUID      ULID       `gorm:"primaryKey" json:"task_uid"`
	BVID         string     `gorm:"index" json:"bvid"`
	CID          int64      `json:"cid"`
	EpID         int64      `json:"ep_id"`
	Title        string     `json:"title"`
	Filename     string     `json:"filename"`
	Mode         string     `json:"mode"`
	Status       TaskStatus `gorm:"index" json:"status"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	// Code carries the opaque upstream envelope code when the failure came
	// from the API, so the UI can disambiguate without re-parsing.
	Code       int       `json:"code,omitempty"`
	TotalBytes int64     `json:"total_bytes"`
	ThumbID    string    `json:"thumb_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `gorm:"index" json:"finished_at"`
}

// TableName returns the history table name.
func (HistoryEntry) TableName() string { return "history" }
