package models

import "time"

// ThumbnailRef is one reference-counted thumbnail shared across tasks.
// The file itself lives as {id}.avif in the sandbox root; the row only
// tracks the count. A row whose RefCount reaches 0 is removed together
// with the file.
type ThumbnailRef struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	URL       string    `json:"url"`
	Path      string    `json:"path"`
	RefCount  int       `gorm:"not null;default:0" json:"ref_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the thumbnails table name.
func (ThumbnailRef) TableName() string { return "thumbnails" }

// Asset is one auxiliary file owned by a task (danmaku dumps, covers kept
// past their thumbnail lifetime, exported sidecars).
type Asset struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Kind      string    `gorm:"index" json:"kind"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the assets table name.
func (Asset) TableName() string { return "assets" }
