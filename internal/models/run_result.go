package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncResult is the audit record of one sync run. Details holds the
// per-kind counts and item errors as JSON. Never mutated after the run
// finishes.
type SyncResult struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	ServerID   string     `gorm:"not null;index" json:"server_id"`
	Status     string     `gorm:"not null" json:"status"` // running, done, failed
	Details    string     `gorm:"type:text" json:"details"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (r *SyncResult) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

func (SyncResult) TableName() string {
	return "dhis2_sync_results"
}

// ExportResult is the audit record of one export run. Details holds the
// per-batch summaries and per-mapping failures as JSON. Never mutated
// after the run finishes.
type ExportResult struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	ServerID   string     `gorm:"not null;index" json:"server_id"`
	Period     string     `gorm:"not null" json:"period"`
	Status     string     `gorm:"not null" json:"status"` // running, done, partially_failed
	DryRun     bool       `gorm:"column:dry_run;default:false" json:"dry_run"`
	Details    string     `gorm:"type:text" json:"details"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (r *ExportResult) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

func (ExportResult) TableName() string {
	return "dhis2_export_results"
}
