package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Server is a DHIS2 connection descriptor. One row per remote instance.
// The sync component is the only writer of SyncTime and Validated.
type Server struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	Label     string     `gorm:"unique;not null" json:"label"`
	URL       string     `gorm:"not null" json:"url"`
	TokenEnc  string     `gorm:"column:token_enc" json:"-"` // Encrypted PAT, never expose in JSON
	Username  string     `json:"username,omitempty"`
	SyncTime  *time.Time `gorm:"column:sync_time" json:"sync_time,omitempty"`
	Validated bool       `gorm:"default:false" json:"validated"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (s *Server) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Server) TableName() string {
	return "dhis2_servers"
}
