package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DataMapping binds one value-computation preset to a target data element,
// category option combo and org unit. Metadata is referenced by remote UID
// so mapping configurations survive re-syncs and can be moved between
// instances. Sync never deletes a mapping; it flags StaleReference when a
// referenced UID disappears from the remote instance.
type DataMapping struct {
	ID                      string    `gorm:"primaryKey" json:"id"`
	ServerID                string    `gorm:"not null;index" json:"server_id"`
	Name                    string    `gorm:"not null" json:"name"`
	DataElementUID          string    `gorm:"column:data_element_uid;not null" json:"data_element_uid"`
	CategoryOptionComboUID  string    `gorm:"column:category_option_combo_uid;not null" json:"category_option_combo_uid"`
	AttributeOptionComboUID string    `gorm:"column:attribute_option_combo_uid" json:"attribute_option_combo_uid,omitempty"`
	OrgUnitUID              string    `gorm:"column:org_unit_uid;not null" json:"org_unit_uid"`
	PresetKind              string    `gorm:"column:preset_kind;not null" json:"preset_kind"`   // disease, operation_procedure, raw_query
	PresetParams            string    `gorm:"column:preset_params;type:text" json:"preset_params"` // JSON, kind-specific
	Active                  bool      `gorm:"default:true" json:"active"`
	StaleReference          bool      `gorm:"column:stale_reference;default:false" json:"stale_reference"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (m *DataMapping) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (DataMapping) TableName() string {
	return "dhis2_data_mappings"
}
