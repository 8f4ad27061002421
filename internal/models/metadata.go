package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Mirrored DHIS2 metadata. Rows are upserted by sync, matched on
// (server_id, uid). Rows absent from a fetch are marked stale, never
// deleted, because active data mappings may still reference them.

// OrgUnit is a mirrored DHIS2 organisation unit
type OrgUnit struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	ServerID  string    `gorm:"not null;index;uniqueIndex:idx_org_unit_server_uid" json:"server_id"`
	UID       string    `gorm:"not null;uniqueIndex:idx_org_unit_server_uid" json:"uid"`
	Name      string    `gorm:"not null" json:"name"`
	ParentUID string    `gorm:"column:parent_uid" json:"parent_uid,omitempty"`
	Level     int       `json:"level"`
	Stale     bool      `gorm:"default:false" json:"stale"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (o *OrgUnit) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

func (OrgUnit) TableName() string {
	return "dhis2_org_units"
}

// CategoryCombo is a mirrored DHIS2 category combination
type CategoryCombo struct {
	ID                string    `gorm:"primaryKey" json:"id"`
	ServerID          string    `gorm:"not null;index;uniqueIndex:idx_cat_combo_server_uid" json:"server_id"`
	UID               string    `gorm:"not null;uniqueIndex:idx_cat_combo_server_uid" json:"uid"`
	Name              string    `gorm:"not null" json:"name"`
	DataDimensionType string    `gorm:"column:data_dimension_type" json:"data_dimension_type"`
	Stale             bool      `gorm:"default:false" json:"stale"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (c *CategoryCombo) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

func (CategoryCombo) TableName() string {
	return "dhis2_category_combos"
}

// CategoryOptionCombo is a mirrored DHIS2 category option combination
type CategoryOptionCombo struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	ServerID         string    `gorm:"not null;index;uniqueIndex:idx_coc_server_uid" json:"server_id"`
	UID              string    `gorm:"not null;uniqueIndex:idx_coc_server_uid" json:"uid"`
	Name             string    `gorm:"not null" json:"name"`
	CategoryComboUID string    `gorm:"column:category_combo_uid;index" json:"category_combo_uid"`
	Stale            bool      `gorm:"default:false" json:"stale"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (c *CategoryOptionCombo) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

func (CategoryOptionCombo) TableName() string {
	return "dhis2_category_option_combos"
}

// DataSet is a mirrored DHIS2 data set
type DataSet struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	ServerID         string    `gorm:"not null;index;uniqueIndex:idx_data_set_server_uid" json:"server_id"`
	UID              string    `gorm:"not null;uniqueIndex:idx_data_set_server_uid" json:"uid"`
	Name             string    `gorm:"not null" json:"name"`
	PeriodType       string    `gorm:"column:period_type" json:"period_type"`
	CategoryComboUID string    `gorm:"column:category_combo_uid" json:"category_combo_uid"`
	Stale            bool      `gorm:"default:false" json:"stale"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (d *DataSet) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

func (DataSet) TableName() string {
	return "dhis2_data_sets"
}

// DataElement is a mirrored DHIS2 data element
type DataElement struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	ServerID         string    `gorm:"not null;index;uniqueIndex:idx_data_element_server_uid" json:"server_id"`
	UID              string    `gorm:"not null;uniqueIndex:idx_data_element_server_uid" json:"uid"`
	Name             string    `gorm:"not null" json:"name"`
	ValueType        string    `gorm:"column:value_type" json:"value_type"` // NUMBER, INTEGER, TEXT, BOOLEAN, ...
	AggregationType  string    `gorm:"column:aggregation_type" json:"aggregation_type"`
	DomainType       string    `gorm:"column:domain_type" json:"domain_type"`
	CategoryComboUID string    `gorm:"column:category_combo_uid" json:"category_combo_uid"`
	DataSetUID       string    `gorm:"column:data_set_uid;index" json:"data_set_uid,omitempty"`
	Stale            bool      `gorm:"default:false" json:"stale"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (d *DataElement) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

func (DataElement) TableName() string {
	return "dhis2_data_elements"
}
