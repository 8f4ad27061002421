package mapping

// CreateRequest describes a new data mapping
type CreateRequest struct {
	ServerID                string `json:"server_id"`
	Name                    string `json:"name"`
	DataElementUID          string `json:"data_element_uid"`
	CategoryOptionComboUID  string `json:"category_option_combo_uid"`
	AttributeOptionComboUID string `json:"attribute_option_combo_uid,omitempty"`
	OrgUnitUID              string `json:"org_unit_uid"`
	PresetKind              string `json:"preset_kind"`
	PresetParams            string `json:"preset_params"`
}

// UpdateRequest carries the mutable fields of a mapping. Nil means leave
// unchanged.
type UpdateRequest struct {
	Name         *string `json:"name,omitempty"`
	PresetKind   *string `json:"preset_kind,omitempty"`
	PresetParams *string `json:"preset_params,omitempty"`
	Active       *bool   `json:"active,omitempty"`
}

// PortableMapping is the instance-independent wire form of one mapping.
// Metadata is referenced by remote UID only, so a file exported from one
// deployment can be imported into another pointed at the same DHIS2
// instance.
type PortableMapping struct {
	Name                    string `json:"name"`
	DataElementUID          string `json:"data_element_uid"`
	CategoryOptionComboUID  string `json:"category_option_combo_uid"`
	AttributeOptionComboUID string `json:"attribute_option_combo_uid,omitempty"`
	OrgUnitUID              string `json:"org_unit_uid"`
	PresetKind              string `json:"preset_kind"`
	PresetParams            string `json:"preset_params"`
}

// PortableFile is the envelope written by Export and read by Import
type PortableFile struct {
	Version  int               `json:"version"`
	Mappings []PortableMapping `json:"mappings"`
}

// PortableFileVersion is the current envelope version
const PortableFileVersion = 1

// ImportOutcome reports what an import run did
type ImportOutcome struct {
	Created  int      `json:"created"`
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	Warnings []string `json:"warnings,omitempty"`
}
