package mapping

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"dhis2bridge/internal/models"
	"dhis2bridge/internal/preset"
)

// Export serializes all mappings of one server into the portable envelope.
// Inactive mappings are included; activity is a local toggle, not part of
// the mapping's meaning.
func (s *Service) Export(serverID string) (*PortableFile, error) {
	mappings, err := s.List(serverID)
	if err != nil {
		return nil, err
	}

	file := &PortableFile{
		Version:  PortableFileVersion,
		Mappings: make([]PortableMapping, 0, len(mappings)),
	}
	for _, m := range mappings {
		file.Mappings = append(file.Mappings, PortableMapping{
			Name:                    m.Name,
			DataElementUID:          m.DataElementUID,
			CategoryOptionComboUID:  m.CategoryOptionComboUID,
			AttributeOptionComboUID: m.AttributeOptionComboUID,
			OrgUnitUID:              m.OrgUnitUID,
			PresetKind:              m.PresetKind,
			PresetParams:            m.PresetParams,
		})
	}
	return file, nil
}

// ExportJSON is Export rendered as indented JSON for writing to a file
func (s *Service) ExportJSON(serverID string) ([]byte, error) {
	file, err := s.Export(serverID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(file, "", "  ")
}

// Import loads mappings from a portable file into one server's registry.
// Mappings are matched on (data element, category option combo, attribute
// option combo, org unit); matches are updated, the rest created. Entries
// with invalid presets are skipped with a warning, and entries referencing
// UIDs unknown to the mirror import flagged rather than rejected.
func (s *Service) Import(serverID string, data []byte) (*ImportOutcome, error) {
	var file PortableFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse mapping file: %w", err)
	}
	if file.Version != PortableFileVersion {
		return nil, fmt.Errorf("unsupported mapping file version %d", file.Version)
	}

	var count int64
	if err := s.db.Model(&models.Server{}).Where("id = ?", serverID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("server %s not found", serverID)
	}

	outcome := &ImportOutcome{}
	for i, pm := range file.Mappings {
		if pm.Name == "" || pm.DataElementUID == "" || pm.CategoryOptionComboUID == "" || pm.OrgUnitUID == "" {
			outcome.Skipped++
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("entry %d: missing required fields, skipped", i))
			continue
		}
		if _, err := preset.Decode(pm.PresetKind, []byte(pm.PresetParams)); err != nil {
			outcome.Skipped++
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("entry %d (%s): invalid preset: %v", i, pm.Name, err))
			continue
		}

		var existing models.DataMapping
		err := s.db.Where(
			"server_id = ? AND data_element_uid = ? AND category_option_combo_uid = ? AND attribute_option_combo_uid = ? AND org_unit_uid = ?",
			serverID, pm.DataElementUID, pm.CategoryOptionComboUID, pm.AttributeOptionComboUID, pm.OrgUnitUID,
		).First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return outcome, fmt.Errorf("failed to look up mapping %s: %w", pm.Name, err)
		}

		if err == nil {
			if updateErr := s.db.Model(&existing).Updates(map[string]interface{}{
				"name":          pm.Name,
				"preset_kind":   pm.PresetKind,
				"preset_params": pm.PresetParams,
			}).Error; updateErr != nil {
				return outcome, fmt.Errorf("failed to update mapping %s: %w", pm.Name, updateErr)
			}
			s.checkReferences(&existing)
			outcome.Updated++
			continue
		}

		m := &models.DataMapping{
			ServerID:                serverID,
			Name:                    pm.Name,
			DataElementUID:          pm.DataElementUID,
			CategoryOptionComboUID:  pm.CategoryOptionComboUID,
			AttributeOptionComboUID: pm.AttributeOptionComboUID,
			OrgUnitUID:              pm.OrgUnitUID,
			PresetKind:              pm.PresetKind,
			PresetParams:            pm.PresetParams,
			Active:                  true,
		}
		if createErr := s.db.Create(m).Error; createErr != nil {
			return outcome, fmt.Errorf("failed to import mapping %s: %w", pm.Name, createErr)
		}
		s.checkReferences(m)
		if m.StaleReference {
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("entry %d (%s): references metadata not in the mirror, flagged", i, pm.Name))
		}
		outcome.Created++
	}
	return outcome, nil
}
