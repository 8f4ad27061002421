package mapping

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"dhis2bridge/internal/models"
	"dhis2bridge/internal/preset"
)

// Service is the registry of data mappings. All writes validate the preset
// configuration before touching the database; unsafe raw query presets are
// rejected here and never reach the export engine.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewService creates a new mapping service
func NewService(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "mapping").Logger(),
	}
}

// Create validates and stores a new mapping
func (s *Service) Create(req CreateRequest) (*models.DataMapping, error) {
	if err := s.validateRequest(req.ServerID, req.Name, req.DataElementUID, req.CategoryOptionComboUID, req.OrgUnitUID); err != nil {
		return nil, err
	}
	if _, err := preset.Decode(req.PresetKind, []byte(req.PresetParams)); err != nil {
		return nil, err
	}

	m := &models.DataMapping{
		ServerID:                req.ServerID,
		Name:                    req.Name,
		DataElementUID:          req.DataElementUID,
		CategoryOptionComboUID:  req.CategoryOptionComboUID,
		AttributeOptionComboUID: req.AttributeOptionComboUID,
		OrgUnitUID:              req.OrgUnitUID,
		PresetKind:              req.PresetKind,
		PresetParams:            req.PresetParams,
		Active:                  true,
	}
	if err := s.db.Create(m).Error; err != nil {
		return nil, fmt.Errorf("failed to create mapping: %w", err)
	}
	s.checkReferences(m)
	return m, nil
}

// Get returns one mapping by id
func (s *Service) Get(id string) (*models.DataMapping, error) {
	var m models.DataMapping
	if err := s.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("mapping %s not found: %w", id, err)
	}
	return &m, nil
}

// List returns all mappings of one server, active and inactive
func (s *Service) List(serverID string) ([]models.DataMapping, error) {
	var mappings []models.DataMapping
	if err := s.db.Order("name asc").Find(&mappings, "server_id = ?", serverID).Error; err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	return mappings, nil
}

// ListActive returns the mappings the export engine will evaluate
func (s *Service) ListActive(serverID string) ([]models.DataMapping, error) {
	var mappings []models.DataMapping
	if err := s.db.Order("name asc").
		Find(&mappings, "server_id = ? AND active = ?", serverID, true).Error; err != nil {
		return nil, fmt.Errorf("failed to list active mappings: %w", err)
	}
	return mappings, nil
}

// Update applies the non-nil fields of req. A preset change is re-validated
// as a whole, using the stored values for whichever of kind/params is not
// being changed.
func (s *Service) Update(id string, req UpdateRequest) (*models.DataMapping, error) {
	m, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	kind := m.PresetKind
	params := m.PresetParams
	if req.PresetKind != nil {
		kind = *req.PresetKind
	}
	if req.PresetParams != nil {
		params = *req.PresetParams
	}
	if kind != m.PresetKind || params != m.PresetParams {
		if _, err := preset.Decode(kind, []byte(params)); err != nil {
			return nil, err
		}
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		if *req.Name == "" {
			return nil, errors.New("mapping name must not be empty")
		}
		updates["name"] = *req.Name
	}
	if req.PresetKind != nil {
		updates["preset_kind"] = kind
	}
	if req.PresetParams != nil {
		updates["preset_params"] = params
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}
	if len(updates) == 0 {
		return m, nil
	}

	if err := s.db.Model(m).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update mapping: %w", err)
	}
	return s.Get(id)
}

// Delete removes a mapping permanently
func (s *Service) Delete(id string) error {
	res := s.db.Delete(&models.DataMapping{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete mapping: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mapping %s not found", id)
	}
	return nil
}

func (s *Service) validateRequest(serverID, name, dataElementUID, cocUID, orgUnitUID string) error {
	if serverID == "" {
		return errors.New("server id is required")
	}
	if name == "" {
		return errors.New("mapping name must not be empty")
	}
	if dataElementUID == "" || cocUID == "" || orgUnitUID == "" {
		return errors.New("data element, category option combo and org unit UIDs are required")
	}
	var count int64
	if err := s.db.Model(&models.Server{}).Where("id = ?", serverID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("server %s not found", serverID)
	}
	return nil
}

// checkReferences flags the mapping when its UIDs are not live in the
// mirror. Creation still succeeds; the mirror may simply not have been
// synced yet.
func (s *Service) checkReferences(m *models.DataMapping) {
	stale := !s.uidLive(&models.DataElement{}, m.ServerID, m.DataElementUID) ||
		!s.uidLive(&models.CategoryOptionCombo{}, m.ServerID, m.CategoryOptionComboUID) ||
		!s.uidLive(&models.OrgUnit{}, m.ServerID, m.OrgUnitUID)
	if m.AttributeOptionComboUID != "" && !s.uidLive(&models.CategoryOptionCombo{}, m.ServerID, m.AttributeOptionComboUID) {
		stale = true
	}
	if !stale {
		return
	}
	if err := s.db.Model(m).Update("stale_reference", true).Error; err != nil {
		s.logger.Error().Err(err).Str("mapping_id", m.ID).Msg("failed to flag mapping reference")
		return
	}
	m.StaleReference = true
	s.logger.Warn().
		Str("mapping_id", m.ID).
		Str("name", m.Name).
		Msg("mapping references metadata not present in the mirror")
}

func (s *Service) uidLive(model interface{}, serverID, uid string) bool {
	var count int64
	if err := s.db.Model(model).
		Where("server_id = ? AND uid = ? AND stale = ?", serverID, uid, false).
		Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}
