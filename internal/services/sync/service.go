package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"dhis2bridge/internal/api"
	"dhis2bridge/internal/credentials"
	"dhis2bridge/internal/metrics"
	"dhis2bridge/internal/models"
)

// remoteClient is the slice of the API client the mirror needs
type remoteClient interface {
	Me(ctx context.Context) (*api.UserInfo, error)
	FetchMetadata(ctx context.Context, kind api.MetadataKind, page int) (*api.MetadataPage, error)
}

// ClientFactory builds a remote client for a server descriptor
type ClientFactory func(baseURL string, creds api.Credentials, timeout time.Duration) remoteClient

// Service maintains the local mirror of remote DHIS2 metadata
type Service struct {
	db            *gorm.DB
	keystore      *credentials.Keystore
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	remoteTimeout time.Duration
	newClient     ClientFactory
}

// NewService creates a new sync service
func NewService(db *gorm.DB, keystore *credentials.Keystore, m *metrics.Metrics, logger zerolog.Logger, remoteTimeout time.Duration) *Service {
	return &Service{
		db:            db,
		keystore:      keystore,
		metrics:       m,
		logger:        logger.With().Str("component", "sync").Logger(),
		remoteTimeout: remoteTimeout,
		newClient: func(baseURL string, creds api.Credentials, timeout time.Duration) remoteClient {
			return api.NewClient(baseURL, creds, timeout)
		},
	}
}

// SetClientFactory overrides remote client construction (for tests)
func (s *Service) SetClientFactory(factory ClientFactory) {
	s.newClient = factory
}

// Run refreshes the metadata mirror for one server. Kinds are fetched in
// referential dependency order; a failing kind is recorded and the run
// continues with the remaining kinds. The run fails as a whole only when
// the server cannot be loaded or its credentials cannot be decrypted.
func (s *Service) Run(ctx context.Context, serverID string) (*RunSummary, error) {
	server, err := s.getServer(serverID)
	if err != nil {
		return nil, err
	}

	client, err := s.clientFor(server)
	if err != nil {
		return nil, err
	}

	result := &models.SyncResult{
		ServerID:  server.ID,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.db.Create(result).Error; err != nil {
		return nil, fmt.Errorf("failed to record sync run: %w", err)
	}

	summary := &RunSummary{
		ResultID:  result.ID,
		ServerID:  server.ID,
		Status:    StatusDone,
		Kinds:     make(map[string]KindOutcome),
		StartedAt: result.StartedAt,
	}

	membership := make(map[string]string)
	for _, kind := range api.SyncOrder {
		outcome := s.syncKind(ctx, client, server.ID, kind, membership)
		summary.Kinds[string(kind)] = outcome
		if outcome.Error != "" {
			summary.Status = StatusFailed
			s.logger.Error().
				Str("server_id", server.ID).
				Str("kind", string(kind)).
				Str("error", outcome.Error).
				Msg("metadata kind sync failed")
			continue
		}
		s.metrics.SyncedObjects.WithLabelValues(string(kind)).Add(float64(outcome.Created + outcome.Updated))
	}

	// Data sets sync before data elements, so membership can only be
	// written once both passes are through
	if summary.Kinds[string(api.KindDataSets)].Error == "" {
		if err := s.applyMembership(server.ID, membership); err != nil {
			s.logger.Error().Err(err).Str("server_id", server.ID).Msg("failed to apply data set membership")
		}
	}

	stale, err := s.flagStaleMappings(server.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("server_id", server.ID).Msg("failed to flag stale mappings")
	}
	summary.StaleMappings = stale

	now := time.Now().UTC()
	summary.FinishedAt = now

	if summary.Status == StatusDone {
		if err := s.db.Model(server).Updates(map[string]interface{}{
			"sync_time": now,
			"validated": true,
		}).Error; err != nil {
			s.logger.Error().Err(err).Str("server_id", server.ID).Msg("failed to update server sync time")
		}
	}

	s.finalize(result, summary, now)
	s.metrics.SyncRuns.WithLabelValues(summary.Status).Inc()
	return summary, nil
}

// RunAll syncs every stored server, continuing past failures
func (s *Service) RunAll(ctx context.Context) ([]*RunSummary, error) {
	var servers []models.Server
	if err := s.db.Order("label asc").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	summaries := make([]*RunSummary, 0, len(servers))
	for i := range servers {
		summary, err := s.Run(ctx, servers[i].ID)
		if err != nil {
			s.logger.Error().Err(err).Str("server_id", servers[i].ID).Msg("sync run failed to start")
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Validate checks a server's credentials against api/me without touching
// the mirror
func (s *Service) Validate(ctx context.Context, serverID string) (*api.UserInfo, error) {
	server, err := s.getServer(serverID)
	if err != nil {
		return nil, err
	}
	client, err := s.clientFor(server)
	if err != nil {
		return nil, err
	}
	user, err := client.Me(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.db.Model(server).Update("validated", true).Error; err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) getServer(serverID string) (*models.Server, error) {
	var server models.Server
	if err := s.db.First(&server, "id = ? OR label = ?", serverID, serverID).Error; err != nil {
		return nil, fmt.Errorf("server %s not found: %w", serverID, err)
	}
	return &server, nil
}

func (s *Service) clientFor(server *models.Server) (remoteClient, error) {
	token, err := s.keystore.Decrypt(server.TokenEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials for %s: %w", server.Label, err)
	}
	return s.newClient(server.URL, api.Credentials{Token: token, Username: server.Username}, s.remoteTimeout), nil
}

// syncKind fetches all pages of one kind and reconciles the mirror table.
// Rows absent from the fetch are marked stale; rows present again have the
// flag cleared.
func (s *Service) syncKind(ctx context.Context, client remoteClient, serverID string, kind api.MetadataKind, membership map[string]string) KindOutcome {
	var items []json.RawMessage
	for page := 1; ; page++ {
		metadataPage, err := client.FetchMetadata(ctx, kind, page)
		if err != nil {
			return KindOutcome{Error: err.Error()}
		}
		items = append(items, metadataPage.Items...)
		if !metadataPage.HasMore {
			break
		}
	}

	outcome := KindOutcome{Fetched: len(items)}
	seen := make(map[string]bool, len(items))

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, raw := range items {
			uid, ch, upsertErr := s.upsertItem(tx, serverID, kind, raw, membership)
			if upsertErr != nil {
				return upsertErr
			}
			if uid == "" {
				continue
			}
			seen[uid] = true
			switch ch {
			case changeCreated:
				outcome.Created++
			case changeUpdated:
				outcome.Updated++
			default:
				outcome.Unchanged++
			}
		}

		stale, staleErr := markStale(tx, serverID, kind, seen)
		if staleErr != nil {
			return staleErr
		}
		outcome.MarkedStale = stale
		return nil
	})
	if err != nil {
		return KindOutcome{Fetched: len(items), Error: err.Error()}
	}

	if kind == api.KindOrganisationUnits {
		outcome.Orphaned = countOrphans(items, seen)
		if outcome.Orphaned > 0 {
			s.logger.Warn().
				Str("server_id", serverID).
				Int("orphaned", outcome.Orphaned).
				Msg("org units reference parents missing from the fetch")
		}
	}
	return outcome
}

// countOrphans counts org units whose parent was not part of the fetch.
// Root units have no parent and do not count.
func countOrphans(items []json.RawMessage, seen map[string]bool) int {
	orphans := 0
	for _, raw := range items {
		var item orgUnitItem
		if json.Unmarshal(raw, &item) != nil {
			continue
		}
		if item.Parent != nil && item.Parent.ID != "" && !seen[item.Parent.ID] {
			orphans++
		}
	}
	return orphans
}

// change classifies what reconciling one mirror row did
type change int

const (
	changeCreated change = iota
	changeUpdated
	changeUnchanged
)

// upsertItem decodes one wire item and reconciles it into the mirror,
// matched on (server_id, uid). Items without an id are skipped. Data set
// membership is collected into membership for a later pass.
func (s *Service) upsertItem(tx *gorm.DB, serverID string, kind api.MetadataKind, raw json.RawMessage, membership map[string]string) (string, change, error) {
	switch kind {
	case api.KindOrganisationUnits:
		var item orgUnitItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return "", changeUnchanged, fmt.Errorf("bad %s item: %w", kind, err)
		}
		if item.ID == "" {
			return "", changeUnchanged, nil
		}
		parentUID := ""
		if item.Parent != nil {
			parentUID = item.Parent.ID
		}
		var existing models.OrgUnit
		ch, err := reconcile(tx, &existing, serverID, item.ID, func() bool {
			return existing.Name == item.DisplayName &&
				existing.ParentUID == parentUID &&
				existing.Level == item.Level &&
				!existing.Stale
		}, map[string]interface{}{
			"name":       item.DisplayName,
			"parent_uid": parentUID,
			"level":      item.Level,
			"stale":      false,
		}, &models.OrgUnit{
			ServerID:  serverID,
			UID:       item.ID,
			Name:      item.DisplayName,
			ParentUID: parentUID,
			Level:     item.Level,
		})
		return item.ID, ch, err

	case api.KindCategoryCombos:
		var item categoryComboItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return "", changeUnchanged, fmt.Errorf("bad %s item: %w", kind, err)
		}
		if item.ID == "" {
			return "", changeUnchanged, nil
		}
		var existing models.CategoryCombo
		ch, err := reconcile(tx, &existing, serverID, item.ID, func() bool {
			return existing.Name == item.DisplayName &&
				existing.DataDimensionType == item.DataDimensionType &&
				!existing.Stale
		}, map[string]interface{}{
			"name":                item.DisplayName,
			"data_dimension_type": item.DataDimensionType,
			"stale":               false,
		}, &models.CategoryCombo{
			ServerID:          serverID,
			UID:               item.ID,
			Name:              item.DisplayName,
			DataDimensionType: item.DataDimensionType,
		})
		return item.ID, ch, err

	case api.KindCategoryOptionCombos:
		var item categoryOptionComboItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return "", changeUnchanged, fmt.Errorf("bad %s item: %w", kind, err)
		}
		if item.ID == "" {
			return "", changeUnchanged, nil
		}
		comboUID := ""
		if item.CategoryCombo != nil {
			comboUID = item.CategoryCombo.ID
		}
		var existing models.CategoryOptionCombo
		ch, err := reconcile(tx, &existing, serverID, item.ID, func() bool {
			return existing.Name == item.DisplayName &&
				existing.CategoryComboUID == comboUID &&
				!existing.Stale
		}, map[string]interface{}{
			"name":               item.DisplayName,
			"category_combo_uid": comboUID,
			"stale":              false,
		}, &models.CategoryOptionCombo{
			ServerID:         serverID,
			UID:              item.ID,
			Name:             item.DisplayName,
			CategoryComboUID: comboUID,
		})
		return item.ID, ch, err

	case api.KindDataSets:
		var item dataSetItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return "", changeUnchanged, fmt.Errorf("bad %s item: %w", kind, err)
		}
		if item.ID == "" {
			return "", changeUnchanged, nil
		}
		comboUID := ""
		if item.CategoryCombo != nil {
			comboUID = item.CategoryCombo.ID
		}
		for _, dse := range item.DataSetElements {
			if dse.DataElement.ID != "" {
				membership[dse.DataElement.ID] = item.ID
			}
		}
		var existing models.DataSet
		ch, err := reconcile(tx, &existing, serverID, item.ID, func() bool {
			return existing.Name == item.DisplayName &&
				existing.PeriodType == item.PeriodType &&
				existing.CategoryComboUID == comboUID &&
				!existing.Stale
		}, map[string]interface{}{
			"name":               item.DisplayName,
			"period_type":        item.PeriodType,
			"category_combo_uid": comboUID,
			"stale":              false,
		}, &models.DataSet{
			ServerID:         serverID,
			UID:              item.ID,
			Name:             item.DisplayName,
			PeriodType:       item.PeriodType,
			CategoryComboUID: comboUID,
		})
		return item.ID, ch, err

	case api.KindDataElements:
		var item dataElementItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return "", changeUnchanged, fmt.Errorf("bad %s item: %w", kind, err)
		}
		if item.ID == "" {
			return "", changeUnchanged, nil
		}
		comboUID := ""
		if item.CategoryCombo != nil {
			comboUID = item.CategoryCombo.ID
		}
		var existing models.DataElement
		ch, err := reconcile(tx, &existing, serverID, item.ID, func() bool {
			return existing.Name == item.DisplayName &&
				existing.ValueType == item.ValueType &&
				existing.AggregationType == item.AggregationType &&
				existing.DomainType == item.DomainType &&
				existing.CategoryComboUID == comboUID &&
				!existing.Stale
		}, map[string]interface{}{
			"name":               item.DisplayName,
			"value_type":         item.ValueType,
			"aggregation_type":   item.AggregationType,
			"domain_type":        item.DomainType,
			"category_combo_uid": comboUID,
			"stale":              false,
		}, &models.DataElement{
			ServerID:         serverID,
			UID:              item.ID,
			Name:             item.DisplayName,
			ValueType:        item.ValueType,
			AggregationType:  item.AggregationType,
			DomainType:       item.DomainType,
			CategoryComboUID: comboUID,
		})
		return item.ID, ch, err

	default:
		return "", changeUnchanged, fmt.Errorf("unknown metadata kind %q", kind)
	}
}

// reconcile loads the mirror row for (serverID, uid) into existing and
// either creates fresh, applies updates or leaves the row untouched. The
// same callback compares the loaded row against the fetched state.
func reconcile(tx *gorm.DB, existing interface{}, serverID, uid string, same func() bool, updates map[string]interface{}, fresh interface{}) (change, error) {
	err := tx.Where("server_id = ? AND uid = ?", serverID, uid).First(existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return changeCreated, tx.Create(fresh).Error
	}
	if err != nil {
		return changeUnchanged, err
	}
	if same() {
		return changeUnchanged, nil
	}
	return changeUpdated, tx.Model(existing).Updates(updates).Error
}

// applyMembership writes data set membership onto the mirrored data
// elements once both the dataSets and dataElements passes are through.
// Elements no longer in any fetched set have the reference cleared.
func (s *Service) applyMembership(serverID string, membership map[string]string) error {
	var elements []models.DataElement
	if err := s.db.Find(&elements, "server_id = ?", serverID).Error; err != nil {
		return err
	}
	for i := range elements {
		e := &elements[i]
		dataSetUID := membership[e.UID]
		if e.DataSetUID == dataSetUID {
			continue
		}
		if err := s.db.Model(e).Update("data_set_uid", dataSetUID).Error; err != nil {
			return err
		}
	}
	return nil
}

// markStale flags mirror rows of one kind that were not in the latest fetch
func markStale(tx *gorm.DB, serverID string, kind api.MetadataKind, seen map[string]bool) (int, error) {
	model, err := modelFor(kind)
	if err != nil {
		return 0, err
	}

	var uids []string
	if err := tx.Model(model).Where("server_id = ? AND stale = ?", serverID, false).Pluck("uid", &uids).Error; err != nil {
		return 0, err
	}

	var gone []string
	for _, uid := range uids {
		if !seen[uid] {
			gone = append(gone, uid)
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}

	if err := tx.Model(model).
		Where("server_id = ? AND uid IN ?", serverID, gone).
		Update("stale", true).Error; err != nil {
		return 0, err
	}
	return len(gone), nil
}

func modelFor(kind api.MetadataKind) (interface{}, error) {
	switch kind {
	case api.KindOrganisationUnits:
		return &models.OrgUnit{}, nil
	case api.KindCategoryCombos:
		return &models.CategoryCombo{}, nil
	case api.KindCategoryOptionCombos:
		return &models.CategoryOptionCombo{}, nil
	case api.KindDataSets:
		return &models.DataSet{}, nil
	case api.KindDataElements:
		return &models.DataElement{}, nil
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", kind)
	}
}

// flagStaleMappings marks data mappings whose referenced data element,
// category option combo or org unit is missing or stale in the mirror. The
// flag is cleared again when all references are live.
func (s *Service) flagStaleMappings(serverID string) (int, error) {
	var mappings []models.DataMapping
	if err := s.db.Find(&mappings, "server_id = ?", serverID).Error; err != nil {
		return 0, err
	}

	liveElements, err := s.liveUIDs(&models.DataElement{}, serverID)
	if err != nil {
		return 0, err
	}
	liveCombos, err := s.liveUIDs(&models.CategoryOptionCombo{}, serverID)
	if err != nil {
		return 0, err
	}
	liveOrgUnits, err := s.liveUIDs(&models.OrgUnit{}, serverID)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for i := range mappings {
		m := &mappings[i]
		stale := !liveElements[m.DataElementUID] ||
			!liveCombos[m.CategoryOptionComboUID] ||
			!liveOrgUnits[m.OrgUnitUID]
		if m.AttributeOptionComboUID != "" && !liveCombos[m.AttributeOptionComboUID] {
			stale = true
		}
		if stale {
			flagged++
		}
		if stale == m.StaleReference {
			continue
		}
		if err := s.db.Model(m).Update("stale_reference", stale).Error; err != nil {
			return flagged, err
		}
	}
	return flagged, nil
}

func (s *Service) liveUIDs(model interface{}, serverID string) (map[string]bool, error) {
	var uids []string
	if err := s.db.Model(model).
		Where("server_id = ? AND stale = ?", serverID, false).
		Pluck("uid", &uids).Error; err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(uids))
	for _, uid := range uids {
		live[uid] = true
	}
	return live, nil
}

func (s *Service) finalize(result *models.SyncResult, summary *RunSummary, finished time.Time) {
	details, err := json.Marshal(summary)
	if err != nil {
		details = []byte("{}")
	}
	updates := map[string]interface{}{
		"status":      summary.Status,
		"details":     string(details),
		"finished_at": finished,
	}
	if err := s.db.Model(result).Updates(updates).Error; err != nil {
		s.logger.Error().Err(err).Str("result_id", result.ID).Msg("failed to finalize sync result")
	}
}
