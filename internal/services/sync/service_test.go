package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dhis2bridge/internal/api"
	"dhis2bridge/internal/credentials"
	"dhis2bridge/internal/database"
	"dhis2bridge/internal/logging"
	"dhis2bridge/internal/metrics"
	"dhis2bridge/internal/models"
)

// fakeRemote serves canned metadata pages
type fakeRemote struct {
	pages    map[api.MetadataKind][]json.RawMessage
	failKind api.MetadataKind
}

func (f *fakeRemote) Me(context.Context) (*api.UserInfo, error) {
	return &api.UserInfo{ID: "u1", Username: "reporter"}, nil
}

func (f *fakeRemote) FetchMetadata(_ context.Context, kind api.MetadataKind, page int) (*api.MetadataPage, error) {
	if kind == f.failKind {
		return nil, &api.RemoteError{Status: 502, Body: "bad gateway"}
	}
	if page > 1 {
		return &api.MetadataPage{}, nil
	}
	return &api.MetadataPage{Items: f.pages[kind]}, nil
}

func newTestService(t *testing.T, remote *fakeRemote) (*Service, *gorm.DB, *models.Server) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	key := make([]byte, 32)
	keystore, err := credentials.NewKeystoreWithKey(key)
	require.NoError(t, err)

	tokenEnc, err := keystore.Encrypt("d2pat_secret")
	require.NoError(t, err)
	server := &models.Server{Label: "national", URL: "https://dhis2.example.org", TokenEnc: tokenEnc}
	require.NoError(t, db.Create(server).Error)

	svc := NewService(db, keystore, metrics.New(prometheus.NewRegistry()), logging.Nop(), time.Second)
	svc.SetClientFactory(func(string, api.Credentials, time.Duration) remoteClient {
		return remote
	})
	return svc, db, server
}

func raw(items ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = json.RawMessage(item)
	}
	return out
}

func fullRemote() *fakeRemote {
	return &fakeRemote{pages: map[api.MetadataKind][]json.RawMessage{
		api.KindOrganisationUnits: raw(
			`{"id":"ou1","displayName":"National","level":1}`,
			`{"id":"ou2","displayName":"Clinic A","level":2,"parent":{"id":"ou1"}}`,
		),
		api.KindCategoryCombos: raw(`{"id":"cc1","displayName":"default","dataDimensionType":"DISAGGREGATION"}`),
		api.KindCategoryOptionCombos: raw(
			`{"id":"coc1","displayName":"default","categoryCombo":{"id":"cc1"}}`,
		),
		api.KindDataSets: raw(
			`{"id":"ds1","displayName":"Monthly report","periodType":"Monthly","categoryCombo":{"id":"cc1"},"dataSetElements":[{"dataElement":{"id":"de1"}}]}`,
		),
		api.KindDataElements: raw(
			`{"id":"de1","displayName":"Cholera cases","valueType":"INTEGER_ZERO_OR_POSITIVE","aggregationType":"SUM","domainType":"AGGREGATE","categoryCombo":{"id":"cc1"}}`,
		),
	}}
}

func TestRun(t *testing.T) {
	t.Run("Should mirror all metadata kinds", func(t *testing.T) {
		svc, db, server := newTestService(t, fullRemote())

		summary, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDone, summary.Status)
		assert.Equal(t, 2, summary.Kinds["organisationUnits"].Created)
		assert.Equal(t, 1, summary.Kinds["dataElements"].Created)

		var orgUnits []models.OrgUnit
		require.NoError(t, db.Find(&orgUnits).Error)
		assert.Len(t, orgUnits, 2)

		var element models.DataElement
		require.NoError(t, db.First(&element, "uid = ?", "de1").Error)
		assert.Equal(t, "Cholera cases", element.Name)
		assert.Equal(t, "INTEGER_ZERO_OR_POSITIVE", element.ValueType)
		assert.Equal(t, "cc1", element.CategoryComboUID)
		assert.Equal(t, "ds1", element.DataSetUID)

		var updated models.Server
		require.NoError(t, db.First(&updated, "id = ?", server.ID).Error)
		assert.NotNil(t, updated.SyncTime)
		assert.True(t, updated.Validated)
	})

	t.Run("Should accept a server label in place of an id", func(t *testing.T) {
		svc, _, _ := newTestService(t, fullRemote())
		summary, err := svc.Run(context.Background(), "national")
		require.NoError(t, err)
		assert.Equal(t, StatusDone, summary.Status)
	})

	t.Run("Should update rather than duplicate on re-sync", func(t *testing.T) {
		remote := fullRemote()
		svc, db, server := newTestService(t, remote)

		_, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)

		remote.pages[api.KindDataElements] = raw(
			`{"id":"de1","displayName":"Cholera cases (renamed)","valueType":"INTEGER","aggregationType":"SUM","domainType":"AGGREGATE","categoryCombo":{"id":"cc1"}}`,
		)
		summary, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Kinds["dataElements"].Updated)
		assert.Zero(t, summary.Kinds["dataElements"].Created)

		var elements []models.DataElement
		require.NoError(t, db.Find(&elements).Error)
		require.Len(t, elements, 1)
		assert.Equal(t, "Cholera cases (renamed)", elements[0].Name)
		assert.Equal(t, "INTEGER", elements[0].ValueType)
	})

	t.Run("Should report an identical re-sync as unchanged", func(t *testing.T) {
		svc, _, server := newTestService(t, fullRemote())

		_, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)

		summary, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDone, summary.Status)
		for kind, outcome := range summary.Kinds {
			assert.Zero(t, outcome.Created, kind)
			assert.Zero(t, outcome.Updated, kind)
			assert.Equal(t, outcome.Fetched, outcome.Unchanged, kind)
		}
	})

	t.Run("Should clear data set membership when an element leaves the set", func(t *testing.T) {
		remote := fullRemote()
		svc, db, server := newTestService(t, remote)

		_, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)

		var element models.DataElement
		require.NoError(t, db.First(&element, "uid = ?", "de1").Error)
		assert.Equal(t, "ds1", element.DataSetUID)

		remote.pages[api.KindDataSets] = raw(
			`{"id":"ds1","displayName":"Monthly report","periodType":"Monthly","categoryCombo":{"id":"cc1"},"dataSetElements":[]}`,
		)
		_, err = svc.Run(context.Background(), server.ID)
		require.NoError(t, err)
		require.NoError(t, db.First(&element, "uid = ?", "de1").Error)
		assert.Empty(t, element.DataSetUID)
	})

	t.Run("Should mark disappeared metadata stale instead of deleting it", func(t *testing.T) {
		remote := fullRemote()
		svc, db, server := newTestService(t, remote)

		_, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)

		remote.pages[api.KindOrganisationUnits] = raw(`{"id":"ou1","displayName":"National","level":1}`)
		summary, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Kinds["organisationUnits"].MarkedStale)

		var gone models.OrgUnit
		require.NoError(t, db.First(&gone, "uid = ?", "ou2").Error)
		assert.True(t, gone.Stale)

		// The unit returns in a later sync and is live again
		remote.pages[api.KindOrganisationUnits] = fullRemote().pages[api.KindOrganisationUnits]
		_, err = svc.Run(context.Background(), server.ID)
		require.NoError(t, err)
		require.NoError(t, db.First(&gone, "uid = ?", "ou2").Error)
		assert.False(t, gone.Stale)
	})

	t.Run("Should flag mappings whose references disappeared", func(t *testing.T) {
		remote := fullRemote()
		svc, db, server := newTestService(t, remote)

		_, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)

		mapping := &models.DataMapping{
			ServerID:               server.ID,
			Name:                   "cholera",
			DataElementUID:         "de1",
			CategoryOptionComboUID: "coc1",
			OrgUnitUID:             "ou2",
			PresetKind:             "disease",
			PresetParams:           `{"disease_code":"A00"}`,
			Active:                 true,
		}
		require.NoError(t, db.Create(mapping).Error)

		remote.pages[api.KindOrganisationUnits] = raw(`{"id":"ou1","displayName":"National","level":1}`)
		summary, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.StaleMappings)

		var flagged models.DataMapping
		require.NoError(t, db.First(&flagged, "id = ?", mapping.ID).Error)
		assert.True(t, flagged.StaleReference)

		// Reference comes back, flag clears
		remote.pages[api.KindOrganisationUnits] = fullRemote().pages[api.KindOrganisationUnits]
		summary, err = svc.Run(context.Background(), server.ID)
		require.NoError(t, err)
		assert.Zero(t, summary.StaleMappings)
		require.NoError(t, db.First(&flagged, "id = ?", mapping.ID).Error)
		assert.False(t, flagged.StaleReference)
	})

	t.Run("Should count org units with unresolved parents without dropping them", func(t *testing.T) {
		remote := fullRemote()
		remote.pages[api.KindOrganisationUnits] = raw(
			`{"id":"ou1","displayName":"National","level":1}`,
			`{"id":"ou9","displayName":"Detached clinic","level":3,"parent":{"id":"missing"}}`,
		)
		svc, db, server := newTestService(t, remote)

		summary, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Kinds["organisationUnits"].Orphaned)

		var orphan models.OrgUnit
		require.NoError(t, db.First(&orphan, "uid = ?", "ou9").Error)
		assert.Equal(t, "missing", orphan.ParentUID)
	})

	t.Run("Should isolate a failing kind and continue with the rest", func(t *testing.T) {
		remote := fullRemote()
		remote.failKind = api.KindCategoryCombos
		svc, db, server := newTestService(t, remote)

		summary, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, summary.Status)
		assert.NotEmpty(t, summary.Kinds["categoryCombos"].Error)
		assert.Equal(t, 1, summary.Kinds["dataElements"].Created)

		var elements []models.DataElement
		require.NoError(t, db.Find(&elements).Error)
		assert.Len(t, elements, 1)

		// A failed run must not advance the server's sync time
		var updated models.Server
		require.NoError(t, db.First(&updated, "id = ?", server.ID).Error)
		assert.Nil(t, updated.SyncTime)
	})

	t.Run("Should persist an audit record for the run", func(t *testing.T) {
		svc, db, server := newTestService(t, fullRemote())

		summary, err := svc.Run(context.Background(), server.ID)
		require.NoError(t, err)

		var result models.SyncResult
		require.NoError(t, db.First(&result, "id = ?", summary.ResultID).Error)
		assert.Equal(t, StatusDone, result.Status)
		assert.NotNil(t, result.FinishedAt)

		var recorded RunSummary
		require.NoError(t, json.Unmarshal([]byte(result.Details), &recorded))
		assert.Equal(t, summary.Kinds, recorded.Kinds)
	})

	t.Run("Should fail for an unknown server", func(t *testing.T) {
		svc, _, _ := newTestService(t, fullRemote())
		_, err := svc.Run(context.Background(), "nonexistent")
		assert.Error(t, err)
	})
}

func TestRunAll(t *testing.T) {
	t.Run("Should sync every registered server", func(t *testing.T) {
		svc, db, _ := newTestService(t, fullRemote())

		key := make([]byte, 32)
		keystore, err := credentials.NewKeystoreWithKey(key)
		require.NoError(t, err)
		tokenEnc, err := keystore.Encrypt("other")
		require.NoError(t, err)
		require.NoError(t, db.Create(&models.Server{
			Label: "regional", URL: "https://regional.example.org", TokenEnc: tokenEnc,
		}).Error)

		summaries, err := svc.RunAll(context.Background())
		require.NoError(t, err)
		assert.Len(t, summaries, 2)
		for _, summary := range summaries {
			assert.Equal(t, StatusDone, summary.Status)
		}
	})
}

func TestValidate(t *testing.T) {
	t.Run("Should mark the server validated after a successful check", func(t *testing.T) {
		svc, db, server := newTestService(t, fullRemote())

		user, err := svc.Validate(context.Background(), server.ID)
		require.NoError(t, err)
		assert.Equal(t, "reporter", user.Username)

		var updated models.Server
		require.NoError(t, db.First(&updated, "id = ?", server.ID).Error)
		assert.True(t, updated.Validated)
	})
}
