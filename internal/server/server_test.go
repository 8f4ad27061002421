package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dhis2bridge/internal/database"
	"dhis2bridge/internal/logging"
	"dhis2bridge/internal/models"
	"dhis2bridge/internal/services/mapping"
)

func newTestServer(t *testing.T) (*Server, *models.Server) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	remote := &models.Server{Label: "national", URL: "https://dhis2.example.org", TokenEnc: "enc"}
	require.NoError(t, db.Create(remote).Error)
	require.NoError(t, db.Create(&models.DataElement{ServerID: remote.ID, UID: "de1", Name: "Cholera cases"}).Error)
	require.NoError(t, db.Create(&models.CategoryOptionCombo{ServerID: remote.ID, UID: "coc1", Name: "default"}).Error)
	require.NoError(t, db.Create(&models.OrgUnit{ServerID: remote.ID, UID: "ou1", Name: "Clinic A"}).Error)

	mappingSvc := mapping.NewService(db, logging.Nop())
	return New(nil, nil, mappingSvc, logging.Nop(), 0, time.Second), remote
}

func TestHealth(t *testing.T) {
	t.Run("Should report ok", func(t *testing.T) {
		s, _ := newTestServer(t)
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ok")
	})
}

func TestMetrics(t *testing.T) {
	t.Run("Should expose the Prometheus endpoint", func(t *testing.T) {
		s, _ := newTestServer(t)
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMappingEndpoints(t *testing.T) {
	body := `{
		"name": "cholera cases",
		"data_element_uid": "de1",
		"category_option_combo_uid": "coc1",
		"org_unit_uid": "ou1",
		"preset_kind": "disease",
		"preset_params": "{\"disease_code\":\"A00\"}"
	}`

	t.Run("Should create and list mappings", func(t *testing.T) {
		s, remote := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/servers/"+remote.ID+"/mappings", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		req = httptest.NewRequest(http.MethodGet, "/api/servers/"+remote.ID+"/mappings", nil)
		rec = httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "cholera cases")
	})

	t.Run("Should reject an invalid preset", func(t *testing.T) {
		s, remote := newTestServer(t)

		bad := strings.Replace(body, "disease", "raw_query", 1)
		req := httptest.NewRequest(http.MethodPost, "/api/servers/"+remote.ID+"/mappings", strings.NewReader(bad))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should roundtrip the portable format over HTTP", func(t *testing.T) {
		s, remote := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/servers/"+remote.ID+"/mappings", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)

		req = httptest.NewRequest(http.MethodGet, "/api/servers/"+remote.ID+"/mappings/portable", nil)
		rec = httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		exported := rec.Body.String()
		assert.Contains(t, exported, `"version"`)

		req = httptest.NewRequest(http.MethodPost, "/api/servers/"+remote.ID+"/mappings/portable", strings.NewReader(exported))
		req.Header.Set("Content-Type", "application/json")
		rec = httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"updated":1`)
	})

	t.Run("Should return 404 when deleting an unknown mapping", func(t *testing.T) {
		s, _ := newTestServer(t)
		req := httptest.NewRequest(http.MethodDelete, "/api/mappings/nonexistent", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTriggerExportValidation(t *testing.T) {
	t.Run("Should require a period", func(t *testing.T) {
		s, remote := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/api/servers/"+remote.ID+"/export", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
