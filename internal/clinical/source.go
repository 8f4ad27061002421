// Package clinical exposes the read-only query surface the evaluation
// engine uses against the host's clinical records. The host owns the
// schema; this package only reads it.
package clinical

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/gorm"
)

// Row is one row of a raw preset query result
type Row map[string]interface{}

// Source is the local clinical-record query interface consumed by preset
// evaluation. All methods are read-only and side-effect-free so an
// evaluation can be safely re-run for the same period.
type Source interface {
	// CountDiagnoses counts diagnoses of the given disease code recorded
	// within [start, end), scoped to an org unit. An empty orgUnitUID
	// counts across all units.
	CountDiagnoses(ctx context.Context, diseaseCode, orgUnitUID string, start, end time.Time) (int64, error)

	// CountProcedures counts performed procedures of the given code within
	// [start, end), scoped to an org unit.
	CountProcedures(ctx context.Context, procedureCode, orgUnitUID string, start, end time.Time) (int64, error)

	// Query executes an operator-supplied read-only query with the period
	// bounds bound to the @period_start and @period_end named parameters.
	Query(ctx context.Context, query string, start, end time.Time) ([]Row, error)
}

// GormSource implements Source on top of the host database handle
type GormSource struct {
	db *gorm.DB
}

// NewGormSource creates a clinical source backed by the given database
func NewGormSource(db *gorm.DB) *GormSource {
	return &GormSource{db: db}
}

// CountDiagnoses counts matching rows in the host's diagnosis table
func (s *GormSource) CountDiagnoses(ctx context.Context, diseaseCode, orgUnitUID string, start, end time.Time) (int64, error) {
	query := s.db.WithContext(ctx).
		Table("patient_diagnoses").
		Where("disease_code = ?", diseaseCode).
		Where("diagnosed_at >= ? AND diagnosed_at < ?", start, end)
	if orgUnitUID != "" {
		query = query.Where("org_unit_uid = ?", orgUnitUID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountProcedures counts matching rows in the host's procedure table
func (s *GormSource) CountProcedures(ctx context.Context, procedureCode, orgUnitUID string, start, end time.Time) (int64, error) {
	query := s.db.WithContext(ctx).
		Table("operation_procedures").
		Where("procedure_code = ?", procedureCode).
		Where("performed_at >= ? AND performed_at < ?", start, end)
	if orgUnitUID != "" {
		query = query.Where("org_unit_uid = ?", orgUnitUID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Query runs a raw read-only query with the period bounds bound as named
// parameters. Callers must validate the query before it gets here.
func (s *GormSource) Query(ctx context.Context, query string, start, end time.Time) ([]Row, error) {
	var rows []map[string]interface{}
	err := s.db.WithContext(ctx).
		Raw(query, sql.Named("period_start", start), sql.Named("period_end", end)).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make([]Row, len(rows))
	for i, r := range rows {
		result[i] = Row(r)
	}
	return result, nil
}
