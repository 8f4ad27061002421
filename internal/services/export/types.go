package export

import (
	"fmt"
	"time"
)

// Run phases, in order. A run never moves backwards.
const (
	PhaseCollecting  = "collecting"
	PhaseEvaluating  = "evaluating"
	PhaseBatching    = "batching"
	PhaseSubmitting  = "submitting"
	PhaseReconciling = "reconciling"
)

// Final statuses
const (
	StatusRunning         = "running"
	StatusDone            = "done"
	StatusPartiallyFailed = "partially_failed"
)

// Request describes one export run
type Request struct {
	ServerID string `json:"server_id"`
	Period   string `json:"period"`
	DryRun   bool   `json:"dry_run"`
}

// MappingFailure records one mapping that produced no submitted value.
// Failures are isolated; the run continues without the mapping.
type MappingFailure struct {
	MappingID    string `json:"mapping_id"`
	Name         string `json:"name"`
	Phase        string `json:"phase"`
	Reason       string `json:"reason"`
	TypeMismatch bool   `json:"type_mismatch,omitempty"`
}

// BatchOutcome records one submitted batch
type BatchOutcome struct {
	Index    int    `json:"index"`
	Size     int    `json:"size"`
	Imported int    `json:"imported"`
	Updated  int    `json:"updated"`
	Ignored  int    `json:"ignored"`
	Error    string `json:"error,omitempty"`
}

// RunSummary is the outcome of one export run, also serialized into the
// ExportResult audit row
type RunSummary struct {
	ResultID   string           `json:"result_id"`
	ServerID   string           `json:"server_id"`
	Period     string           `json:"period"`
	DryRun     bool             `json:"dry_run"`
	Status     string           `json:"status"`
	Evaluated  int              `json:"evaluated"`
	Submitted  int              `json:"submitted"`
	Failures   []MappingFailure `json:"failures,omitempty"`
	Batches    []BatchOutcome   `json:"batches,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// ReconciliationError is raised when the remote instance rejects values
// that evaluated cleanly. The conflicting targets are named so the
// operator can fix the mapping or the remote configuration.
type ReconciliationError struct {
	Period    string
	Conflicts []string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("remote rejected %d values for period %s", len(e.Conflicts), e.Period)
}
