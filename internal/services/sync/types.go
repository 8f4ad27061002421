package sync

import (
	"time"
)

// Wire shapes for decoded metadata items. Only the fields the mirror keeps.

type uidRef struct {
	ID string `json:"id"`
}

type orgUnitItem struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	Level       int     `json:"level"`
	Parent      *uidRef `json:"parent"`
}

type categoryComboItem struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	DataDimensionType string `json:"dataDimensionType"`
}

type categoryOptionComboItem struct {
	ID            string  `json:"id"`
	DisplayName   string  `json:"displayName"`
	CategoryCombo *uidRef `json:"categoryCombo"`
}

type dataSetItem struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"displayName"`
	PeriodType      string  `json:"periodType"`
	CategoryCombo   *uidRef `json:"categoryCombo"`
	DataSetElements []struct {
		DataElement uidRef `json:"dataElement"`
	} `json:"dataSetElements"`
}

type dataElementItem struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"displayName"`
	ValueType       string  `json:"valueType"`
	AggregationType string  `json:"aggregationType"`
	DomainType      string  `json:"domainType"`
	CategoryCombo   *uidRef `json:"categoryCombo"`
}

// KindOutcome summarizes one metadata kind within a run. Orphaned counts
// org units whose parent was not part of the fetch; they are mirrored
// anyway so reporting against them keeps working.
type KindOutcome struct {
	Fetched     int    `json:"fetched"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Unchanged   int    `json:"unchanged"`
	MarkedStale int    `json:"marked_stale"`
	Orphaned    int    `json:"orphaned,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RunSummary is the outcome of one sync run. It is also serialized into
// the SyncResult audit row.
type RunSummary struct {
	ResultID      string                 `json:"result_id"`
	ServerID      string                 `json:"server_id"`
	Status        string                 `json:"status"`
	Kinds         map[string]KindOutcome `json:"kinds"`
	StaleMappings int                    `json:"stale_mappings"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at"`
}

const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)
