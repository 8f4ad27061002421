package api

import "encoding/json"

// MetadataKind identifies a DHIS2 metadata collection
type MetadataKind string

const (
	KindOrganisationUnits    MetadataKind = "organisationUnits"
	KindCategoryCombos       MetadataKind = "categoryCombos"
	KindCategoryOptionCombos MetadataKind = "categoryOptionCombos"
	KindDataSets             MetadataKind = "dataSets"
	KindDataElements         MetadataKind = "dataElements"
)

// SyncOrder lists metadata kinds in referential dependency order:
// data elements reference category combos and data sets, data sets
// reference category combos, option combos reference combos.
var SyncOrder = []MetadataKind{
	KindOrganisationUnits,
	KindCategoryCombos,
	KindCategoryOptionCombos,
	KindDataSets,
	KindDataElements,
}

// fetchFields maps each kind to the field selection requested from DHIS2
var fetchFields = map[MetadataKind]string{
	KindOrganisationUnits:    "id,displayName,level,parent[id]",
	KindCategoryCombos:       "id,displayName,dataDimensionType",
	KindCategoryOptionCombos: "id,displayName,categoryCombo[id]",
	KindDataSets:             "id,displayName,periodType,categoryCombo[id],dataSetElements[dataElement[id]]",
	KindDataElements:         "id,displayName,valueType,aggregationType,domainType,categoryCombo[id]",
}

// Pager is the paging envelope DHIS2 returns on collection endpoints
type Pager struct {
	Page      int `json:"page"`
	PageCount int `json:"pageCount"`
	Total     int `json:"total"`
	PageSize  int `json:"pageSize"`
}

// MetadataPage is one page of a metadata collection. Items are left as raw
// JSON; the sync service decodes them per kind.
type MetadataPage struct {
	Items   []json.RawMessage
	HasMore bool
}

// UserInfo is the subset of /api/me used to validate credentials
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"displayName"`
}

// DataValue is a single reportable value in DHIS2 wire format
type DataValue struct {
	DataElement          string `json:"dataElement"`
	Period               string `json:"period"`
	OrgUnit              string `json:"orgUnit"`
	CategoryOptionCombo  string `json:"categoryOptionCombo"`
	AttributeOptionCombo string `json:"attributeOptionCombo,omitempty"`
	Value                string `json:"value"`
}

// DataValueSetPayload is the bulk submission payload for /api/dataValueSets.
// Each value carries its own period and org unit.
type DataValueSetPayload struct {
	DataValues []DataValue `json:"dataValues"`
}

// ImportCount tracks imported/updated/ignored/deleted counts
type ImportCount struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Ignored  int `json:"ignored"`
	Deleted  int `json:"deleted"`
}

// ImportConflict describes a single value the server rejected
type ImportConflict struct {
	Object    string `json:"object"`
	Value     string `json:"value"`
	ErrorCode string `json:"errorCode"`
}

// ImportSummary is the per-submission result reported by DHIS2
type ImportSummary struct {
	Status      string           `json:"status"` // SUCCESS, WARNING, ERROR
	Description string           `json:"description,omitempty"`
	ImportCount ImportCount      `json:"importCount"`
	Conflicts   []ImportConflict `json:"conflicts,omitempty"`
}

// importSummaryEnvelope unwraps the 409 response shape where the summary
// is nested under "response"
type importSummaryEnvelope struct {
	Response *ImportSummary `json:"response"`
	ImportSummary
}
