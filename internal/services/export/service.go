package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"dhis2bridge/internal/api"
	"dhis2bridge/internal/clinical"
	"dhis2bridge/internal/credentials"
	"dhis2bridge/internal/metrics"
	"dhis2bridge/internal/models"
	"dhis2bridge/internal/period"
	"dhis2bridge/internal/preset"
	"dhis2bridge/pkg/workerpool"
)

// submitClient is the slice of the API client the engine needs
type submitClient interface {
	PostDataValueSet(ctx context.Context, payload api.DataValueSetPayload, dryRun bool) (*api.ImportSummary, error)
}

// ClientFactory builds a submit client for a server descriptor
type ClientFactory func(baseURL string, creds api.Credentials, timeout time.Duration) submitClient

// Service is the export engine. One run evaluates the active mappings of a
// server for a reporting period, batches the resulting values and submits
// them. Failures are isolated at three levels: per mapping during
// evaluation, per batch during submission and per value during
// reconciliation. A run only ever finishes as done or partially_failed.
type Service struct {
	db          *gorm.DB
	source      clinical.Source
	keystore    *credentials.Keystore
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	timeout     time.Duration
	batchSize   int
	workerCount int
	newClient   ClientFactory
}

// NewService creates a new export service
func NewService(db *gorm.DB, source clinical.Source, keystore *credentials.Keystore, m *metrics.Metrics, logger zerolog.Logger, timeout time.Duration, batchSize, workerCount int) *Service {
	if batchSize < 1 {
		batchSize = 500
	}
	if workerCount < 1 {
		workerCount = 8
	}
	return &Service{
		db:          db,
		source:      source,
		keystore:    keystore,
		metrics:     m,
		logger:      logger.With().Str("component", "export").Logger(),
		timeout:     timeout,
		batchSize:   batchSize,
		workerCount: workerCount,
		newClient: func(baseURL string, creds api.Credentials, timeout time.Duration) submitClient {
			return api.NewClient(baseURL, creds, timeout)
		},
	}
}

// SetClientFactory overrides remote client construction (for tests)
func (s *Service) SetClientFactory(factory ClientFactory) {
	s.newClient = factory
}

// evaluated pairs a mapping with its computed wire value
type evaluated struct {
	mapping models.DataMapping
	value   api.DataValue
}

// Run executes one export. The mapping set is snapshotted at the start;
// registry changes made while the run is in flight do not affect it.
func (s *Service) Run(ctx context.Context, req Request) (*RunSummary, error) {
	server, err := s.getServer(req.ServerID)
	if err != nil {
		return nil, err
	}

	periodType, err := period.Infer(req.Period)
	if err != nil {
		return nil, err
	}
	periodStart, periodEnd, err := periodType.Bounds(req.Period)
	if err != nil {
		return nil, err
	}

	client, err := s.clientFor(server)
	if err != nil {
		return nil, err
	}

	result := &models.ExportResult{
		ServerID:  server.ID,
		Period:    req.Period,
		Status:    StatusRunning,
		DryRun:    req.DryRun,
		StartedAt: time.Now().UTC(),
	}
	if err := s.db.Create(result).Error; err != nil {
		return nil, fmt.Errorf("failed to record export run: %w", err)
	}

	summary := &RunSummary{
		ResultID:  result.ID,
		ServerID:  server.ID,
		Period:    req.Period,
		DryRun:    req.DryRun,
		Status:    StatusDone,
		StartedAt: result.StartedAt,
	}

	// Collecting: snapshot the active mappings. Mappings flagged with a
	// stale reference are excluded up front since the remote would reject
	// their values anyway.
	mappings, failures, err := s.collect(server.ID)
	if err != nil {
		s.finalize(result, summary, StatusPartiallyFailed, err.Error())
		return summary, err
	}
	summary.Failures = append(summary.Failures, failures...)

	mappings, periodFailures := s.checkPeriodTypes(server.ID, mappings, periodType)
	summary.Failures = append(summary.Failures, periodFailures...)

	// Evaluating: fan mappings out to the worker pool
	values, evalFailures := s.evaluate(ctx, mappings, periodStart, periodEnd, req.Period)
	summary.Failures = append(summary.Failures, evalFailures...)
	summary.Evaluated = len(values)

	// Batching: dedupe on the remote uniqueness key, then chunk
	values, dupFailures := dedupe(values)
	summary.Failures = append(summary.Failures, dupFailures...)
	batches := chunk(values, s.batchSize)

	// Submitting and reconciling, batch by batch
	for i, batch := range batches {
		if ctx.Err() != nil {
			for j := i; j < len(batches); j++ {
				summary.Batches = append(summary.Batches, BatchOutcome{
					Index: j,
					Size:  len(batches[j]),
					Error: "run cancelled before submission",
				})
			}
			break
		}
		outcome := s.submitBatch(ctx, client, batch, i, req.DryRun, req.Period, summary)
		summary.Batches = append(summary.Batches, outcome)
		if outcome.Error != "" && ctx.Err() != nil {
			// Deadline or cancellation: record the remaining batches as
			// unsubmitted and stop
			for j := i + 1; j < len(batches); j++ {
				summary.Batches = append(summary.Batches, BatchOutcome{
					Index: j,
					Size:  len(batches[j]),
					Error: "run cancelled before submission",
				})
			}
			break
		}
	}

	status := StatusDone
	if len(summary.Failures) > 0 {
		status = StatusPartiallyFailed
	}
	for _, b := range summary.Batches {
		if b.Error != "" {
			status = StatusPartiallyFailed
		}
	}

	s.finalize(result, summary, status, "")
	s.metrics.ExportRuns.WithLabelValues(status).Inc()
	return summary, nil
}

// RunAll exports one period for every stored server
func (s *Service) RunAll(ctx context.Context, periodID string, dryRun bool) ([]*RunSummary, error) {
	var servers []models.Server
	if err := s.db.Order("label asc").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	summaries := make([]*RunSummary, 0, len(servers))
	for i := range servers {
		summary, err := s.Run(ctx, Request{ServerID: servers[i].ID, Period: periodID, DryRun: dryRun})
		if err != nil {
			s.logger.Error().Err(err).Str("server_id", servers[i].ID).Msg("export run failed to start")
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Service) getServer(serverID string) (*models.Server, error) {
	var server models.Server
	if err := s.db.First(&server, "id = ? OR label = ?", serverID, serverID).Error; err != nil {
		return nil, fmt.Errorf("server %s not found: %w", serverID, err)
	}
	return &server, nil
}

func (s *Service) clientFor(server *models.Server) (submitClient, error) {
	token, err := s.keystore.Decrypt(server.TokenEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials for %s: %w", server.Label, err)
	}
	return s.newClient(server.URL, api.Credentials{Token: token, Username: server.Username}, s.timeout), nil
}

func (s *Service) collect(serverID string) ([]models.DataMapping, []MappingFailure, error) {
	var mappings []models.DataMapping
	if err := s.db.Order("name asc").
		Find(&mappings, "server_id = ? AND active = ?", serverID, true).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to collect mappings: %w", err)
	}

	usable := mappings[:0]
	var failures []MappingFailure
	for _, m := range mappings {
		if m.StaleReference {
			failures = append(failures, MappingFailure{
				MappingID: m.ID,
				Name:      m.Name,
				Phase:     PhaseCollecting,
				Reason:    "mapping references metadata no longer present on the remote instance",
			})
			continue
		}
		usable = append(usable, m)
	}
	return usable, failures, nil
}

// checkPeriodTypes drops mappings whose data element belongs to a data
// set with a different reporting period type than the requested period.
// Elements outside any mirrored set pass through unchecked.
func (s *Service) checkPeriodTypes(serverID string, mappings []models.DataMapping, requested period.Type) ([]models.DataMapping, []MappingFailure) {
	if len(mappings) == 0 {
		return mappings, nil
	}

	uids := make([]string, 0, len(mappings))
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if !seen[m.DataElementUID] {
			seen[m.DataElementUID] = true
			uids = append(uids, m.DataElementUID)
		}
	}

	var elements []models.DataElement
	if err := s.db.Where("server_id = ? AND uid IN ?", serverID, uids).Find(&elements).Error; err != nil {
		s.logger.Error().Err(err).Msg("failed to load data elements for the period type check")
		return mappings, nil
	}
	setByElement := make(map[string]string, len(elements))
	var setUIDs []string
	for _, e := range elements {
		if e.DataSetUID != "" {
			setByElement[e.UID] = e.DataSetUID
			setUIDs = append(setUIDs, e.DataSetUID)
		}
	}
	if len(setUIDs) == 0 {
		return mappings, nil
	}

	var sets []models.DataSet
	if err := s.db.Where("server_id = ? AND uid IN ?", serverID, setUIDs).Find(&sets).Error; err != nil {
		s.logger.Error().Err(err).Msg("failed to load data sets for the period type check")
		return mappings, nil
	}
	declaredTypes := make(map[string]period.Type, len(sets))
	for _, ds := range sets {
		if pt, err := period.ParseType(ds.PeriodType); err == nil {
			declaredTypes[ds.UID] = pt
		}
	}

	usable := mappings[:0]
	var failures []MappingFailure
	for _, m := range mappings {
		declared, ok := declaredTypes[setByElement[m.DataElementUID]]
		if ok && declared != requested {
			failures = append(failures, MappingFailure{
				MappingID: m.ID,
				Name:      m.Name,
				Phase:     PhaseCollecting,
				Reason:    fmt.Sprintf("data element %s reports %s periods, not %s", m.DataElementUID, declared, requested),
			})
			continue
		}
		usable = append(usable, m)
	}
	return usable, failures
}

// evaluate runs every mapping's preset concurrently and returns the values
// in mapping order. Each failure is isolated to its mapping.
func (s *Service) evaluate(ctx context.Context, mappings []models.DataMapping, start, end time.Time, periodID string) ([]evaluated, []MappingFailure) {
	if len(mappings) == 0 {
		return nil, nil
	}

	valueTypes := s.elementValueTypes(mappings[0].ServerID, mappings)

	// Workers evaluate under the run context so in-flight clinical
	// queries see the run's deadline, not the pool's lifetime.
	pool, err := workerpool.New(workerpool.Config{
		Workers:   s.workerCount,
		QueueSize: len(mappings),
	}, func(_ context.Context, task *workerpool.Task) *workerpool.Result {
		m := task.Payload.(models.DataMapping)
		value, evalErr := s.evaluateOne(ctx, m, valueTypes[m.DataElementUID], start, end, periodID)
		return &workerpool.Result{TaskID: task.ID, Err: evalErr, Data: value}
	}, s.logger)
	if err != nil {
		failures := make([]MappingFailure, 0, len(mappings))
		for _, m := range mappings {
			failures = append(failures, MappingFailure{
				MappingID: m.ID, Name: m.Name, Phase: PhaseEvaluating, Reason: err.Error(),
			})
		}
		return nil, failures
	}
	pool.Start()

	// A cancelled run context can fail individual submissions, so only as
	// many results as successfully queued tasks may be received. Receiving
	// per mapping here would block forever on the shortfall.
	submitErrs := make(map[string]error, len(mappings))
	submitted := 0
	for _, m := range mappings {
		if submitErr := pool.Submit(ctx, &workerpool.Task{ID: m.ID, Payload: m}); submitErr != nil {
			submitErrs[m.ID] = submitErr
			continue
		}
		submitted++
	}

	resultByID := make(map[string]*workerpool.Result, submitted)
	for i := 0; i < submitted; i++ {
		result, ok := <-pool.Results()
		if !ok {
			break
		}
		resultByID[result.TaskID] = result
	}
	pool.Stop()

	var values []evaluated
	var failures []MappingFailure
	for _, m := range mappings {
		if submitErr, dropped := submitErrs[m.ID]; dropped {
			failures = append(failures, MappingFailure{
				MappingID: m.ID, Name: m.Name, Phase: PhaseEvaluating,
				Reason: fmt.Sprintf("not evaluated: %v", submitErr),
			})
			continue
		}
		result, ok := resultByID[m.ID]
		if !ok {
			failures = append(failures, MappingFailure{
				MappingID: m.ID, Name: m.Name, Phase: PhaseEvaluating,
				Reason: "evaluation did not complete",
			})
			continue
		}
		if result.Err != nil {
			s.metrics.EvaluationFails.Inc()
			failure := MappingFailure{
				MappingID: m.ID, Name: m.Name, Phase: PhaseEvaluating, Reason: result.Err.Error(),
			}
			var evalErr *preset.EvaluationError
			if errors.As(result.Err, &evalErr) {
				failure.TypeMismatch = evalErr.TypeMismatch
			}
			failures = append(failures, failure)
			continue
		}
		values = append(values, evaluated{mapping: m, value: result.Data.(api.DataValue)})
	}
	return values, failures
}

// evaluateOne decodes and runs one mapping's preset and renders the wire
// value, enforcing the data element's declared value type
func (s *Service) evaluateOne(ctx context.Context, m models.DataMapping, valueType string, start, end time.Time, periodID string) (api.DataValue, error) {
	p, err := preset.Decode(m.PresetKind, []byte(m.PresetParams))
	if err != nil {
		return api.DataValue{}, &preset.EvaluationError{MappingID: m.ID, Reason: "invalid preset configuration", Err: err}
	}

	value, err := p.Evaluate(ctx, s.source, preset.Scope{
		OrgUnitUID:  m.OrgUnitUID,
		PeriodStart: start,
		PeriodEnd:   end,
	})
	if err != nil {
		return api.DataValue{}, &preset.EvaluationError{MappingID: m.ID, Reason: "preset evaluation failed", Err: err}
	}

	if valueType != "" && !value.CompatibleWith(valueType) {
		return api.DataValue{}, &preset.EvaluationError{
			MappingID:    m.ID,
			Reason:       fmt.Sprintf("computed %s value is incompatible with declared value type %s", value.Kind, valueType),
			TypeMismatch: true,
		}
	}

	return api.DataValue{
		DataElement:          m.DataElementUID,
		Period:               periodID,
		OrgUnit:              m.OrgUnitUID,
		CategoryOptionCombo:  m.CategoryOptionComboUID,
		AttributeOptionCombo: m.AttributeOptionComboUID,
		Value:                value.String(),
	}, nil
}

// elementValueTypes loads the declared value types for the data elements
// the mappings target
func (s *Service) elementValueTypes(serverID string, mappings []models.DataMapping) map[string]string {
	uids := make([]string, 0, len(mappings))
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if !seen[m.DataElementUID] {
			seen[m.DataElementUID] = true
			uids = append(uids, m.DataElementUID)
		}
	}

	var elements []models.DataElement
	if err := s.db.Where("server_id = ? AND uid IN ?", serverID, uids).Find(&elements).Error; err != nil {
		s.logger.Error().Err(err).Msg("failed to load data element value types")
		return map[string]string{}
	}

	types := make(map[string]string, len(elements))
	for _, e := range elements {
		types[e.UID] = e.ValueType
	}
	return types
}

// dedupe drops values that collide on the remote uniqueness key. The first
// mapping wins; later collisions are recorded as failures because two
// mappings writing the same target is a configuration error.
func dedupe(values []evaluated) ([]evaluated, []MappingFailure) {
	seen := make(map[string]string, len(values))
	kept := values[:0]
	var failures []MappingFailure
	for _, v := range values {
		key := fmt.Sprintf("%s|%s|%s|%s|%s",
			v.value.DataElement, v.value.CategoryOptionCombo, v.value.AttributeOptionCombo,
			v.value.OrgUnit, v.value.Period)
		if winner, dup := seen[key]; dup {
			failures = append(failures, MappingFailure{
				MappingID: v.mapping.ID,
				Name:      v.mapping.Name,
				Phase:     PhaseBatching,
				Reason:    fmt.Sprintf("targets the same data value as mapping %s", winner),
			})
			continue
		}
		seen[key] = v.mapping.ID
		kept = append(kept, v)
	}
	return kept, failures
}

func chunk(values []evaluated, size int) [][]evaluated {
	var batches [][]evaluated
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		batches = append(batches, values[start:end])
	}
	return batches
}

// submitBatch posts one batch and reconciles the import summary. Remote
// rejections of individual values become reconciliation failures on the
// mappings that produced them.
func (s *Service) submitBatch(ctx context.Context, client submitClient, batch []evaluated, index int, dryRun bool, periodID string, summary *RunSummary) BatchOutcome {
	outcome := BatchOutcome{Index: index, Size: len(batch)}

	payload := api.DataValueSetPayload{DataValues: make([]api.DataValue, 0, len(batch))}
	for _, v := range batch {
		payload.DataValues = append(payload.DataValues, v.value)
	}

	began := time.Now()
	importSummary, err := client.PostDataValueSet(ctx, payload, dryRun)
	s.metrics.BatchDuration.Observe(time.Since(began).Seconds())

	if err != nil {
		outcome.Error = err.Error()
		s.metrics.SubmittedValues.WithLabelValues("failed").Add(float64(len(batch)))
		s.logger.Error().Err(err).Int("batch", index).Int("size", len(batch)).Msg("batch submission failed")
		return outcome
	}

	outcome.Imported = importSummary.ImportCount.Imported
	outcome.Updated = importSummary.ImportCount.Updated
	outcome.Ignored = importSummary.ImportCount.Ignored
	summary.Submitted += len(batch)

	s.metrics.SubmittedValues.WithLabelValues("imported").Add(float64(outcome.Imported))
	s.metrics.SubmittedValues.WithLabelValues("updated").Add(float64(outcome.Updated))
	s.metrics.SubmittedValues.WithLabelValues("ignored").Add(float64(outcome.Ignored))

	if len(importSummary.Conflicts) > 0 {
		recErr := &ReconciliationError{Period: periodID}
		for _, conflict := range importSummary.Conflicts {
			recErr.Conflicts = append(recErr.Conflicts, conflict.Object)
			summary.Failures = append(summary.Failures, MappingFailure{
				MappingID: s.mappingForConflict(batch, conflict),
				Phase:     PhaseReconciling,
				Reason:    fmt.Sprintf("remote rejected value for %s: %s (%s)", conflict.Object, conflict.Value, conflict.ErrorCode),
			})
		}
		s.logger.Warn().Int("batch", index).Int("conflicts", len(recErr.Conflicts)).Msg(recErr.Error())
	}
	return outcome
}

// mappingForConflict best-effort matches a remote conflict back to the
// mapping that produced the rejected value
func (s *Service) mappingForConflict(batch []evaluated, conflict api.ImportConflict) string {
	for _, v := range batch {
		if v.value.DataElement == conflict.Object || v.mapping.DataElementUID == conflict.Object {
			return v.mapping.ID
		}
	}
	return ""
}

func (s *Service) finalize(result *models.ExportResult, summary *RunSummary, status, note string) {
	now := time.Now().UTC()
	summary.Status = status
	summary.FinishedAt = now
	if note != "" && status == StatusPartiallyFailed {
		summary.Failures = append(summary.Failures, MappingFailure{Phase: PhaseCollecting, Reason: note})
	}

	details, err := json.Marshal(summary)
	if err != nil {
		details = []byte("{}")
	}
	if err := s.db.Model(result).Updates(map[string]interface{}{
		"status":      status,
		"details":     string(details),
		"finished_at": now,
	}).Error; err != nil {
		s.logger.Error().Err(err).Str("result_id", result.ID).Msg("failed to finalize export result")
	}
}
