// Package scheduler drives periodic sync and export runs from cron
// expressions in the configuration.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"dhis2bridge/internal/period"
	"dhis2bridge/internal/services/export"
	"dhis2bridge/internal/services/sync"
)

// Service wraps a cron runner around the sync and export services
type Service struct {
	cron   *cron.Cron
	sync   *sync.Service
	export *export.Service
	logger zerolog.Logger
}

// NewService creates a new scheduler
func NewService(syncSvc *sync.Service, exportSvc *export.Service, logger zerolog.Logger) *Service {
	return &Service{
		cron:   cron.New(),
		sync:   syncSvc,
		export: exportSvc,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// ScheduleSync registers a recurring sync of all servers
func (s *Service) ScheduleSync(spec string) error {
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		s.logger.Info().Msg("scheduled sync starting")
		summaries, err := s.sync.RunAll(context.Background())
		if err != nil {
			s.logger.Error().Err(err).Msg("scheduled sync failed")
			return
		}
		s.logger.Info().Int("servers", len(summaries)).Msg("scheduled sync finished")
	})
	if err != nil {
		return fmt.Errorf("invalid sync cron expression %q: %w", spec, err)
	}
	return nil
}

// ScheduleExport registers a recurring export of the previous period. The
// period type decides which period "previous" means: for Monthly the month
// before the run, and so on.
func (s *Service) ScheduleExport(spec string, periodType period.Type) error {
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		identifier := previousPeriod(periodType)
		s.logger.Info().Str("period", identifier).Msg("scheduled export starting")
		summaries, err := s.export.RunAll(context.Background(), identifier, false)
		if err != nil {
			s.logger.Error().Err(err).Msg("scheduled export failed")
			return
		}
		s.logger.Info().Int("servers", len(summaries)).Str("period", identifier).Msg("scheduled export finished")
	})
	if err != nil {
		return fmt.Errorf("invalid export cron expression %q: %w", spec, err)
	}
	return nil
}

// Start begins executing registered schedules
func (s *Service) Start() {
	s.cron.Start()
}

// Stop halts the runner and waits for in-flight jobs
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// previousPeriod returns the identifier of the fully elapsed period
// immediately before now. Scheduled exports always report on closed
// periods; the current period is still accumulating data.
func previousPeriod(t period.Type) string {
	now := timeNow().UTC()
	identifier := t.Format(now)
	start, _, err := t.Bounds(identifier)
	if err != nil {
		return identifier
	}
	return t.Format(start.AddDate(0, 0, -1))
}

// timeNow is swapped in tests
var timeNow = time.Now
