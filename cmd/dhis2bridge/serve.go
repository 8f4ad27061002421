package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dhis2bridge/internal/models"
	"dhis2bridge/internal/period"
	"dhis2bridge/internal/scheduler"
	"dhis2bridge/internal/server"
)

func newServeCmd() *cobra.Command {
	var exportPeriodType string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the trigger API and the configured schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			sched := scheduler.NewService(a.sync, a.export, a.logger)
			if err := sched.ScheduleSync(a.cfg.SyncCron); err != nil {
				return err
			}
			if a.cfg.ExportCron != "" {
				periodType, err := period.ParseType(exportPeriodType)
				if err != nil {
					return err
				}
				if err := sched.ScheduleExport(a.cfg.ExportCron, periodType); err != nil {
					return err
				}
			}
			sched.Start()
			defer sched.Stop()

			httpServer := server.New(a.sync, a.export, a.mapping, a.logger, a.cfg.HTTPPort, a.cfg.HTTPTimeout)

			errCh := make(chan error, 1)
			go func() {
				errCh <- httpServer.Start()
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				a.logger.Info().Str("signal", sig.String()).Msg("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&exportPeriodType, "export-period-type", "Monthly", "period type for scheduled exports")
	return cmd
}

// resolveServerID accepts a server id or label and returns the id
func resolveServerID(a *app, idOrLabel string) (string, error) {
	var s models.Server
	if err := a.db.First(&s, "id = ? OR label = ?", idOrLabel, idOrLabel).Error; err != nil {
		return "", fmt.Errorf("server %s not found: %w", idOrLabel, err)
	}
	return s.ID, nil
}
