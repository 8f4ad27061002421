package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"dhis2bridge/internal/clinical"
	"dhis2bridge/internal/config"
	"dhis2bridge/internal/credentials"
	"dhis2bridge/internal/database"
	"dhis2bridge/internal/logging"
	"dhis2bridge/internal/metrics"
	"dhis2bridge/internal/services/export"
	"dhis2bridge/internal/services/mapping"
	"dhis2bridge/internal/services/sync"
)

// app bundles the wired services for command handlers
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	db       *gorm.DB
	source   clinical.Source
	keystore *credentials.Keystore
	metrics  *metrics.Metrics
	sync     *sync.Service
	export   *export.Service
	mapping  *mapping.Service
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogPretty)

	opts := database.DefaultOptions()
	opts.Debug = cfg.DatabaseDebug
	db, err := database.Open(cfg.DatabaseURL, opts)
	if err != nil {
		return nil, err
	}

	clinicalDB := db
	if cfg.ClinicalDatabaseURL != cfg.DatabaseURL {
		clinicalDB, err = database.OpenRaw(cfg.ClinicalDatabaseURL, database.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to open clinical database: %w", err)
		}
	}
	source := clinical.NewGormSource(clinicalDB)

	keystore, err := credentials.NewKeystore()
	if err != nil {
		return nil, err
	}

	m := metrics.NewDefault()

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		source:   source,
		keystore: keystore,
		metrics:  m,
		sync:     sync.NewService(db, keystore, m, logger, cfg.RemoteTimeout),
		export:   export.NewService(db, source, keystore, m, logger, cfg.RemoteTimeout, cfg.ExportBatchSize, cfg.ExportWorkerCount),
		mapping:  mapping.NewService(db, logger),
	}, nil
}

func (a *app) close() {
	if err := database.Close(a.db); err != nil {
		a.logger.Error().Err(err).Msg("failed to close database")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dhis2bridge",
		Short:         "Bridge clinical records to DHIS2 aggregate reporting",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServerCmd(),
		newSyncCmd(),
		newExportCmd(),
		newMappingsCmd(),
		newServeCmd(),
	)
	return root
}
