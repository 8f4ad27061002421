package main

import (
	"fmt"

	"github.com/spf13/cobra"

	exportsvc "dhis2bridge/internal/services/export"
)

func newExportCmd() *cobra.Command {
	var periodID string
	var dryRun, all bool

	cmd := &cobra.Command{
		Use:   "export [server]",
		Short: "Evaluate mappings and submit data values for a reporting period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) != 1 {
				return fmt.Errorf("specify a server id or label, or --all")
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if all {
				summaries, err := a.export.RunAll(cmd.Context(), periodID, dryRun)
				if err != nil {
					return err
				}
				for _, summary := range summaries {
					printExportSummary(summary)
				}
				return nil
			}

			summary, err := a.export.Run(cmd.Context(), exportsvc.Request{
				ServerID: args[0],
				Period:   periodID,
				DryRun:   dryRun,
			})
			if err != nil {
				return err
			}
			printExportSummary(summary)
			if summary.Status != exportsvc.StatusDone {
				return fmt.Errorf("export finished with status %s", summary.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&periodID, "period", "", "reporting period, e.g. 202401, 2024Q1 or 2024W03")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "submit with dryRun=true, the remote validates but stores nothing")
	cmd.Flags().BoolVar(&all, "all", false, "export every registered server")
	cmd.MarkFlagRequired("period")
	return cmd
}

func printExportSummary(summary *exportsvc.RunSummary) {
	mode := ""
	if summary.DryRun {
		mode = " (dry run)"
	}
	fmt.Printf("Export %s for server %s, period %s%s\n", summary.Status, summary.ServerID, summary.Period, mode)
	fmt.Printf("  evaluated %d value(s), submitted %d\n", summary.Evaluated, summary.Submitted)
	for _, batch := range summary.Batches {
		if batch.Error != "" {
			fmt.Printf("  batch %d (%d values) FAILED: %s\n", batch.Index, batch.Size, batch.Error)
			continue
		}
		fmt.Printf("  batch %d: imported %d, updated %d, ignored %d\n",
			batch.Index, batch.Imported, batch.Updated, batch.Ignored)
	}
	for _, failure := range summary.Failures {
		name := failure.Name
		if name == "" {
			name = failure.MappingID
		}
		fmt.Printf("  %s [%s]: %s\n", name, failure.Phase, failure.Reason)
	}
}
