package main

import (
	"fmt"

	"github.com/spf13/cobra"

	syncsvc "dhis2bridge/internal/services/sync"
)

func newSyncCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sync [server]",
		Short: "Refresh the metadata mirror from DHIS2",
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
				summaries, err := a.sync.RunAll(cmd.Context())
				if err != nil {
					return err
				}
				for _, summary := range summaries {
					printSyncSummary(summary)
				}
				return nil
			}

			summary, err := a.sync.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSyncSummary(summary)
			if summary.Status != syncsvc.StatusDone {
				return fmt.Errorf("sync finished with status %s", summary.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "sync every registered server")
	return cmd
}

func printSyncSummary(summary *syncsvc.RunSummary) {
	fmt.Printf("Sync %s for server %s (%s)\n", summary.Status, summary.ServerID,
		summary.FinishedAt.Sub(summary.StartedAt).Round(1e6))
	for kind, outcome := range summary.Kinds {
		if outcome.Error != "" {
			fmt.Printf("  %-22s FAILED: %s\n", kind, outcome.Error)
			continue
		}
		fmt.Printf("  %-22s fetched %d, created %d, updated %d, unchanged %d, stale %d\n",
			kind, outcome.Fetched, outcome.Created, outcome.Updated, outcome.Unchanged, outcome.MarkedStale)
	}
	if summary.StaleMappings > 0 {
		fmt.Printf("  %d mapping(s) reference metadata no longer on the server\n", summary.StaleMappings)
	}
}
