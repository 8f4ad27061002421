package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dhis2bridge/internal/period"
	"dhis2bridge/internal/preset"
	"dhis2bridge/internal/services/mapping"
)

func newMappingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Manage data mappings",
	}
	cmd.AddCommand(newMappingsListCmd(), newMappingsAddCmd(), newMappingsTestCmd(),
		newMappingsExportCmd(), newMappingsImportCmd())
	return cmd
}

func newMappingsTestCmd() *cobra.Command {
	var kind, params, periodID, orgUnit string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Evaluate a candidate preset for a sample period without saving it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := preset.Decode(kind, []byte(params))
			if err != nil {
				return err
			}
			periodType, err := period.Infer(periodID)
			if err != nil {
				return err
			}
			start, end, err := periodType.Bounds(periodID)
			if err != nil {
				return err
			}

			value, err := p.Evaluate(cmd.Context(), a.source, preset.Scope{
				OrgUnitUID:  orgUnit,
				PeriodStart: start,
				PeriodEnd:   end,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s preset for %s (%s): %s (%s)\n", kind, periodID, periodType, value.String(), value.Kind)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "preset", "", "preset kind: disease, operation_procedure or raw_query")
	cmd.Flags().StringVar(&params, "params", "", "preset parameters as JSON")
	cmd.Flags().StringVar(&periodID, "period", "", "sample reporting period, e.g. 202401")
	cmd.Flags().StringVar(&orgUnit, "org-unit", "", "org unit UID scope (optional)")
	cmd.MarkFlagRequired("preset")
	cmd.MarkFlagRequired("params")
	cmd.MarkFlagRequired("period")
	return cmd
}

func newMappingsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <server>",
		Short: "List the mappings of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			serverID, err := resolveServerID(a, args[0])
			if err != nil {
				return err
			}
			mappings, err := a.mapping.List(serverID)
			if err != nil {
				return err
			}
			for _, m := range mappings {
				state := "active"
				if !m.Active {
					state = "inactive"
				}
				if m.StaleReference {
					state += ", stale reference"
				}
				fmt.Printf("%s\t%s\t%s -> %s/%s @ %s\t(%s)\n",
					m.ID, m.Name, m.PresetKind, m.DataElementUID, m.CategoryOptionComboUID, m.OrgUnitUID, state)
			}
			return nil
		},
	}
}

func newMappingsAddCmd() *cobra.Command {
	var req mapping.CreateRequest
	var server string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a data mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			req.ServerID, err = resolveServerID(a, server)
			if err != nil {
				return err
			}
			m, err := a.mapping.Create(req)
			if err != nil {
				return err
			}
			fmt.Printf("Created mapping %s (%s)\n", m.Name, m.ID)
			if m.StaleReference {
				fmt.Println("Warning: the mapping references metadata not present in the mirror")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "server id or label")
	cmd.Flags().StringVar(&req.Name, "name", "", "mapping name")
	cmd.Flags().StringVar(&req.DataElementUID, "data-element", "", "target data element UID")
	cmd.Flags().StringVar(&req.CategoryOptionComboUID, "coc", "", "target category option combo UID")
	cmd.Flags().StringVar(&req.AttributeOptionComboUID, "aoc", "", "attribute option combo UID (optional)")
	cmd.Flags().StringVar(&req.OrgUnitUID, "org-unit", "", "org unit UID")
	cmd.Flags().StringVar(&req.PresetKind, "preset", "", "preset kind: disease, operation_procedure or raw_query")
	cmd.Flags().StringVar(&req.PresetParams, "params", "", "preset parameters as JSON")
	cmd.MarkFlagRequired("server")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("data-element")
	cmd.MarkFlagRequired("coc")
	cmd.MarkFlagRequired("org-unit")
	cmd.MarkFlagRequired("preset")
	cmd.MarkFlagRequired("params")
	return cmd
}

func newMappingsExportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export <server>",
		Short: "Write a server's mappings to a portable JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			serverID, err := resolveServerID(a, args[0])
			if err != nil {
				return err
			}
			data, err := a.mapping.ExportJSON(serverID)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				fmt.Println(string(data))
				return nil
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Printf("Wrote %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "-", "output file, - for stdout")
	return cmd
}

func newMappingsImportCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "import <server>",
		Short: "Load mappings from a portable JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			serverID, err := resolveServerID(a, args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			outcome, err := a.mapping.Import(serverID, data)
			if err != nil {
				return err
			}
			fmt.Printf("Imported: %d created, %d updated, %d skipped\n",
				outcome.Created, outcome.Updated, outcome.Skipped)
			for _, warning := range outcome.Warnings {
				fmt.Printf("  warning: %s\n", warning)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "portable mapping file")
	cmd.MarkFlagRequired("file")
	return cmd
}
