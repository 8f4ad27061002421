package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"dhis2bridge/internal/models"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage DHIS2 server connections",
	}
	cmd.AddCommand(newServerAddCmd(), newServerListCmd(), newServerRemoveCmd())
	return cmd
}

func newServerAddCmd() *cobra.Command {
	var label, url, token, username string
	var skipSync bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a DHIS2 server and run an initial metadata sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			tokenEnc, err := a.keystore.Encrypt(token)
			if err != nil {
				return fmt.Errorf("failed to encrypt token: %w", err)
			}

			server := &models.Server{
				Label:    label,
				URL:      url,
				TokenEnc: tokenEnc,
				Username: username,
			}
			if err := a.db.Create(server).Error; err != nil {
				return fmt.Errorf("failed to store server: %w", err)
			}

			user, err := a.sync.Validate(cmd.Context(), server.ID)
			if err != nil {
				if delErr := a.db.Delete(server).Error; delErr != nil {
					a.logger.Error().Err(delErr).Msg("failed to remove server after failed credential check")
				}
				return fmt.Errorf("credential check failed for %s: %w", url, err)
			}
			fmt.Printf("Connected to %s as %s\n", url, user.Username)

			if skipSync {
				return nil
			}
			summary, err := a.sync.Run(cmd.Context(), server.ID)
			if err != nil {
				// Roll the registration back rather than leave a server
				// with an empty mirror behind.
				if removeErr := removeServer(cmd.Context(), a, server.ID); removeErr != nil {
					a.logger.Error().Err(removeErr).Msg("failed to remove server after failed initial sync")
				}
				return err
			}
			printSyncSummary(summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "unique name for this server")
	cmd.Flags().StringVar(&url, "url", "", "base URL of the DHIS2 instance")
	cmd.Flags().StringVar(&token, "token", "", "personal access token")
	cmd.Flags().StringVar(&username, "username", "", "username (informational, auth uses the token)")
	cmd.Flags().BoolVar(&skipSync, "skip-sync", false, "register without running the initial sync")
	cmd.MarkFlagRequired("label")
	cmd.MarkFlagRequired("url")
	cmd.MarkFlagRequired("token")
	return cmd
}

func newServerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			var servers []models.Server
			if err := a.db.Order("label asc").Find(&servers).Error; err != nil {
				return err
			}
			for _, s := range servers {
				syncTime := "never"
				if s.SyncTime != nil {
					syncTime = s.SyncTime.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%s\t%s\t%s\tlast sync: %s\n", s.ID, s.Label, s.URL, syncTime)
			}
			return nil
		},
	}
}

func newServerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id-or-label>",
		Short: "Remove a server and its mirrored metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			return removeServer(cmd.Context(), a, args[0])
		},
	}
}

func removeServer(_ context.Context, a *app, idOrLabel string) error {
	var server models.Server
	if err := a.db.First(&server, "id = ? OR label = ?", idOrLabel, idOrLabel).Error; err != nil {
		return fmt.Errorf("server %s not found: %w", idOrLabel, err)
	}

	for _, model := range []interface{}{
		&models.DataMapping{},
		&models.OrgUnit{},
		&models.CategoryCombo{},
		&models.CategoryOptionCombo{},
		&models.DataSet{},
		&models.DataElement{},
	} {
		if err := a.db.Delete(model, "server_id = ?", server.ID).Error; err != nil {
			return err
		}
	}
	if err := a.db.Delete(&server).Error; err != nil {
		return err
	}
	fmt.Printf("Removed %s (%s)\n", server.Label, server.URL)
	return nil
}
