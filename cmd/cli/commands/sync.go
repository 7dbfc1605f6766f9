package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dcmirror/dcmirror/pkg/api/v1/routes"
)

// GetSyncCmd returns the sync command tree
func GetSyncCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Control the marketplace sync pipeline",
	}

	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(newStageCmd("metadata", "Control the metadata ingestion stage", map[string]string{
		"start":             routes.StartMetadataSync,
		"pause":             routes.PauseMetadataSync,
		"resume":            routes.ResumeMetadataSync,
		"restart":           routes.RestartMetadataSync,
		"cancel-auto-start": routes.CancelAutoStart,
	}, ""))
	syncCmd.AddCommand(newStageCmd("batch", "Control interleaved batch processing", map[string]string{
		"start":    routes.StartBatchSync,
		"continue": routes.ContinueBatchSync,
	}, ""))
	syncCmd.AddCommand(newStageCmd("download-latest", "Control the latest-version download stage", map[string]string{
		"start":   routes.StartDownloadLatest,
		"pause":   routes.PauseDownloadLatest,
		"resume":  routes.ResumeDownloadLatest,
		"restart": routes.RestartDownloadLatest,
	}, routes.BatchDownloadLatest))
	syncCmd.AddCommand(newStageCmd("download-all", "Control the all-versions download stage", map[string]string{
		"start":   routes.StartDownloadAll,
		"pause":   routes.PauseDownloadAll,
		"resume":  routes.ResumeDownloadAll,
		"restart": routes.RestartDownloadAll,
	}, routes.BatchDownloadAll))

	return syncCmd
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the job status of every pipeline stage",
	RunE: func(_ *cobra.Command, _ []string) error {
		product, err := getProduct()
		if err != nil {
			return err
		}

		stages, err := apiClient.SyncStatus(context.Background(), product)
		if err != nil {
			return fmt.Errorf("error fetching sync status: %w", err)
		}

		pretty, err := json.MarshalIndent(stages, "", "  ")
		if err != nil {
			return fmt.Errorf("error formatting response: %w", err)
		}
		fmt.Println(string(pretty))
		return nil
	},
}

// newStageCmd builds a command with one subcommand per control action, plus a
// batch subcommand when the stage supports synchronous per-batch runs.
func newStageCmd(use, short string, actions map[string]string, batchRoute string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
	}

	for action, routeName := range actions {
		route := routeName
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the %s stage", action, use),
			RunE: func(_ *cobra.Command, _ []string) error {
				product, err := getProduct()
				if err != nil {
					return err
				}
				if err := apiClient.SyncAction(context.Background(), route, product); err != nil {
					return fmt.Errorf("error calling %s: %w", route, err)
				}
				fmt.Printf("%s: ok\n", route)
				return nil
			},
		})
	}

	if batchRoute != "" {
		cmd.AddCommand(&cobra.Command{
			Use:   "batch <number>",
			Short: fmt.Sprintf("Synchronously download one batch for the %s stage", use),
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				product, err := getProduct()
				if err != nil {
					return err
				}
				batch, err := strconv.Atoi(args[0])
				if err != nil || batch < 0 {
					return fmt.Errorf("invalid batch number: %s", args[0])
				}
				if err := apiClient.ProcessDownloadBatch(context.Background(), batchRoute, product, batch); err != nil {
					return fmt.Errorf("error processing batch %d: %w", batch, err)
				}
				fmt.Printf("batch %d: ok\n", batch)
				return nil
			},
		})
	}

	return cmd
}
