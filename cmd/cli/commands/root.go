// Package commands implements the dcmirror CLI commands
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/pkg/api/v1/client"
	"github.com/dcmirror/dcmirror/pkg/api/v1/routes"
)

// flag names
const (
	flagProduct       = "product"
	flagServerAddress = "server-address"
)

// environment variable names
const (
	envServerAddress = "DCMIRROR_SERVER_ADDRESS"
)

var (
	// apiClient is the shared API client instance
	apiClient client.Client
	// serverAddress holds the target API server address. Flag parsing sets this.
	serverAddress string
	// productFlag selects the product family for every command
	productFlag string
)

// initClient initializes the API client
func initClient() error {
	var err error
	opts := client.DefaultOptions()
	opts.BaseURL = serverAddress

	apiClient, err = client.NewClient(opts)
	return err
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&serverAddress, flagServerAddress, "s", routes.DefaultBaseURL, "Address of the mirror API server (env: DCMIRROR_SERVER_ADDRESS)")
	RootCmd.PersistentFlags().StringVarP(&productFlag, flagProduct, "p", string(models.ProductJira), "Product family (JIRA or CONFLUENCE)")

	RootCmd.AddCommand(GetSyncCmd())
	RootCmd.AddCommand(GetPluginsCmd())
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "dcmirror",
	Short: "dcmirror CLI - A command line interface for the marketplace mirror API",
	Long: `dcmirror CLI is a command line tool for controlling the marketplace sync
pipeline and browsing the mirrored plugin catalog.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if !cmd.Flags().Changed(flagServerAddress) {
			if envAddr := os.Getenv(envServerAddress); envAddr != "" {
				serverAddress = envAddr
			}
		}

		if serverAddress == "" {
			return fmt.Errorf("server address cannot be empty")
		}
		return initClient()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return RootCmd.Execute()
}

// getProduct parses the persistent product flag
func getProduct() (models.ProductType, error) {
	return models.ParseProductType(productFlag)
}
