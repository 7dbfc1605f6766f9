package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcmirror/dcmirror/internal/db/models"
)

// pluginOutput represents the filtered output for a plugin listing
type pluginOutput struct {
	AddonKey string `json:"addonKey"`
	Name     string `json:"name"`
	Vendor   string `json:"vendor"`
}

// pluginListOutput represents the filtered output for a list of plugins
type pluginListOutput struct {
	Plugins []pluginOutput `json:"plugins"`
	Total   int64          `json:"total"`
}

func init() {
	listPluginsCmd.Flags().IntP("limit", "l", models.DefaultLimit, "Limit the number of plugins returned")
	listPluginsCmd.Flags().IntP("offset", "o", 0, "Offset into the plugin list")
}

// GetPluginsCmd returns the plugins command tree
func GetPluginsCmd() *cobra.Command {
	pluginsCmd := &cobra.Command{
		Use:   "plugins",
		Short: "Browse the mirrored plugin catalog",
	}
	pluginsCmd.AddCommand(listPluginsCmd)
	pluginsCmd.AddCommand(getPluginCmd)
	pluginsCmd.AddCommand(resyncPluginCmd)
	return pluginsCmd
}

var listPluginsCmd = &cobra.Command{
	Use:   "list",
	Short: "List mirrored plugins",
	RunE: func(cmd *cobra.Command, _ []string) error {
		product, err := getProduct()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		plugins, total, err := apiClient.GetPlugins(context.Background(), product, &models.ListOptions{
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return fmt.Errorf("error fetching plugins: %w", err)
		}

		output := pluginListOutput{
			Plugins: make([]pluginOutput, len(plugins)),
			Total:   total,
		}
		for i, plugin := range plugins {
			output.Plugins[i] = pluginOutput{
				AddonKey: plugin.AddonKey,
				Name:     plugin.Name,
				Vendor:   plugin.Vendor,
			}
		}

		pretty, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("error formatting response: %w", err)
		}
		fmt.Println(string(pretty))
		return nil
	},
}

var getPluginCmd = &cobra.Command{
	Use:   "get <addon-key>",
	Short: "Show one mirrored plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		product, err := getProduct()
		if err != nil {
			return err
		}

		plugin, err := apiClient.GetPlugin(context.Background(), product, args[0])
		if err != nil {
			return fmt.Errorf("error fetching plugin: %w", err)
		}

		pretty, err := json.MarshalIndent(plugin, "", "  ")
		if err != nil {
			return fmt.Errorf("error formatting response: %w", err)
		}
		fmt.Println(string(pretty))
		return nil
	},
}

var resyncPluginCmd = &cobra.Command{
	Use:   "resync <addon-key>",
	Short: "Refresh one plugin's metadata from the upstream marketplace",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		product, err := getProduct()
		if err != nil {
			return err
		}
		if err := apiClient.ResyncPlugin(context.Background(), product, args[0]); err != nil {
			return fmt.Errorf("error resyncing plugin: %w", err)
		}
		fmt.Printf("resync %s: ok\n", args[0])
		return nil
	},
}
