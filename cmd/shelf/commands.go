package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/shelf/internal/config"
)

// --- schedule / cancel ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule <row-id> <delay-seconds>",
	Short: "Schedule a row for periodic cache refresh",
	Long: `Schedule a row for periodic cache refresh. The row is refreshed
immediately and then every <delay-seconds>.

Examples:
  shelf schedule sku-1042 30
  shelf schedule sku-1042 0.5`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delay, err := strconv.ParseFloat(args[1], 64)
		if err != nil || delay < 0 {
			return fmt.Errorf("delay must be a non-negative number of seconds, got %q", args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), rowPath(args[0])+"/schedule", map[string]any{"delay_seconds": delay})
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Scheduled %s every %gs", args[0], delay)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <row-id>",
	Short: "Stop refreshing a row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), rowPath(args[0])+"/schedule")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cancelled %s", args[0])
		return nil
	},
}

func rowPath(id string) string {
	return "/rows/" + url.PathEscape(id)
}

// --- touch ---

var touchCmd = &cobra.Command{
	Use:   "touch <token> [item]",
	Short: "Record session activity",
	Long: `Record activity for a session token, optionally viewing an item.

Examples:
  shelf touch 7f7c0a1e-... sku-1042
  shelf touch 7f7c0a1e-... --identity alice`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, _ := cmd.Flags().GetString("identity")

		body := map[string]string{}
		if identity != "" {
			body["identity"] = identity
		}
		if len(args) == 2 {
			body["item"] = args[1]
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions/"+url.PathEscape(args[0])+"/touch", body)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Touched %s", args[0])
		return nil
	},
}

func init() {
	touchCmd.Flags().String("identity", "", "identity to record (required for new sessions)")
}

// --- inventory ---

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Manage inventory rows",
}

var inventoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recently updated inventory rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/inventory?limit=%d", limit))
		if err != nil {
			return err
		}

		var items []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			Quantity   int    `json:"quantity"`
			PriceCents int64  `json:"price_cents"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("No inventory rows found.")
			return nil
		}
		for _, it := range items {
			fmt.Printf("%s  %-30s  qty %-5d  %s\n",
				colorize(colorCyan, it.ID),
				it.Name,
				it.Quantity,
				formatCents(it.PriceCents),
			)
		}
		return nil
	},
}

var inventorySetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Create or replace an inventory row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		quantity, _ := cmd.Flags().GetInt("quantity")
		price, _ := cmd.Flags().GetInt64("price-cents")
		tagsStr, _ := cmd.Flags().GetString("tags")

		if name == "" {
			return fmt.Errorf("--name is required")
		}

		body := map[string]any{
			"name":        name,
			"description": description,
			"quantity":    quantity,
			"price_cents": price,
		}
		if tags := splitTags(tagsStr); tags != nil {
			body["tags"] = tags
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/inventory/"+url.PathEscape(args[0]), body)
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Saved %s", args[0])
		return nil
	},
}

var inventoryRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete an inventory row and cancel its refresh",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/inventory/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %s", args[0])
		return nil
	},
}

var inventoryShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the cached copy of a row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), rowPath(args[0]))
		if err != nil {
			return err
		}

		var row any
		if err := decodeJSON(resp, &row); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(row)
	},
}

func init() {
	inventoryListCmd.Flags().Int("limit", 20, "maximum number of rows to list")
	inventorySetCmd.Flags().String("name", "", "item name")
	inventorySetCmd.Flags().String("description", "", "item description")
	inventorySetCmd.Flags().Int("quantity", 0, "units in stock")
	inventorySetCmd.Flags().Int64("price-cents", 0, "unit price in cents")
	inventorySetCmd.Flags().String("tags", "", "comma-separated tags")

	inventoryCmd.AddCommand(inventoryListCmd)
	inventoryCmd.AddCommand(inventorySetCmd)
	inventoryCmd.AddCommand(inventoryRmCmd)
	inventoryCmd.AddCommand(inventoryShowCmd)
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// --- page cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the page cache",
}

var cacheExcludeCmd = &cobra.Command{
	Use:   "exclude <item>",
	Short: "Never cache pages for an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/cache/exclusions/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Excluded %s from the page cache", args[0])
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <url>",
	Short: "Drop the cached page for a request URL",
	Long: `Drop the cached page for a request URL. Requests that differ only
in host case or query order share an entry.

Examples:
  shelf cache invalidate 'http://shop.test/view?item=sku-1042'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/page?url="+url.QueryEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Invalidated %s", args[0])
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheExcludeCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
