package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seclens/seclens/app/connector"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := loadSources()
		if err != nil {
			return err
		}
		return writeSources(cmd.OutOrStdout(), cache)
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

func writeSources(w io.Writer, cache *connector.ConfigCache) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tKIND\tENABLED\tCURSOR\tURL")
	for _, slug := range cache.Slugs() {
		config, err := cache.GetConfig(slug)
		if err != nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
			slug, config.Kind, config.Settings.Enabled, config.Settings.Cursor, config.URL)
	}
	return tw.Flush()
}
