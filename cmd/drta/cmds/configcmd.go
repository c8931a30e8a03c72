package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		redacted := cfg.Redacted()
		if outputFormat == "json" {
			return outputJSON(out, redacted)
		}
		if err := outputYAML(out, redacted); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(out, warnFmt("# invalid:"), err)
		}
		return nil
	},
}
