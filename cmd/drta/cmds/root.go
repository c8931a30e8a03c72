// Package cmds implements the drta CLI commands.
package cmds

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/goccy/go-yaml"
	"github.com/josephsvk/DRTA/internal/types"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	outputFormat string
	configPath   string

	// Loaded in PersistentPreRunE
	cfg types.Config

	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "drta",
	Short: "Device enrollment server with TOTP verification",
	Long: `drta enrolls devices that prove possession of a shared TOTP secret.

Each enrolled device gets a unique communication port, a unique address
inside the configured network prefix and a unique identifier.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		switch outputFormat {
		case "table", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format %q: use table, json or yaml", outputFormat)
		}
		var err error
		cfg, err = LoadConfig(configPath)
		if err != nil {
			return err
		}
		return SetupLogging(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file; environment variables override it")
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), errFmt("error:"), err)
	}
	return err
}

// formatOutput handles output formatting based on the --output flag.
func formatOutput(w io.Writer, data any) error {
	switch outputFormat {
	case "json":
		return outputJSON(w, data)
	case "yaml":
		return outputYAML(w, data)
	case "table":
		// Table format is handled by each command
		return nil
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}

func outputJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func outputYAML(w io.Writer, data any) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
