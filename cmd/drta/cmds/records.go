package cmds

import (
	"fmt"
	"text/tabwriter"

	"github.com/josephsvk/DRTA/internal/backends"
	"github.com/spf13/cobra"
)

func init() {
	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsDeleteCmd)
	rootCmd.AddCommand(recordsCmd)
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and remove enrollment records",
}

var recordsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List enrolled devices",
	Long: `List every enrollment record in the configured store.

Examples:
  drta records list
  drta records list -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := backends.StoreBackendFromEnv()
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		recs, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputFormat != "table" {
			return formatOutput(out, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(out, warnFmt("No devices enrolled."))
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDEVICE\tPORT\tADDRESS\tLOCATION\tFUNCTION\tUNIQUE ID\tCREATED")
		for _, r := range recs {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.DeviceName, r.Port, r.Address, r.Location, r.Function, r.UniqueID,
				r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var recordsDeleteCmd = &cobra.Command{
	Use:     "delete <unique-id>",
	Aliases: []string{"rm"},
	Short:   "Delete an enrollment, freeing its port and address",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := backends.StoreBackendFromEnv()
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s enrollment %s deleted\n", okFmt("✓"), args[0])
		return nil
	},
}
