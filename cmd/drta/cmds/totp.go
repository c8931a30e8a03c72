package cmds

import (
	"fmt"
	"time"

	"github.com/josephsvk/DRTA/internal/totp"
	"github.com/spf13/cobra"
)

var secretAccount string

func init() {
	totpSecretCmd.Flags().StringVar(&secretAccount, "account", "device", "Account name embedded in the provisioning URL")
	totpCmd.AddCommand(totpCodeCmd)
	totpCmd.AddCommand(totpSecretCmd)
	rootCmd.AddCommand(totpCmd)
}

var totpCmd = &cobra.Command{
	Use:   "totp",
	Short: "TOTP operator helpers",
}

var totpCodeCmd = &cobra.Command{
	Use:   "code",
	Short: "Print the current code for TOTP_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := totp.NewVerifier(cfg.TOTPSecret)
		if err != nil {
			return err
		}
		code, err := v.Code()
		if err != nil {
			return err
		}
		left := totp.StepSeconds - time.Now().Unix()%totp.StepSeconds
		if outputFormat != "table" {
			return formatOutput(cmd.OutOrStdout(), map[string]any{"code": code, "validForSeconds": left})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (valid for %ds)\n", okFmt(code), left)
		return nil
	},
}

var totpSecretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a new random base32 secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := totp.NewSecret("drta", secretAccount)
		if err != nil {
			return err
		}
		if outputFormat != "table" {
			return formatOutput(cmd.OutOrStdout(), map[string]string{"secret": secret})
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret)
		return nil
	},
}
