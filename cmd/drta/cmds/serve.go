package cmds

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/josephsvk/DRTA/internal/api"
	"github.com/josephsvk/DRTA/internal/backends"
	"github.com/josephsvk/DRTA/internal/enroll"
	"github.com/josephsvk/DRTA/internal/pub"
	"github.com/josephsvk/DRTA/internal/totp"
	"github.com/spf13/cobra"
	log "github.com/sirupsen/logrus"
)

var servePort int

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port, overrides PORT")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enrollment HTTP server",
	Long: `Run the enrollment HTTP server until SIGINT or SIGTERM.

The allocation store is chosen with STORE_BACKEND (memory, sqlite, postgres,
redis, ddb). Events are published to ENROLL_SNS_TOPIC_ARN when it is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Port = servePort
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		verifier, err := totp.NewVerifier(cfg.TOTPSecret)
		if err != nil {
			log.Fatalf("Cannot start without a valid TOTP secret: %v", err)
		}

		store, err := backends.StoreBackendFromEnv()
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		var opts []enroll.Option
		if cfg.EnrollTopicArn != "" {
			snsClient, err := backends.SNSClientFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			opts = append(opts, enroll.WithPublisher(pub.NewSNS(snsClient, enroll.EventEnrollmentCreated)))
		}
		engine, err := enroll.New(cfg, store, opts...)
		if err != nil {
			return err
		}

		log.WithFields(log.Fields{
			"prefix":     cfg.Prefix,
			"portRange":  []int{cfg.PortRangeStart, cfg.PortRangeEnd},
			"scheme":     cfg.AddressScheme,
			"adminApi":   cfg.AdminToken != "",
			"requireOtp": cfg.EnrollRequireTOTP,
		}).Info("starting enrollment server")

		stop, done := api.RunServerInterruptible(cfg, api.NewHandler(cfg, verifier, engine, store))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)

		select {
		case s := <-sig:
			log.Infof("received %s, shutting down", s)
			stop <- struct{}{}
			return <-done
		case err := <-done:
			return err
		}
	},
}
