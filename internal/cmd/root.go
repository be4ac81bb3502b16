// Package cmd implements the sendfiles command line.
package cmd

import (
	"os"

	"github.com/sendfiles-dev/sendfiles/internal/config"
	"github.com/sendfiles-dev/sendfiles/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        = config.Default()
	log        = logger.NewLogger()
)

var rootCmd = &cobra.Command{
	Use:           `sendfiles`,
	Short:         "end-to-end encrypted peer to peer file transfer",
	Long:          `sendfiles encrypts a file locally and streams it straight to the receiver over a WebRTC data channel; the relay only sees signaling`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := applyFlags(cmd, &loaded); err != nil {
			return err
		}
		cfg = loaded
		log.SetLevel(logger.ParseLevel(cfg.LogLevel))
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.String("relay-url", config.DefaultRelayURL, "signaling relay websocket URL")
	flags.String("metadata-url", config.DefaultMetadataURL, "transfer metadata service URL")
	flags.String("stun-url", config.DefaultSTUNURL, "STUN server used for ICE")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(metadataCmd)
}

// applyFlags lets explicitly set flags win over file and environment values.
func applyFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()

	stringFlags := map[string]*string{
		"relay-url":    &c.RelayURL,
		"metadata-url": &c.MetadataURL,
		"stun-url":     &c.STUNURL,
		"log-level":    &c.LogLevel,
		"listen":       listenTarget(cmd, c),
		"backend":      &c.Metadata.Backend,
		"sqlite-path":  &c.Metadata.SQLitePath,
		"redis-addr":   &c.Metadata.RedisAddr,
	}
	for name, target := range stringFlags {
		if target == nil || flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		value, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*target = value
	}

	if flags.Lookup("validity") != nil && flags.Changed("validity") {
		validity, err := flags.GetDuration("validity")
		if err != nil {
			return err
		}
		c.Validity = validity
	}
	return c.Validate()
}

// listenTarget picks which server's listen address a --listen flag sets.
func listenTarget(cmd *cobra.Command, c *config.Config) *string {
	switch cmd.Name() {
	case relayCmd.Name():
		return &c.Relay.ListenAddr
	case metadataCmd.Name():
		return &c.Metadata.ListenAddr
	default:
		return nil
	}
}

func entry(component string) *logrus.Entry {
	return log.WithField("component", component)
}
