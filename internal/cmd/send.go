package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sendfiles-dev/sendfiles/internal/metadata"
	"github.com/sendfiles-dev/sendfiles/internal/transfer"
	webrtctransport "github.com/sendfiles-dev/sendfiles/internal/transport/webrtc"
	"github.com/spf13/cobra"
)

const negotiationTimeout = 30 * time.Second

var sendPassword string

var sendCmd = &cobra.Command{
	Use:   "send file-path",
	Short: "share a file",
	Long:  `send encrypts a file, publishes its metadata and serves it to every receiver until interrupted or until the transfer expires`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendPassword, "password", "p", "", "transfer password, prompted for when empty")
	sendCmd.Flags().Duration("validity", time.Hour, "how long the transfer stays available, at most 1h")
}

func runSend(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	password, err := resolvePassword(sendPassword, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	offer, err := transfer.PrepareOffer(ctx, metadata.NewClient(cfg.MetadataURL), filepath.Base(path), data, password, cfg.Validity)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithDeadline(ctx, offer.ValidUntil)
	defer cancel()

	offerer, err := transfer.NewOfferer(transfer.OffererConfig{
		TransferID:  offer.TransferID,
		Ciphertext:  offer.Ciphertext,
		Dial:        transfer.RelayDialer(cfg.RelayURL, entry("relay")),
		Factory:     webrtctransport.NewFactory(webrtctransport.DefaultConfiguration(cfg.STUNURL)),
		Logger:      entry("send"),
		OpenTimeout: negotiationTimeout,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sharing %s (%s encrypted)\n", offer.FileName, humanize.Bytes(uint64(len(offer.Ciphertext))))
	fmt.Fprintf(out, "Transfer id: %s\n", offer.TransferID)
	fmt.Fprintf(out, "Expires %s\n", humanize.Time(offer.ValidUntil))

	go func() {
		for result := range offerer.Results() {
			if result.Err != nil {
				fmt.Fprintf(out, "Receiver %s failed: %v\n", result.Peer, result.Err)
				continue
			}
			fmt.Fprintf(out, "Sent %s to %s\n", humanize.Bytes(result.BytesSent), result.Peer)
		}
	}()

	return offerer.Run(ctx)
}
