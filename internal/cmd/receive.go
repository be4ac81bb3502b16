package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/sendfiles-dev/sendfiles/internal/metadata"
	"github.com/sendfiles-dev/sendfiles/internal/transfer"
	webrtctransport "github.com/sendfiles-dev/sendfiles/internal/transport/webrtc"
	"github.com/spf13/cobra"
)

var (
	receivePassword string
	receiveOutput   string
)

var receiveCmd = &cobra.Command{
	Use:   "receive transfer-id",
	Short: "download a shared file",
	Long:  `receive fetches a transfer's metadata, downloads the ciphertext from the sender and decrypts it with the transfer password`,
	Args:  cobra.ExactArgs(1),
	RunE:  runReceive,
}

func init() {
	receiveCmd.Flags().StringVarP(&receivePassword, "password", "p", "", "transfer password, prompted for when empty")
	receiveCmd.Flags().StringVarP(&receiveOutput, "output", "o", "", "where to write the file, defaults to the sent name in the current directory")
}

func runReceive(cmd *cobra.Command, args []string) error {
	password, err := resolvePassword(receivePassword, false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bar *progressbar.ProgressBar
	file, err := transfer.Receive(ctx, transfer.ReceiverConfig{
		TransferID:  args[0],
		Password:    password,
		Metadata:    metadata.NewClient(cfg.MetadataURL),
		Dial:        transfer.RelayDialer(cfg.RelayURL, entry("relay")),
		Factory:     webrtctransport.NewFactory(webrtctransport.DefaultConfiguration(cfg.STUNURL)),
		Logger:      entry("receive"),
		OpenTimeout: negotiationTimeout,
		OnProgress: func(done, total int) {
			if bar == nil {
				bar = progressbar.DefaultBytes(int64(total), "receiving")
			}
			_ = bar.Set(done)
		},
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("%s failure: %w", transfer.KindOf(err), err)
	}

	path := outputPath(receiveOutput, file.Name)
	if err := os.WriteFile(path, file.Data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", path, humanize.Bytes(uint64(len(file.Data))))
	return nil
}

// outputPath never lets the sender's file name escape the working
// directory.
func outputPath(output, sentName string) string {
	if output != "" {
		return output
	}
	name := filepath.Base(filepath.Clean("/" + sentName))
	if name == "/" || name == "." {
		return "received"
	}
	return name
}
