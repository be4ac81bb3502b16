package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sendfiles-dev/sendfiles/internal/metadata"
	"github.com/sendfiles-dev/sendfiles/internal/relay"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "run the signaling relay",
	Long:  `relay forwards signaling envelopes between senders and receivers over websockets`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server := relay.NewServer(entry("relay"), cfg.Relay.OfferTTL)
		return server.ListenAndServe(ctx, cfg.Relay.ListenAddr)
	},
}

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "run the transfer metadata service",
	Long:  `metadata stores transfer records for up to an hour, backed by sqlite or redis`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := entry("metadata")
		var store metadata.Store

		switch cfg.Metadata.Backend {
		case "sqlite":
			sqlStore, err := metadata.OpenSQLite(cfg.Metadata.SQLitePath)
			if err != nil {
				return err
			}
			defer sqlStore.Close()
			go sqlStore.RunPurger(ctx, cfg.Metadata.PurgeInterval, log)
			store = sqlStore
			log.Infof("Using sqlite store at %s", cfg.Metadata.SQLitePath)

		case "redis":
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Metadata.RedisAddr})
			if err := rdb.Ping(ctx).Err(); err != nil {
				_ = rdb.Close()
				return fmt.Errorf("connecting to redis at %s: %w", cfg.Metadata.RedisAddr, err)
			}
			redisStore := metadata.NewRedisStore(rdb)
			defer redisStore.Close()
			store = redisStore
			log.Infof("Using redis store at %s", cfg.Metadata.RedisAddr)

		default:
			return fmt.Errorf("unknown metadata backend %q", cfg.Metadata.Backend)
		}

		return metadata.NewServer(store, log).ListenAndServe(ctx, cfg.Metadata.ListenAddr)
	},
}

func init() {
	relayCmd.Flags().String("listen", ":8081", "address to listen on")

	metadataCmd.Flags().String("listen", ":8080", "address to listen on")
	metadataCmd.Flags().String("backend", "sqlite", "storage backend, sqlite or redis")
	metadataCmd.Flags().String("sqlite-path", "sendfiles.db", "sqlite database file")
	metadataCmd.Flags().String("redis-addr", "localhost:6379", "redis server address")
}
