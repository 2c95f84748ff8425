// Command platesync runs the encrypted multi-device sync core: an initial
// catch-up sync against the configured relays followed by a live
// subscription, publishing queued local changes along the way.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"

	"github.com/platesync/platesync/config"
	"github.com/platesync/platesync/relaypool"
	"github.com/platesync/platesync/store"
	"github.com/platesync/platesync/syncer"
)

// keyEnv is the environment variable holding the secret key (hex or nsec).
const keyEnv = "PLATESYNC_KEY"

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "platesync",
		Short:         "Encrypted multi-device sync over NOSTR relays",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: user config dir)")
	root.AddCommand(syncCmd(), relaysCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// secretKey resolves the signing key from the environment or the configured
// key file. Accepts hex or a bech32 nsec string.
func secretKey(cfg *config.Config) (string, error) {
	raw := os.Getenv(keyEnv)
	if raw == "" && cfg.KeyFile != "" {
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return "", fmt.Errorf("failed to read key file: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		return "", nil
	}
	return parseSecretKey(raw)
}

func parseSecretKey(raw string) (string, error) {
	if strings.HasPrefix(raw, "nsec1") {
		prefix, value, err := nip19.Decode(raw)
		if err != nil {
			return "", fmt.Errorf("failed to decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("unexpected key prefix %q", prefix)
		}
		return value.(string), nil
	}
	if _, err := hex.DecodeString(raw); err != nil || len(raw) != 64 {
		return "", fmt.Errorf("secret key must be 64 hex chars or an nsec string")
	}
	return raw, nil
}

func openSession(cfg *config.Config, logger *slog.Logger) (*store.Session, string, error) {
	sk, err := secretKey(cfg)
	if err != nil {
		return nil, "", err
	}
	if sk == "" {
		return nil, "", fmt.Errorf("no secret key: set %s or configure keyFile", keyEnv)
	}
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive public key: %w", err)
	}
	sess, err := store.OpenSession(cfg.DataDir, pub, sk, logger)
	if err != nil {
		return nil, "", err
	}
	return sess, sk, nil
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run initial sync and stay subscribed until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			sess, sk, err := openSession(cfg, logger)
			if err != nil {
				return err
			}
			defer sess.Close()

			pool := relaypool.New(cfg.Relays, logger)
			defer pool.Close()

			engineCfg := syncer.DefaultConfig()
			engineCfg.OnStatus = func(s syncer.Status) {
				logger.Info("sync status", "status", s)
			}
			engineCfg.OnChange = func(collection string) {
				logger.Info("remote change merged", "collection", collection)
			}
			engine, err := syncer.NewEngine(sess, pool, sk, engineCfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := engine.Start(ctx); err != nil {
				return err
			}
			logger.Info("syncing", "identity", sess.Identity(), "relays", len(cfg.Relays))
			<-ctx.Done()
			engine.Close()
			return nil
		},
	}
}

func relaysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relays",
		Short: "Manage the relay set",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List configured relays",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				for _, r := range cfg.Relays {
					fmt.Println(r)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add URL",
			Short: "Add a relay",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, path, err := loadConfig()
				if err != nil {
					return err
				}
				if !cfg.AddRelay(args[0]) {
					return fmt.Errorf("relay %s already configured", args[0])
				}
				return cfg.Save(path)
			},
		},
		&cobra.Command{
			Use:   "remove URL",
			Short: "Remove a relay",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, path, err := loadConfig()
				if err != nil {
					return err
				}
				if !cfg.RemoveRelay(args[0]) {
					return fmt.Errorf("relay %s not configured", args[0])
				}
				return cfg.Save(path)
			},
		},
	)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and sync watermark",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			sess, _, err := openSession(cfg, logger)
			if err != nil {
				return err
			}
			defer sess.Close()

			sqlStore, err := sess.SQL()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			depth, err := sqlStore.QueueDepth(ctx)
			if err != nil {
				return err
			}
			watermark, err := sqlStore.GetMeta(ctx, syncer.WatermarkKey)
			if errors.Is(err, store.ErrNotFound) {
				watermark = "none"
			} else if err != nil {
				return err
			}
			fmt.Printf("identity:  %s\n", sess.Identity())
			fmt.Printf("queued:    %d\n", depth)
			fmt.Printf("watermark: %s\n", watermark)
			return nil
		},
	}
}
