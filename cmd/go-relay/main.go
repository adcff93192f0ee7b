package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a-essam23/go-relay/internal/server"
	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/events"
	"github.com/a-essam23/go-relay/pkg/logging"
	"github.com/a-essam23/go-relay/pkg/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
	appName = "go-relay"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configName string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Room-based real-time message relay",
		Long: `go-relay accepts WebSocket clients, lets them join and leave rooms,
and fans chat messages out to every member of a room.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configName)
		},
	}
	cmd.PersistentFlags().StringVarP(&configName, "config", "c", "config", "Config file name (without .yaml), looked up in the working directory")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})
	cmd.AddCommand(tokenCmd(&configName))
	return cmd
}

func tokenCmd(configName *string) *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a signed session token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(logging.Discard(), *configName)
			if err != nil {
				return err
			}
			if cfg.Server.Auth.JWTSecret == "" {
				return fmt.Errorf("server.auth.jwtSecret is not set; authentication is disabled")
			}
			now := time.Now()
			token, err := middleware.IssueToken(cfg.Server.Auth.JWTSecret, args[0], name, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				Issuer:    appName,
			})
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func serve(configName string) error {
	bootLogger := logging.New(logging.LevelInfo, "text")
	cfg, err := config.Load(bootLogger, configName)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []server.Option

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := store.Connect(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		defer pool.Close()
		if cfg.History.Enabled {
			if err := store.EnsureMessagesTable(ctx, pool, cfg.History.Table); err != nil {
				return err
			}
		}
		opts = append(opts, server.WithDataService(store.NewPostgres(pool)))
		logger.Info("Using postgres data service")
	default:
		opts = append(opts, server.WithDataService(store.NewMemory()))
		logger.Info("Using in-memory data service")
	}

	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, appName, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		opts = append(opts, server.WithEventPublisher(nc))
		logger.Info("Exporting messages to NATS", slog.String("subjectPrefix", cfg.NATS.SubjectPrefix))
	}

	app := server.NewApp(logger, ctx, cfg, opts...)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}
