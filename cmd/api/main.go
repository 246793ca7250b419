package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/PaulBabatuyi/leadmarket/internal/config"
	"github.com/PaulBabatuyi/leadmarket/internal/db"
	"github.com/PaulBabatuyi/leadmarket/internal/logging"
	"github.com/PaulBabatuyi/leadmarket/internal/notify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "leadmarket",
		Short:        "Lead marketplace chat backend",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(newServeCmd(&configPath), newIndexesCmd(&configPath), newGenVAPIDCmd())
	return root
}

// setup loads the configuration and builds the logger.
func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Production(), cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	var inMemory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gRPC and HTTP APIs and run background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if err := cfg.Validate(inMemory); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var st *stores
			if inMemory {
				log.Warn("using in-memory stores; data is lost on exit")
				st = memoryStores()
			} else if st, err = mongoStores(ctx, cfg); err != nil {
				return err
			}
			app, err := newApp(ctx, cfg, log, st)
			if err != nil {
				_ = st.close(context.Background())
				return err
			}
			defer func() {
				if err := app.Close(context.Background()); err != nil {
					log.Warn("close", zap.Error(err))
				}
			}()
			return app.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&inMemory, "memory", false, "use in-memory stores instead of MongoDB")
	return cmd
}

func newIndexesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "indexes",
		Short: "Create MongoDB indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.Mongo.URI == "" {
				return errors.New("MONGODB_URI must be set")
			}
			client, err := db.New(cmd.Context(), cfg.Mongo.URI, cfg.Mongo.Database)
			if err != nil {
				return fmt.Errorf("connect to DB: %w", err)
			}
			defer func() { _ = client.Close(context.Background()) }()
			if err := client.CreateIndexes(cmd.Context()); err != nil {
				return err
			}
			log.Info("indexes created", zap.String("database", cfg.Mongo.Database))
			return nil
		},
	}
}

func newGenVAPIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-vapid",
		Short: "Generate a web-push VAPID key pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := notify.GenerateVAPID()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", keys.PublicKey, keys.PrivateKey)
			return nil
		},
	}
}
