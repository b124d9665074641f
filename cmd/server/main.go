package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/questboard/pkg/datastore"
	"github.com/NicolasHaas/questboard/pkg/logging"
	"github.com/NicolasHaas/questboard/pkg/server"
	"github.com/NicolasHaas/questboard/pkg/version"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, envErr := server.LoadConfig()

	root := &cobra.Command{
		Use:           "questboard",
		Short:         "Matchmaking board for tabletop RPG sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if envErr != nil {
				return envErr
			}
			if _, err := logging.Setup(logging.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				Output: os.Stdout,
			}); err != nil {
				return fmt.Errorf("invalid logging config: %w", err)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: "+logging.LevelNames())
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")

	root.AddCommand(
		newServeCmd(&cfg),
		newImportCmd(&cfg),
		newExportCmd(&cfg),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(cfg *server.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and relay notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			st, err := datastore.NewProviderFactory(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("starting questboard", "version", version.Full(), "db", cfg.DBPath)
			srv := server.New(*cfg, server.Dependencies{Store: st, Logger: slog.Default()})
			return srv.Run(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP API bind address")
	flags.StringVar(&cfg.SeedFile, "seed-file", cfg.SeedFile, "YAML file with users and sessions to import on startup")
	flags.DurationVar(&cfg.OutboxInterval, "outbox-interval", cfg.OutboxInterval, "How often pending notifications are relayed")
	flags.DurationVar(&cfg.OutboxRetention, "outbox-retention", cfg.OutboxRetention, "How long delivered notifications are kept (0 keeps them)")
	flags.DurationVar(&cfg.MetricsLog, "metrics-log", cfg.MetricsLog, "How often a metrics summary is logged (0 to disable)")
	return cmd
}

func newImportCmd(cfg *server.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import users, sessions and reviews from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := datastore.NewProviderFactory(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer st.Close()
			return server.LoadSeedFromYAML(cmd.Context(), args[0], st, slog.Default())
		},
	}
}

func newExportCmd(cfg *server.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export users, sessions and reviews as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := datastore.NewProviderFactory(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer st.Close()

			data, err := server.ExportSeedYAML(cmd.Context(), st)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "questboard", version.Full())
		},
	}
}
