package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kaigi"
	"github.com/ashita-ai/kaigi/internal/callback"
	"github.com/ashita-ai/kaigi/internal/config"
	"github.com/ashita-ai/kaigi/internal/storage"
	"github.com/ashita-ai/kaigi/internal/storage/sqlite"
	"github.com/ashita-ai/kaigi/migrations"
)

type serveFlags struct {
	port  int
	store string
}

func newRootCommand() *cobra.Command {
	var flags serveFlags
	root := &cobra.Command{
		Use:           "kaigi",
		Short:         "Multi-agent chat sessions with council deliberation",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Serving is the default when no subcommand is given.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
	root.PersistentFlags().IntVar(&flags.port, "port", 0, "HTTP port (overrides KAIGI_PORT)")
	root.PersistentFlags().StringVar(&flags.store, "store", "", `store backend, "postgres" or "sqlite" (overrides KAIGI_STORE)`)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and MCP server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), flags)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply store migrations and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(cmd.Context(), flags)
			},
		},
		newKeygenCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "kaigi %s (%s)\n", version, commit)
				_, _ = fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
				_, _ = fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
			},
		},
	)
	return root
}

// newLogger builds the JSON process logger from KAIGI_LOG_LEVEL.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(os.Getenv("KAIGI_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func serve(parent context.Context, flags serveFlags) error {
	// Read .env before the level is chosen.
	_ = godotenv.Load()
	logger := newLogger()

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []kaigi.Option{
		kaigi.WithLogger(logger),
		kaigi.WithVersion(version),
	}
	if flags.port != 0 {
		opts = append(opts, kaigi.WithPort(flags.port))
	}
	if flags.store != "" {
		opts = append(opts, kaigi.WithStore(flags.store))
	}

	app, err := kaigi.New(opts...)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func migrate(parent context.Context, flags serveFlags) error {
	_ = godotenv.Load()
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flags.store != "" {
		cfg.Store = strings.ToLower(flags.store)
	}

	switch cfg.Store {
	case config.StoreSQLite:
		// Opening the file creates or upgrades the schema.
		st, err := sqlite.Open(parent, cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		logger.Info("migrations applied", "store", cfg.Store, "path", cfg.SQLitePath)
		return st.Close()
	case config.StorePostgres:
		db, err := storage.New(parent, cfg.DatabaseURL, "", logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close(context.Background())
		if err := db.RunMigrations(parent, migrations.Set, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		logger.Info("migrations applied", "store", cfg.Store)
		return nil
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func newKeygenCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair for signing reasoning callback URLs",
		Long: `Writes callback_private.pem and callback_public.pem into --dir.
Point KAIGI_CALLBACK_PRIVATE_KEY and KAIGI_CALLBACK_PUBLIC_KEY at them so
callback URLs stay valid across restarts and replicas. Existing files are
never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, pub, err := callback.WriteKeyPair(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "wrote %s\n", priv)
			_, _ = fmt.Fprintf(out, "wrote %s\n", pub)
			_, _ = fmt.Fprintf(out, "KAIGI_CALLBACK_PRIVATE_KEY=%s\nKAIGI_CALLBACK_PUBLIC_KEY=%s\n", priv, pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "directory for the key files")
	return cmd
}
