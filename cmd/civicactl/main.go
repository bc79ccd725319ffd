// Command civicactl administers a portal installation from the shell:
// schema migrations, bulk catalog import and export, knowledge base
// resynchronisation and staff accounts. It talks to Postgres directly and
// does not need the HTTP server to be running.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/civica-gov/civica/internal/config"
	"github.com/civica-gov/civica/internal/storage"
)

// version is set at build time via -ldflags.
var version = "dev"

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	databaseURL string
	logLevel    string
	logger      *slog.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:           "civicactl",
		Short:         "Administer the citizen services portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q", g.logLevel)
			}
			g.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().StringVar(&g.databaseURL, "database-url", "", "Postgres connection string (default: DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		migrateCmd(g),
		importCmd(g),
		exportCmd(g),
		syncKnowledgeCmd(g),
		createUserCmd(g),
		genkeyCmd(),
		versionCmd(),
	)
	return cmd
}

// openDB loads config from the environment (and .env when present), applies
// the --database-url override and connects.
func (g *globals) openDB(ctx context.Context) (*storage.DB, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.databaseURL != "" {
		cfg.DatabaseURL = g.databaseURL
	}
	db, err := storage.New(ctx, cfg.DatabaseURL, g.logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return db, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "civicactl version %s\n", version)
		},
	}
}
