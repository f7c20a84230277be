package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/scribe/internal/config"
	"github.com/andresmejia3/scribe/internal/store"
	"github.com/spf13/cobra"
)

var (
	// dbURL is the archive connection string
	dbURL string
	// configPath points at the YAML server configuration
	configPath string
	// logLevel overrides the configured log level
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "scribe",
	Short:   "Concurrent OCR dispatch service over gRPC",
	Version: Version, // This enables the --version flag
	// Errors are reported by Execute.
	SilenceUsage: true,
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the delivery archive (default: POSTGRES_* env vars)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// resolveDBURL picks the archive connection string: the --db flag, then the
// configured URL, then POSTGRES_* env vars. With required set it falls back
// to a local default; otherwise an empty result means no archive.
func resolveDBURL(configured string, required bool) string {
	if dbURL != "" {
		return dbURL
	}
	if configured != "" {
		return configured
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	if required {
		// Fallback to local default if no env vars are present
		return "postgres://localhost:5432/scribe"
	}
	return ""
}

// openStore connects to the archive for commands that need it.
func openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := store.New(ctx, resolveDBURL(cfg.Database.URL, true))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
