package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/handprint-worker/internal/cache"
	"github.com/adverant/nexus/handprint-worker/internal/config"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/services"
	"github.com/adverant/nexus/handprint-worker/internal/storage"
)

var (
	envFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "handprint",
	Short: "Run handwritten text recognition services on document images",
	Long: `handprint sends document images to several HTR/OCR services at once,
collects their results in a common form, and compares them against
ground-truth transcripts (<file>.gt.txt) using character error rate.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return withCode(ExitBadArgument, fmt.Errorf("failed to load %s: %w", envFile, err))
			}
		}
		if noColor {
			color.NoColor = true
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file to load before reading configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline progress to stderr")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newRunCmd(), newSubmitCmd(), newServicesCmd())
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	code := exitCode(err)
	if code != ExitInterrupted {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
	}
	return code
}

// loadConfig reads the environment and configures logging for a CLI run.
// Only warnings reach the terminal unless --verbose or LOG_LEVEL says otherwise.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, withCode(ExitBadArgument, err)
	}
	level := "warn"
	if _, set := os.LookupEnv("LOG_LEVEL"); set {
		level = cfg.LogLevel
	}
	if verbose {
		level = "debug"
	}
	logging.Configure(os.Stderr, cfg.LogFormat, level)
	return cfg, nil
}

// backends holds the optional infrastructure a run is wired to.
type backends struct {
	registry *services.Registry
	cache    cache.Client
	store    *storage.StorageManager
}

func openBackends(ctx context.Context, cfg *config.Config, useCache bool) (*backends, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, withCode(ExitBadArgument, err)
	}
	b := &backends{registry: reg}
	logger := logging.NewLogger("handprint")

	if useCache {
		if cfg.RedisURL != "" {
			rc, err := cache.NewRedisClient(cfg.RedisURL, cfg.QueueName+":cache:")
			if err != nil {
				logger.Warn("Redis cache unavailable, using memory cache", "error", err)
				b.cache = cache.NewMemoryClient()
			} else {
				b.cache = rc
			}
		} else {
			b.cache = cache.NewMemoryClient()
		}
	}

	if cfg.DatabaseURL != "" {
		store, err := storage.NewStorageManager(ctx, cfg.DatabaseURL)
		if err != nil {
			b.Close()
			return nil, withCode(ExitServerError, err)
		}
		b.store = store
	}
	return b, nil
}

func (b *backends) Close() {
	if b.cache != nil {
		b.cache.Close()
	}
	if b.store != nil {
		b.store.Close()
	}
}
