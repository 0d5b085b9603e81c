// Command intent serves and inspects purchase-intent models.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/intentlab/intent/internal/artifact"
	"github.com/intentlab/intent/internal/config"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = "dev"

var (
	// Global flags
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intent",
		Short: "Purchase-intent inference and explanation engine",
		Long: `Scores shopping sessions with versioned model bundles, explains each
prediction with additive feature attributions, simulates what-if edits and
compares models on labeled data.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "intent.yaml", "Config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(explainCmd())
	rootCmd.AddCommand(whatifCmd())
	rootCmd.AddCommand(compareCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadRegistry loads every bundle under the artifacts directory. Manifests
// must be signed when the configured key variable is set.
func loadRegistry(cfg *config.Config, logger *slog.Logger, opts ...artifact.RegistryOption) (*artifact.Registry, error) {
	loaderOpts := []artifact.LoaderOption{artifact.WithLoaderLogger(logger)}
	if cfg.Artifacts.HMACKeyEnv != "" {
		key := os.Getenv(cfg.Artifacts.HMACKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%s is required to verify model manifests", cfg.Artifacts.HMACKeyEnv)
		}
		loaderOpts = append(loaderOpts, artifact.WithHMACKey([]byte(key)))
	}

	reg := artifact.NewRegistry(append([]artifact.RegistryOption{artifact.WithLogger(logger)}, opts...)...)
	if err := reg.LoadDir(cfg.Artifacts.Dir, artifact.NewLoader(loaderOpts...)); err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}
	return reg, nil
}
