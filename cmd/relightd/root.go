package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"relightd/internal/config"
	"relightd/internal/logging"
	"relightd/internal/registry"
	"relightd/pkg/types"
)

type rootOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
	manifest   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "relightd",
		Short:         "Serve the ComfyUI light transfer workflow over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before RELIGHTD_* overrides; missing files are skipped")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log.level: trace|debug|info|warn|error")

	root.AddCommand(
		&cobra.Command{
			Use:     "serve",
			Short:   "Provision models, start ComfyUI and serve requests (default)",
			Example: "  relightd serve --config /etc/relightd.yaml",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), opts)
			},
		},
		newProvisionCmd(opts),
	)
	return root
}

// loadConfig layers defaults, the optional file, dotenv files and RELIGHTD_*
// variables, in that order.
func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.LoadDotEnv(opts.envFiles...); err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.manifest != "" {
		cfg.Models.Manifest = opts.manifest
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format, w)
}

func loadModels(cfg config.Config) ([]types.ModelDescriptor, error) {
	if cfg.Models.Manifest == "" {
		return registry.Default(), nil
	}
	return registry.LoadManifest(cfg.Models.Manifest)
}
