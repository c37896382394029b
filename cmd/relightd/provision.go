package main

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"relightd/internal/config"
	"relightd/internal/events"
	"relightd/internal/provision"
)

func newProvisionCmd(opts *rootOptions) *cobra.Command {
	var progress bool
	cmd := &cobra.Command{
		Use:     "provision",
		Short:   "Download and link model weights, then exit",
		Example: "  relightd provision --models-manifest ./models.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			log := newLogger(cfg, os.Stderr)
			var w io.Writer
			if progress {
				w = cmd.ErrOrStderr()
			}
			return provisionModels(cmd.Context(), cfg, log, events.Log{L: log}, w)
		},
	}
	cmd.Flags().BoolVar(&progress, "progress", true, "Render download progress bars")
	cmd.Flags().StringVar(&opts.manifest, "models-manifest", "", "Override models.manifest")
	return cmd
}

func provisionModels(ctx context.Context, cfg config.Config, log zerolog.Logger, pub events.Publisher, progress io.Writer) error {
	models, err := loadModels(cfg)
	if err != nil {
		return err
	}
	p := provision.New(log, provision.WithPublisher(pub), provision.WithProgress(progress))
	_, err = p.Ensure(ctx, models)
	return err
}
