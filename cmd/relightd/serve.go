package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"relightd/internal/artifact"
	"relightd/internal/comfy"
	"relightd/internal/config"
	"relightd/internal/events"
	"relightd/internal/fetch"
	"relightd/internal/httpapi"
	"relightd/internal/job"
	"relightd/internal/launcher"
	"relightd/internal/tracing"
)

const shutdownGrace = 30 * time.Second

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log := newLogger(cfg, os.Stderr)
	pub := events.Log{L: log}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		OTLPInsecure: cfg.Tracing.Insecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	models, err := loadModels(cfg)
	if err != nil {
		return err
	}
	if !cfg.Models.SkipProvision {
		var progress io.Writer
		if cfg.Log.Format == "console" {
			progress = os.Stderr
		}
		if err := provisionModels(ctx, cfg, log, pub, progress); err != nil {
			return err
		}
	}

	var (
		proc   serverProcess
		exited <-chan struct{}
		client *comfy.Client
	)
	if cfg.Comfy.URL == "" {
		l := launcher.New(launcherConfig(cfg), log, pub)
		if err := l.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := l.Stop(); err != nil {
				log.Warn().Err(err).Msg("stop image server")
			}
		}()
		proc, exited = l, l.Exited()
		if client, err = comfy.New(l.BaseURL(), comfy.WithRequestTimeout(cfg.Comfy.RequestTimeout.Std()), comfy.WithLogger(log)); err != nil {
			return err
		}
	} else {
		if client, err = comfy.New(cfg.Comfy.URL, comfy.WithRequestTimeout(cfg.Comfy.RequestTimeout.Std()), comfy.WithLogger(log)); err != nil {
			return err
		}
		ext := &externalServer{client: client}
		if err := ext.waitReady(ctx, cfg.Comfy.ReadyRetries, cfg.Comfy.ReadyInterval.Std()); err != nil {
			return err
		}
		log.Info().Str("url", client.BaseURL()).Msg("using external image server")
		proc = ext
	}

	sink, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}
	fetcher := fetch.New(fetch.Config{
		MaxBytes:     cfg.Fetch.MaxBytes,
		MaxRetries:   cfg.Fetch.MaxRetries,
		Timeout:      cfg.Fetch.Timeout.Std(),
		AllowPrivate: cfg.Fetch.AllowPrivate,
	}, log)
	runner := job.New(job.Config{
		MaxConcurrency:   cfg.Job.MaxConcurrency,
		AdmissionWait:    cfg.Job.AdmissionWait.Std(),
		ExecutionTimeout: cfg.Job.ExecutionTimeout.Std(),
		MaxInlineBytes:   cfg.Fetch.MaxBytes,
		MaxSide:          cfg.Job.MaxSide,
		Overrides:        cfg.Job.Overrides,
		DedupWindow:      cfg.Dedup.Window.Std(),
		DedupSize:        cfg.Dedup.Size,
		DedupMaxBytes:    cfg.Dedup.MaxBytes,
		TempDir:          cfg.Job.TempDir,
	}, client, fetcher,
		job.WithSink(sink),
		job.WithPublisher(pub),
		job.WithLogger(log),
		job.WithReadiness(proc.Ready),
	)
	svc := &service{runner: runner, server: proc, models: models, started: time.Now()}

	// In-flight jobs keep running through a graceful shutdown and are only
	// canceled once the grace period is over.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetLogger(log)
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers)
	httpapi.SetTracing(cfg.Tracing.Enabled, cfg.Tracing.ServiceName)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("image_server", proc.BaseURL()).Msg("relightd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	case <-exited:
		runErr = errors.New("image server exited unexpectedly")
		log.Error().Err(runErr).Msg("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete; canceling in-flight jobs")
		cancelBase()
		_ = srv.Close()
	}
	return runErr
}

func launcherConfig(cfg config.Config) launcher.Config {
	return launcher.Config{
		Python:        cfg.Comfy.Python,
		MainScript:    cfg.Comfy.MainScript,
		WorkDir:       cfg.Comfy.WorkDir,
		Host:          cfg.Comfy.Host,
		Port:          cfg.Comfy.Port,
		ExtraArgs:     cfg.Comfy.ExtraArgs,
		ReadyRetries:  cfg.Comfy.ReadyRetries,
		ReadyInterval: cfg.Comfy.ReadyInterval.Std(),
		StopGrace:     cfg.Comfy.StopGrace.Std(),
	}
}

func buildSink(ctx context.Context, cfg config.Config) (artifact.Sink, error) {
	switch cfg.Artifacts.Sink {
	case "", "local":
		return artifact.LocalSink{}, nil
	case "s3":
		return artifact.NewS3Sink(ctx, cfg.Artifacts.S3)
	default:
		return nil, fmt.Errorf("unknown artifact sink %q", cfg.Artifacts.Sink)
	}
}

// externalServer is a ComfyUI instance managed by someone else.
type externalServer struct {
	client *comfy.Client
	ready  atomic.Bool
}

func (e *externalServer) Ready() bool     { return e.ready.Load() }
func (e *externalServer) BaseURL() string { return e.client.BaseURL() }
func (e *externalServer) PID() int        { return 0 }

func (e *externalServer) waitReady(ctx context.Context, retries int, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(max(retries, 0))), ctx)
	if err := backoff.Retry(func() error { return e.client.Health(ctx) }, policy); err != nil {
		return fmt.Errorf("image server at %s not reachable: %w", e.client.BaseURL(), err)
	}
	e.ready.Store(true)
	return nil
}

var _ serverProcess = (*launcher.Launcher)(nil)
