// Package job runs one relight request end to end: admission, input
// resolution, upload, workflow submission, completion wait and result
// publication.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"relightd/internal/artifact"
	"relightd/internal/comfy"
	"relightd/internal/dedup"
	"relightd/internal/events"
	"relightd/internal/fetch"
	"relightd/internal/imageproc"
	"relightd/internal/workflow"
	"relightd/pkg/types"
)

// Server is the part of the ComfyUI client the runner drives.
type Server interface {
	UploadImage(ctx context.Context, name string, data []byte) (comfy.Upload, error)
	QueuePrompt(ctx context.Context, prompt any, clientID string) (string, error)
	Watch(ctx context.Context, clientID string) (*comfy.Watcher, error)
	History(ctx context.Context, promptID string) ([]comfy.ArtifactRef, error)
	View(ctx context.Context, ref comfy.ArtifactRef) ([]byte, string, error)
}

// Config tunes a Runner.
type Config struct {
	MaxConcurrency   int
	AdmissionWait    time.Duration
	ExecutionTimeout time.Duration
	// MaxInlineBytes bounds decoded base64 inputs.
	MaxInlineBytes int64
	// MaxSide downsizes inputs whose longer edge exceeds it before upload.
	MaxSide   int
	Overrides workflow.Overrides
	// DedupWindow and DedupSize configure the duplicate cache; zero disables it.
	DedupWindow time.Duration
	DedupSize   int
	// DedupMaxBytes bounds the responses the cache holds by size. 0 means
	// count bound only.
	DedupMaxBytes int64
	// TempDir is the parent for request scopes (os.TempDir when empty).
	TempDir string
}

// Request is one relight job. Reference may be empty.
type Request struct {
	Main      Source
	Reference Source
}

// Runner executes jobs against a single ComfyUI server.
type Runner struct {
	cfg       Config
	server    Server
	tmpl      *workflow.Template
	fetcher   *fetch.Fetcher
	sink      artifact.Sink
	log       zerolog.Logger
	publisher events.Publisher
	tracer    trace.Tracer
	ready     func() bool

	adm   *admission
	cache *dedup.Cache[types.RunResponse]

	succeeded atomic.Uint64
	failed    atomic.Uint64
	lastErrMu sync.Mutex
	lastErr   string
}

// Option configures a Runner.
type Option func(*Runner)

// WithSink replaces the default inline data URI sink.
func WithSink(s artifact.Sink) Option {
	return func(r *Runner) {
		if s != nil {
			r.sink = s
		}
	}
}

// WithPublisher sends job lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) { r.publisher = events.OrNoop(p) }
}

// WithLogger sets the runner logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithReadiness makes Run fail fast with 503 while ready returns false.
func WithReadiness(ready func() bool) Option {
	return func(r *Runner) { r.ready = ready }
}

// WithTemplate replaces the embedded workflow.
func WithTemplate(t *workflow.Template) Option {
	return func(r *Runner) {
		if t != nil {
			r.tmpl = t
		}
	}
}

// New builds a Runner. Zero Config fields fall back to defaults.
func New(cfg Config, server Server, fetcher *fetch.Fetcher, opts ...Option) *Runner {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 10 * time.Minute
	}
	if cfg.MaxInlineBytes <= 0 {
		cfg.MaxInlineBytes = fetch.DefaultMaxBytes
	}
	r := &Runner{
		cfg:       cfg,
		server:    server,
		tmpl:      workflow.MustLightMigration(),
		fetcher:   fetcher,
		sink:      artifact.LocalSink{},
		log:       zerolog.Nop(),
		publisher: events.Noop{},
		tracer:    otel.Tracer("relightd/job"),
		adm:       newAdmission(cfg.MaxConcurrency, cfg.AdmissionWait),
		cache: dedup.NewWithOptions(dedup.Options[types.RunResponse]{
			Size:     cfg.DedupSize,
			TTL:      cfg.DedupWindow,
			MaxBytes: cfg.DedupMaxBytes,
			Cost:     responseBytes,
		}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Stats is a snapshot for the status endpoint.
type Stats struct {
	Inflight       int
	MaxConcurrency int
	Succeeded      uint64
	Failed         uint64
	LastError      string
}

// Stats returns the current counters.
func (r *Runner) Stats() Stats {
	r.lastErrMu.Lock()
	last := r.lastErr
	r.lastErrMu.Unlock()
	return Stats{
		Inflight:       r.adm.inflight(),
		MaxConcurrency: r.adm.capacity(),
		Succeeded:      r.succeeded.Load(),
		Failed:         r.failed.Load(),
		LastError:      last,
	}
}

// Run executes req and returns the published images. Errors carry a
// StatusCode for the HTTP layer; anything else is unexpected.
func (r *Runner) Run(ctx context.Context, req Request) (types.RunResponse, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "relight.run")
	defer span.End()

	resp, err := r.run(ctx, req)

	outcome := Outcome(err)
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("relight.outcome", outcome))
	if err != nil {
		r.failed.Add(1)
		r.lastErrMu.Lock()
		r.lastErr = err.Error()
		r.lastErrMu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		r.publisher.Publish(events.Event{Name: "job_failed", Subject: resp.PromptID, Fields: map[string]any{"outcome": outcome, "error": err.Error()}})
		return resp, err
	}
	r.succeeded.Add(1)
	return resp, nil
}

func (r *Runner) run(ctx context.Context, req Request) (types.RunResponse, error) {
	if req.Main.Empty() {
		return types.RunResponse{}, ErrValidation("image1 is required")
	}
	if r.ready != nil && !r.ready() {
		return types.RunResponse{}, ErrUnavailable("image server is not ready", nil)
	}

	key := dedupKey(req)
	state, cached := r.cache.Begin(key)
	switch state {
	case dedup.Hit:
		dedupTotal.WithLabelValues("hit").Inc()
		r.log.Debug().Str("prompt_id", cached.PromptID).Msg("duplicate request served from cache")
		return cached, nil
	case dedup.InFlight:
		dedupTotal.WithLabelValues("inflight").Inc()
		return types.RunResponse{}, duplicateError{}
	}
	completed := false
	defer func() {
		if !completed {
			r.cache.Abort(key)
		}
	}()

	release, err := r.adm.acquire(ctx)
	if err != nil {
		return types.RunResponse{}, err
	}
	defer release()
	jobsInflight.Inc()
	defer jobsInflight.Dec()

	scope, err := artifact.NewScope(r.cfg.TempDir, "relight-")
	if err != nil {
		return types.RunResponse{}, fmt.Errorf("create request scope: %w", err)
	}
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			r.log.Warn().Err(cerr).Str("dir", scope.Dir()).Msg("request scope cleanup failed")
		}
	}()

	resp, err := r.execute(ctx, scope, req)
	if err != nil {
		return resp, err
	}
	r.cache.Complete(key, resp)
	completed = true
	return resp, nil
}

func (r *Runner) execute(ctx context.Context, scope *artifact.Scope, req Request) (types.RunResponse, error) {
	mainName, err := r.prepare(ctx, scope, "main", req.Main)
	if err != nil {
		return types.RunResponse{}, err
	}
	// A lone image is its own lighting reference; it is uploaded once.
	refName := mainName
	if !req.Reference.Empty() {
		refName, err = r.prepare(ctx, scope, "reference", req.Reference)
		if err != nil {
			return types.RunResponse{}, err
		}
	}

	graph, err := r.tmpl.Build(workflow.Params{MainImage: mainName, ReferenceImage: refName, Overrides: r.cfg.Overrides})
	if err != nil {
		return types.RunResponse{}, fmt.Errorf("build workflow: %w", err)
	}

	promptID, err := r.submitAndWait(ctx, graph)
	if err != nil {
		return types.RunResponse{PromptID: promptID}, err
	}

	images, err := r.collect(ctx, scope, promptID)
	if err != nil {
		return types.RunResponse{PromptID: promptID}, err
	}
	return types.RunResponse{Status: "success", Images: images, PromptID: promptID}, nil
}

// prepare resolves one input, normalizes it to an RGB PNG staged in the
// scope, and uploads it under a unique name. It returns the name the
// LoadImage node must reference.
func (r *Runner) prepare(ctx context.Context, scope *artifact.Scope, role string, src Source) (string, error) {
	ctx, span := r.tracer.Start(ctx, "relight.prepare", trace.WithAttributes(attribute.String("relight.role", role)))
	defer span.End()
	defer observePhase("prepare", time.Now())

	raw, err := r.resolve(ctx, src)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	norm, err := imageproc.Normalize(raw, imageproc.Options{MaxSide: r.cfg.MaxSide})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, imageproc.ErrInvalidImage) {
			return "", ErrValidation(role + " image: " + err.Error())
		}
		return "", err
	}
	span.SetAttributes(
		attribute.String("relight.source_type", norm.SourceType),
		attribute.Int("relight.width", norm.Width),
		attribute.Int("relight.height", norm.Height),
	)
	name := fmt.Sprintf("%s_%s.png", role, uuid.NewString())
	if _, err := scope.Write(name, norm.Data); err != nil {
		return "", fmt.Errorf("stage %s image: %w", role, err)
	}
	up, err := r.server.UploadImage(ctx, name, norm.Data)
	if err != nil {
		span.RecordError(err)
		return "", mapServerError(ctx, "upload "+role+" image", err)
	}
	r.log.Debug().Str("role", role).Str("name", up.Name).Int("w", norm.Width).Int("h", norm.Height).Msg("image uploaded")
	if up.Subfolder != "" {
		return up.Subfolder + "/" + up.Name, nil
	}
	return up.Name, nil
}

func (r *Runner) resolve(ctx context.Context, src Source) ([]byte, error) {
	if src.URL == "" {
		return decodeInline(src.Inline, r.cfg.MaxInlineBytes)
	}
	if r.fetcher == nil {
		return nil, ErrValidation("image URLs are not accepted")
	}
	b, err := r.fetcher.Get(ctx, src.URL)
	switch {
	case err == nil:
		return b, nil
	case fetch.IsValidation(err):
		return nil, ErrValidation(err.Error())
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return nil, executionError{msg: "fetch image", err: err}
}

// submitAndWait opens the watcher before queueing so the completion event
// cannot be missed, then waits at most ExecutionTimeout.
func (r *Runner) submitAndWait(ctx context.Context, graph workflow.Graph) (string, error) {
	ctx, span := r.tracer.Start(ctx, "relight.execute")
	defer span.End()

	clientID := uuid.NewString()
	w, err := r.server.Watch(ctx, clientID)
	if err != nil {
		span.RecordError(err)
		return "", mapServerError(ctx, "open watcher", err)
	}
	defer w.Close()

	submitted := time.Now()
	promptID, err := r.server.QueuePrompt(ctx, graph, clientID)
	if err != nil {
		span.RecordError(err)
		return "", mapServerError(ctx, "queue prompt", err)
	}
	span.SetAttributes(attribute.String("relight.prompt_id", promptID))
	r.publisher.Publish(events.Event{Name: "job_submitted", Subject: promptID, Fields: map[string]any{"client_id": clientID}})
	plog := r.log.With().Str("prompt_id", promptID).Logger()
	plog.Info().Msg("prompt queued")
	w.OnProgress = func(node string) {
		plog.Debug().Str("node", node).Msg("executing")
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.ExecutionTimeout)
	defer cancel()
	err = w.Wait(waitCtx, promptID)
	observePhase("execute", submitted)
	switch {
	case err == nil:
	case errors.Is(err, comfy.ErrWatchTimeout):
		// The prompt keeps running on the server; nothing cancels it.
		plog.Warn().Dur("timeout", r.cfg.ExecutionTimeout).Msg("execution timed out")
		span.SetStatus(codes.Error, "timeout")
		return promptID, timeoutError{promptID: promptID}
	default:
		span.RecordError(err)
		return promptID, mapServerError(ctx, "execute workflow", err)
	}
	plog.Info().Dur("dur", time.Since(submitted)).Msg("execution finished")
	r.publisher.Publish(events.Event{Name: "job_completed", Subject: promptID})
	return promptID, nil
}

// collect fetches every artifact listed in history and publishes it.
func (r *Runner) collect(ctx context.Context, scope *artifact.Scope, promptID string) ([]types.Image, error) {
	ctx, span := r.tracer.Start(ctx, "relight.collect", trace.WithAttributes(attribute.String("relight.prompt_id", promptID)))
	defer span.End()
	defer observePhase("collect", time.Now())

	refs, err := r.server.History(ctx, promptID)
	if err != nil {
		span.RecordError(err)
		return nil, mapServerError(ctx, "fetch history", err)
	}
	if len(refs) == 0 {
		return nil, executionError{msg: "workflow produced no images"}
	}
	images := make([]types.Image, 0, len(refs))
	for _, ref := range refs {
		data, ct, err := r.server.View(ctx, ref)
		if err != nil {
			span.RecordError(err)
			return nil, mapServerError(ctx, "fetch artifact "+ref.Filename, err)
		}
		img, err := r.sink.Publish(ctx, scope, artifact.Artifact{FileName: ref.Filename, Data: data, ContentType: ct})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("publish %s: %w", ref.Filename, err)
		}
		r.publisher.Publish(events.Event{Name: "artifact_fetched", Subject: promptID, Fields: map[string]any{"file": ref.Filename, "bytes": len(data), "node": ref.NodeID}})
		images = append(images, img)
	}
	span.SetAttributes(attribute.Int("relight.images", len(images)))
	return images, nil
}

// mapServerError classifies ComfyUI client errors. Context errors from the
// caller pass through untouched.
func mapServerError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}
	var te *comfy.TransportError
	if errors.As(err, &te) {
		return unavailableError{msg: op, err: err}
	}
	return executionError{msg: op, err: err}
}

// dedupKey fingerprints the request as sent, before any download.
func dedupKey(req Request) string {
	return dedup.Fingerprint(
		[]byte(req.Main.Inline), []byte(req.Main.URL),
		[]byte(req.Reference.Inline), []byte(req.Reference.URL),
	)
}

// responseBytes approximates the heap a cached response pins; inline data
// URIs dominate.
func responseBytes(resp types.RunResponse) int64 {
	n := int64(len(resp.PromptID) + len(resp.Status))
	for _, img := range resp.Images {
		n += int64(len(img.URL) + len(img.FileName) + len(img.ContentType))
	}
	return n
}

func observePhase(phase string, start time.Time) {
	phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
