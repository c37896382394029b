// Package httpapi exposes the relight job over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"relightd/internal/job"
	"relightd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Run(ctx context.Context, req job.Request) (types.RunResponse, error)
	Status() types.StatusResponse
	Ready() bool
}

// NewMux wires the middleware stack and routes around svc.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(TracingMiddleware(tracingService))
	}
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(corsAllowedOrigins, []string{"*"}),
			AllowedMethods: orDefault(corsAllowedMethods, []string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			AllowedHeaders: orDefault(corsAllowedHeaders, []string{"Content-Type", "X-Log-Level", "X-Request-Id"}),
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	run := runHandler(svc)
	r.Post("/", run)
	r.Post("/run", run)

	r.Get("/status", statusHandler(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// statusHandler godoc
//
//	@Summary	Server status
//	@Tags		status
//	@Produce	json
//	@Success	200	{object}	types.StatusResponse
//	@Router		/status [get]
func statusHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	}
}

// runHandler godoc
//
//	@Summary		Relight an image
//	@Description	Transfers the lighting of image2 onto image1. Each image is base64 (raw or a data URI) or an http(s) URL. Without image2, image1 is its own lighting reference.
//	@Tags			relight
//	@Accept			json
//	@Produce		json
//	@Param			request	body		types.RunRequest	true	"images"
//	@Success		200		{object}	types.RunResponse
//	@Failure		400		{object}	types.ErrorResponse
//	@Failure		409		{object}	types.ErrorResponse
//	@Failure		413		{object}	types.ErrorResponse
//	@Failure		429		{object}	types.ErrorResponse
//	@Failure		502		{object}	types.ErrorResponse
//	@Failure		503		{object}	types.ErrorResponse
//	@Failure		504		{object}	types.ErrorResponse
//	@Router			/ [post]
func runHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var body types.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		req, err := buildRequest(body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		lvl := requestLogLevel(r)
		start := time.Now()
		if lvl >= LevelDebug {
			withRequestID(zlog.Debug(), r).
				Str("image1", sourceKind(req.Main)).
				Str("image2", sourceKind(req.Reference)).
				Msg("run start")
		}
		// Join server base context with request context so shutdown cancels work too.
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		resp, err := svc.Run(joinedCtx, req)
		if err != nil {
			// Client went away; nobody is listening for the reply.
			if r.Context().Err() != nil {
				return
			}
			if serverBaseCtx.Err() != nil {
				writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
				return
			}
			var he HTTPError
			if errors.As(err, &he) {
				status := he.StatusCode()
				if status == http.StatusTooManyRequests {
					IncrementBackpressure("admission")
				}
				writeJSONError(w, status, he.Error())
				logEnd(r, lvl, status, start, err)
				return
			}
			// Unexpected failures are always logged in full; the caller only
			// gets a generic message.
			withRequestID(zlog.Error(), r).Err(err).Dur("dur", time.Since(start)).Str("stack", string(debug.Stack())).Msg("run failed unexpectedly")
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, resp)
		logEnd(r, lvl, http.StatusOK, start, nil)
	}
}

// buildRequest takes each image from its URL field when present, otherwise
// from the generic field which may hold base64 or a URL. image2 is optional.
func buildRequest(body types.RunRequest) (job.Request, error) {
	b := body.Unwrap()
	req := job.Request{
		Main:      pickSource(b.Image1, b.Image1URL),
		Reference: pickSource(b.Image2, b.Image2URL),
	}
	if req.Main.Empty() {
		return job.Request{}, errors.New("image1 required")
	}
	return req, nil
}

func pickSource(v, url string) job.Source {
	if u := strings.TrimSpace(url); u != "" {
		return job.Source{URL: u}
	}
	return job.ParseSource(v)
}

func sourceKind(s job.Source) string {
	if s.URL != "" {
		return "url"
	}
	if s.Empty() {
		return "none"
	}
	return "inline"
}

func logEnd(r *http.Request, lvl LogLevel, status int, start time.Time, err error) {
	switch {
	case lvl >= LevelInfo:
	case lvl >= LevelError && status >= http.StatusInternalServerError:
	default:
		return
	}
	ev := withRequestID(zlog.Info(), r).Int("status", status).Dur("dur", time.Since(start))
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("run end")
}

func withRequestID(ev *zerolog.Event, r *http.Request) *zerolog.Event {
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		return ev.Str("request_id", rid)
	}
	return ev
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
