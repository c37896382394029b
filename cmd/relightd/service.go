package main

import (
	"context"
	"time"

	"relightd/internal/job"
	"relightd/pkg/types"
)

// serverProcess is what the status endpoint needs from the ComfyUI side,
// whether spawned locally or reached at a configured URL.
type serverProcess interface {
	Ready() bool
	BaseURL() string
	PID() int
}

// service adapts the job runner to the HTTP layer.
type service struct {
	runner  *job.Runner
	server  serverProcess
	models  []types.ModelDescriptor
	started time.Time
}

func (s *service) Run(ctx context.Context, req job.Request) (types.RunResponse, error) {
	return s.runner.Run(ctx, req)
}

func (s *service) Ready() bool { return s.server.Ready() }

func (s *service) Status() types.StatusResponse {
	st := s.runner.Stats()
	now := time.Now()
	return types.StatusResponse{
		Ready:          s.server.Ready(),
		ServerURL:      s.server.BaseURL(),
		PID:            s.server.PID(),
		Inflight:       st.Inflight,
		MaxConcurrency: st.MaxConcurrency,
		Models:         append([]types.ModelDescriptor(nil), s.models...),
		UptimeSeconds:  int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix: now.Unix(),
		JobsSucceeded:  st.Succeeded,
		JobsFailed:     st.Failed,
		LastError:      st.LastError,
	}
}
