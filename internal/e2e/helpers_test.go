package e2e

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relightd/internal/comfy"
	"relightd/internal/comfy/comfytest"
	"relightd/internal/events"
	"relightd/internal/fetch"
	"relightd/internal/httpapi"
	"relightd/internal/job"
	"relightd/pkg/types"
)

// stack is the HTTP surface wired to a runner and a fake image server.
type stack struct {
	comfy  *comfytest.Server
	runner *job.Runner
	pub    *events.Memory
	http   *httptest.Server
	tmp    string
}

type service struct {
	runner *job.Runner
	url    string
}

func (s *service) Run(ctx context.Context, req job.Request) (types.RunResponse, error) {
	return s.runner.Run(ctx, req)
}

func (s *service) Ready() bool { return true }

func (s *service) Status() types.StatusResponse {
	st := s.runner.Stats()
	return types.StatusResponse{
		Ready:          true,
		ServerURL:      s.url,
		Inflight:       st.Inflight,
		MaxConcurrency: st.MaxConcurrency,
		JobsSucceeded:  st.Succeeded,
		JobsFailed:     st.Failed,
		LastError:      st.LastError,
	}
}

func newStack(t *testing.T, srv *comfytest.Server, cfg job.Config) *stack {
	t.Helper()
	t.Cleanup(srv.Close)
	client, err := comfy.New(srv.URL, comfy.WithRequestTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if cfg.ExecutionTimeout == 0 {
		cfg.ExecutionTimeout = 5 * time.Second
	}
	cfg.TempDir = t.TempDir()
	pub := events.NewMemory()
	f := fetch.New(fetch.Config{AllowPrivate: true, MaxRetries: -1}, zerolog.Nop())
	runner := job.New(cfg, client, f, job.WithPublisher(pub))
	h := httptest.NewServer(httpapi.NewMux(&service{runner: runner, url: srv.URL}))
	t.Cleanup(h.Close)
	return &stack{comfy: srv, runner: runner, pub: pub, http: h, tmp: cfg.TempDir}
}

func pngBase64(t *testing.T, w, h int, c color.Color) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString(pngData(t, w, h, c))
}

func pngData(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
