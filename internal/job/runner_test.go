package job

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relightd/internal/comfy"
	"relightd/internal/comfy/comfytest"
	"relightd/internal/dedup"
	"relightd/internal/events"
	"relightd/internal/fetch"
	"relightd/internal/workflow"
)

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

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

type fixture struct {
	srv    *comfytest.Server
	runner *Runner
	pub    *events.Memory
	tmp    string
}

func newFixture(t *testing.T, srv *comfytest.Server, cfg Config, opts ...Option) *fixture {
	t.Helper()
	t.Cleanup(srv.Close)
	client, err := comfy.New(srv.URL, comfy.WithRequestTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	tmp := t.TempDir()
	cfg.TempDir = tmp
	if cfg.ExecutionTimeout == 0 {
		cfg.ExecutionTimeout = 5 * time.Second
	}
	pub := events.NewMemory()
	opts = append([]Option{WithPublisher(pub), WithLogger(zerolog.Nop())}, opts...)
	f := fetch.New(fetch.Config{AllowPrivate: true, MaxRetries: -1}, zerolog.Nop())
	return &fixture{srv: srv, runner: New(cfg, client, f, opts...), pub: pub, tmp: tmp}
}

func (f *fixture) assertScopesRemoved(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.tmp)
	if err != nil {
		t.Fatalf("read tmp: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("request scope left behind: %d entries", len(entries))
	}
}

func inlineRequest(t *testing.T) Request {
	return Request{
		Main:      ParseSource(b64(pngData(t, 8, 6, color.NRGBA{R: 200, A: 255}))),
		Reference: ParseSource("data:image/png;base64," + b64(pngData(t, 4, 4, color.NRGBA{B: 200, A: 128}))),
	}
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func TestRunSuccess(t *testing.T) {
	fx := newFixture(t, comfytest.New(), Config{})
	resp, err := fx.runner.Run(context.Background(), inlineRequest(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Status != "success" || resp.PromptID == "" || len(resp.Images) != 1 {
		t.Fatalf("resp=%+v", resp)
	}
	img := resp.Images[0]
	if img.FileName != "ComfyUI_00001_.png" || img.ContentType != "image/png" || !strings.HasPrefix(img.URL, "data:image/png;base64,") {
		t.Fatalf("image=%+v", img)
	}

	calls := fx.srv.Calls()
	ws, prompt, complete, history := indexOf(calls, "ws"), indexOf(calls, "prompt"), indexOf(calls, "complete"), indexOf(calls, "history")
	if ws < 0 || ws > prompt {
		t.Fatalf("watcher not opened before submit: %v", calls)
	}
	if fx.srv.Count("complete") != 1 || complete > history {
		t.Fatalf("history fetched before completion: %v", calls)
	}
	if fx.srv.Count("upload") != 2 || fx.srv.Count("view") != 1 {
		t.Fatalf("calls=%v", calls)
	}

	prompts := fx.srv.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("prompts=%d", len(prompts))
	}
	uploads := fx.srv.Uploads()
	for node, prefix := range map[string]string{workflow.NodeMainImage: "main_", workflow.NodeReferenceImage: "reference_"} {
		n := prompts[0][node].(map[string]any)
		name, _ := n["inputs"].(map[string]any)["image"].(string)
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".png") {
			t.Fatalf("node %s image=%q", node, name)
		}
		data, ok := uploads[name]
		if !ok {
			t.Fatalf("node %s references %q which was not uploaded", node, name)
		}
		if _, err := png.Decode(bytes.NewReader(data)); err != nil {
			t.Fatalf("uploaded %s is not a PNG: %v", name, err)
		}
	}

	names := strings.Join(fx.pub.Names(), ",")
	if names != "job_submitted,job_completed,artifact_fetched" {
		t.Fatalf("events=%s", names)
	}
	fx.assertScopesRemoved(t)
	if st := fx.runner.Stats(); st.Succeeded != 1 || st.Failed != 0 || st.Inflight != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestRunFreshSeedsPerRequest(t *testing.T) {
	fx := newFixture(t, comfytest.New(), Config{})
	req := inlineRequest(t)
	for i := 0; i < 2; i++ {
		if _, err := fx.runner.Run(context.Background(), req); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	p := fx.srv.Prompts()
	s0 := p[0][workflow.NodeSampler].(map[string]any)["inputs"].(map[string]any)["seed"]
	s1 := p[1][workflow.NodeSampler].(map[string]any)["inputs"].(map[string]any)["seed"]
	if s0 == s1 {
		t.Fatalf("seed reused across requests: %v", s0)
	}
}

func TestRunExecutionErrorCleansUp(t *testing.T) {
	srv := comfytest.New()
	srv.FailNode = "14"
	fx := newFixture(t, srv, Config{})
	_, err := fx.runner.Run(context.Background(), inlineRequest(t))
	if !IsExecutionFailed(err) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if fx.srv.Count("history") != 0 {
		t.Fatalf("history fetched after failure")
	}
	fx.assertScopesRemoved(t)
	names := fx.pub.Names()
	if names[len(names)-1] != "job_failed" {
		t.Fatalf("events=%v", names)
	}
}

func TestRunTimeout(t *testing.T) {
	srv := comfytest.New()
	srv.Hang = true
	fx := newFixture(t, srv, Config{ExecutionTimeout: 200 * time.Millisecond})
	start := time.Now()
	resp, err := fx.runner.Run(context.Background(), inlineRequest(t))
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if resp.PromptID == "" {
		t.Fatalf("prompt id not reported on timeout")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not honored")
	}
	if fx.srv.Count("history") != 0 {
		t.Fatalf("history fetched after timeout")
	}
	fx.assertScopesRemoved(t)
}

func TestRunValidation(t *testing.T) {
	fx := newFixture(t, comfytest.New(), Config{})
	good := b64(pngData(t, 2, 2, color.White))
	cases := map[string]Request{
		"missing":     {Main: ParseSource(good)},
		"bad base64":  {Main: ParseSource("%%%not-base64%%%"), Reference: ParseSource(good)},
		"not image":   {Main: ParseSource(b64([]byte("hello, world"))), Reference: ParseSource(good)},
		"bad datauri": {Main: ParseSource("data:image/png," + good), Reference: ParseSource(good)},
	}
	for name, req := range cases {
		if _, err := fx.runner.Run(context.Background(), req); !IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if fx.srv.Count("prompt") != 0 {
		t.Fatalf("invalid input reached the server")
	}
	fx.assertScopesRemoved(t)
}

func TestRunURLInputs(t *testing.T) {
	red := pngData(t, 5, 5, color.NRGBA{R: 255, A: 255})
	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(red)
	}))
	defer imgSrv.Close()
	fx := newFixture(t, comfytest.New(), Config{})
	req := Request{Main: ParseSource(imgSrv.URL + "/a.png"), Reference: Source{URL: imgSrv.URL + "/b.png"}}
	if _, err := fx.runner.Run(context.Background(), req); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fx.srv.Count("upload") != 2 {
		t.Fatalf("uploads=%d", fx.srv.Count("upload"))
	}
}

func TestRunBlockedURLNeverUploads(t *testing.T) {
	srv := comfytest.New()
	t.Cleanup(srv.Close)
	client, _ := comfy.New(srv.URL)
	r := New(Config{TempDir: t.TempDir()}, client, fetch.New(fetch.Config{}, zerolog.Nop()))
	good := b64(pngData(t, 2, 2, color.White))
	_, err := r.Run(context.Background(), Request{Main: ParseSource("http://127.0.0.1:1/x.png"), Reference: ParseSource(good)})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if srv.Count("upload") != 0 {
		t.Fatalf("upload happened for a rejected URL")
	}
}

func TestRunTooBusy(t *testing.T) {
	srv := comfytest.New()
	srv.Hang = true
	fx := newFixture(t, srv, Config{MaxConcurrency: 1, AdmissionWait: 50 * time.Millisecond, ExecutionTimeout: time.Second})
	first := inlineRequest(t)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = fx.runner.Run(context.Background(), first)
	}()
	deadline := time.Now().Add(3 * time.Second)
	for srv.Count("prompt") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	other := Request{Main: ParseSource(b64(pngData(t, 3, 3, color.Black))), Reference: ParseSource(b64(pngData(t, 3, 3, color.White)))}
	if _, err := fx.runner.Run(context.Background(), other); !IsTooBusy(err) {
		t.Fatalf("expected too busy, got %v", err)
	}
	wg.Wait()
}

func TestRunDuplicates(t *testing.T) {
	srv := comfytest.New()
	fx := newFixture(t, srv, Config{DedupWindow: time.Minute, DedupSize: 8})
	req := inlineRequest(t)
	first, err := fx.runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := fx.runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.PromptID != first.PromptID || srv.Count("prompt") != 1 {
		t.Fatalf("completed duplicate re-executed: prompts=%d", srv.Count("prompt"))
	}
}

func TestRunInflightDuplicateRejected(t *testing.T) {
	srv := comfytest.New()
	srv.Hang = true
	fx := newFixture(t, srv, Config{DedupWindow: time.Minute, DedupSize: 8, ExecutionTimeout: time.Second})
	req := inlineRequest(t)
	done := make(chan error, 1)
	go func() {
		_, err := fx.runner.Run(context.Background(), req)
		done <- err
	}()
	deadline := time.Now().Add(3 * time.Second)
	for srv.Count("prompt") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := fx.runner.Run(context.Background(), req); !IsDuplicate(err) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := <-done; !IsTimeout(err) {
		t.Fatalf("first run: %v", err)
	}
	// a failed run releases its key
	if state, _ := fx.runner.cache.Begin(dedupKey(req)); state != dedup.Miss {
		t.Fatalf("key still held after failure: %v", state)
	}
}

func TestRunNotReady(t *testing.T) {
	fx := newFixture(t, comfytest.New(), Config{}, WithReadiness(func() bool { return false }))
	if _, err := fx.runner.Run(context.Background(), inlineRequest(t)); !IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestRunServerDown(t *testing.T) {
	srv := comfytest.New()
	fx := newFixture(t, srv, Config{})
	srv.Close()
	if _, err := fx.runner.Run(context.Background(), inlineRequest(t)); !IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	fx.assertScopesRemoved(t)
}

func TestRunPromptRejected(t *testing.T) {
	srv := comfytest.New()
	srv.RejectPrompt = true
	fx := newFixture(t, srv, Config{})
	if _, err := fx.runner.Run(context.Background(), inlineRequest(t)); !IsExecutionFailed(err) {
		t.Fatalf("expected execution failure, got %v", err)
	}
}

func TestRunNoOutputs(t *testing.T) {
	srv := comfytest.New()
	srv.Outputs = nil
	fx := newFixture(t, srv, Config{})
	if _, err := fx.runner.Run(context.Background(), inlineRequest(t)); !IsExecutionFailed(err) {
		t.Fatalf("expected execution failure, got %v", err)
	}
}

func TestRunSingleImageIsOwnReference(t *testing.T) {
	fx := newFixture(t, comfytest.New(), Config{})
	req := Request{Main: ParseSource(b64(pngData(t, 6, 6, color.NRGBA{G: 180, A: 255})))}
	resp, err := fx.runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Status != "success" || len(resp.Images) != 1 {
		t.Fatalf("resp=%+v", resp)
	}
	if fx.srv.Count("upload") != 1 {
		t.Fatalf("uploads=%d, want the lone image uploaded once", fx.srv.Count("upload"))
	}
	p := fx.srv.Prompts()[0]
	image := func(node string) string {
		s, _ := p[node].(map[string]any)["inputs"].(map[string]any)["image"].(string)
		return s
	}
	if main := image(workflow.NodeMainImage); !strings.HasPrefix(main, "main_") || image(workflow.NodeReferenceImage) != main {
		t.Fatalf("main=%q reference=%q", main, image(workflow.NodeReferenceImage))
	}
	fx.assertScopesRemoved(t)
}

func TestRunMissingMainImage(t *testing.T) {
	fx := newFixture(t, comfytest.New(), Config{})
	req := Request{Reference: ParseSource(b64(pngData(t, 2, 2, color.White)))}
	if _, err := fx.runner.Run(context.Background(), req); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if fx.srv.Count("upload") != 0 {
		t.Fatalf("server touched for invalid request")
	}
}

func TestRunLargeResponseNotCached(t *testing.T) {
	srv := comfytest.New()
	fx := newFixture(t, srv, Config{DedupWindow: time.Minute, DedupSize: 8, DedupMaxBytes: 64})
	req := inlineRequest(t)
	for i := 0; i < 2; i++ {
		if _, err := fx.runner.Run(context.Background(), req); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if fx.runner.cache.Len() != 0 || fx.runner.cache.Bytes() != 0 {
		t.Fatalf("oversized response resident: len=%d bytes=%d", fx.runner.cache.Len(), fx.runner.cache.Bytes())
	}
	if srv.Count("prompt") != 2 {
		t.Fatalf("prompts=%d, want each run executed", srv.Count("prompt"))
	}
}
