package e2e

import (
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"relightd/internal/comfy/comfytest"
	"relightd/internal/job"
	"relightd/pkg/types"
)

func TestE2E_RelightInline(t *testing.T) {
	st := newStack(t, comfytest.New(), job.Config{})
	body := fmt.Sprintf(`{"input":{"image1":%q,"image2":%q}}`,
		pngBase64(t, 16, 9, color.NRGBA{R: 220, A: 255}),
		"data:image/png;base64,"+pngBase64(t, 8, 8, color.NRGBA{B: 220, A: 255}))
	resp, raw := httpPostJSON(t, st.http.URL+"/", []byte(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
	}
	var out types.RunResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("json: %v", err)
	}
	if out.Status != "success" || len(out.Images) != 1 || !strings.HasPrefix(out.Images[0].URL, "data:image/png;base64,") {
		t.Fatalf("response=%+v", out)
	}
	if got := st.comfy.Count("complete"); got != 1 {
		t.Fatalf("completions=%d", got)
	}
	entries, _ := os.ReadDir(st.tmp)
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %d", len(entries))
	}

	_, sraw := httpGet(t, st.http.URL+"/status")
	var status types.StatusResponse
	if err := json.Unmarshal(sraw, &status); err != nil {
		t.Fatalf("status json: %v", err)
	}
	if status.JobsSucceeded != 1 || status.Inflight != 0 {
		t.Fatalf("status=%+v", status)
	}
}

func TestE2E_RelightFromURLs(t *testing.T) {
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngData(t, 12, 12, color.NRGBA{G: 180, A: 255}))
	}))
	defer images.Close()

	st := newStack(t, comfytest.New(), job.Config{})
	body := fmt.Sprintf(`{"image1_url":%q,"image2":%q}`, images.URL+"/a.png", images.URL+"/b.png")
	resp, raw := httpPostJSON(t, st.http.URL+"/run", []byte(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
	}
	if got := st.comfy.Count("upload"); got != 2 {
		t.Fatalf("uploads=%d", got)
	}
}

func TestE2E_ExecutionFailureMaps502(t *testing.T) {
	srv := comfytest.New()
	srv.FailNode = "14"
	st := newStack(t, srv, job.Config{})
	body := fmt.Sprintf(`{"image1":%q,"image2":%q}`, pngBase64(t, 4, 4, color.White), pngBase64(t, 4, 4, color.Black))
	resp, raw := httpPostJSON(t, st.http.URL+"/", []byte(body))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
	}
	var e types.ErrorResponse
	if err := json.Unmarshal(raw, &e); err != nil || e.Code != http.StatusBadGateway {
		t.Fatalf("error body=%s", raw)
	}
	if st.comfy.Count("history") != 0 {
		t.Fatalf("results fetched after failure")
	}
}

func TestE2E_InvalidImageMaps400(t *testing.T) {
	st := newStack(t, comfytest.New(), job.Config{})
	resp, raw := httpPostJSON(t, st.http.URL+"/", []byte(`{"image1":"bm90IGFuIGltYWdl","image2":"bm90IGFuIGltYWdl"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
	}
	if st.comfy.Count("upload") != 0 {
		t.Fatalf("invalid input reached the image server")
	}
}

// TestE2E_Backpressure429 verifies a second job gets 429 while the only slot
// is held by a job that never completes, and the held job ends in 504.
func TestE2E_Backpressure429(t *testing.T) {
	srv := comfytest.New()
	srv.Hang = true
	st := newStack(t, srv, job.Config{
		MaxConcurrency:   1,
		AdmissionWait:    5 * time.Millisecond,
		ExecutionTimeout: 400 * time.Millisecond,
	})
	post := func(c color.Color) int {
		body := fmt.Sprintf(`{"image1":%q,"image2":%q}`, pngBase64(t, 4, 4, c), pngBase64(t, 4, 4, color.Black))
		resp, _ := httpPostJSON(t, st.http.URL+"/", []byte(body))
		return resp.StatusCode
	}

	first := make(chan int, 1)
	go func() { first <- post(color.White) }()
	deadline := time.Now().Add(2 * time.Second)
	for st.runner.Stats().Inflight == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first job never admitted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if code := post(color.NRGBA{R: 1, A: 255}); code != http.StatusTooManyRequests {
		t.Fatalf("second job status=%d, want 429", code)
	}
	if code := <-first; code != http.StatusGatewayTimeout {
		t.Fatalf("held job status=%d, want 504", code)
	}
}
