package e2e

import (
	"encoding/json"
	"fmt"
	"image/color"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"relightd/internal/comfy/comfytest"
	"relightd/pkg/types"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func buildBinary(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/internal/e2e/blackbox_test.go
	root := filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
	bin := filepath.Join(t.TempDir(), "relightd")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/relightd")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, out)
	}
	return bin
}

func TestBlackbox_Flow(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the binary")
	}
	fake := comfytest.New()
	defer fake.Close()
	bin := buildBinary(t)
	port := findFreePort(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	cmd := exec.Command(bin, "serve")
	cmd.Dir = t.TempDir()
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("RELIGHTD_ADDR=127.0.0.1:%d", port),
		"RELIGHTD_COMFY_URL="+fake.URL,
		"RELIGHTD_SKIP_PROVISION=true",
		"RELIGHTD_LOG_FORMAT=console",
		"RELIGHTD_TEMP_DIR="+t.TempDir(),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become ready in time")
		}
		time.Sleep(50 * time.Millisecond)
	}

	body := fmt.Sprintf(`{"image1":%q,"image2":%q}`, pngBase64(t, 6, 6, color.White), pngBase64(t, 6, 6, color.Black))
	resp, raw := httpPostJSON(t, base+"/", []byte(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST / %d %s", resp.StatusCode, raw)
	}

	resp, raw = httpGet(t, base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status %d %s", resp.StatusCode, raw)
	}
	var status types.StatusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		t.Fatalf("/status json: %v", err)
	}
	if !status.Ready || status.ServerURL != fake.URL || status.JobsSucceeded != 1 || len(status.Models) == 0 {
		t.Fatalf("status=%+v", status)
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("exit after SIGTERM: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not exit after SIGTERM")
	}
}
