package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestDefaultDescriptorsValid(t *testing.T) {
	descs, err := Normalize(Default())
	if err != nil {
		t.Fatalf("default invalid: %v", err)
	}
	if len(descs) != 5 {
		t.Fatalf("expected 5 models, got %d", len(descs))
	}
	for _, d := range descs {
		if !strings.HasPrefix(d.Target, "/comfyui/models/") {
			t.Fatalf("unexpected target %s", d.Target)
		}
	}
}

func TestLoadManifestYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "models.yaml", "models:\n  - url: https://example.com/a.safetensors\n    path: /cache/a.safetensors\n    target: /comfy/a.safetensors\n")
	descs, err := LoadManifest(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(descs) != 1 || descs[0].Name != "a.safetensors" {
		t.Fatalf("unexpected: %+v", descs)
	}
}

func TestLoadManifestJSONAndTOML(t *testing.T) {
	d := t.TempDir()
	pj := writeTempFile(t, d, "m.json", `{"models":[{"name":"x","url":"http://h/x","path":"/c/x","target":"/t/x"}]}`)
	if descs, err := LoadManifest(pj); err != nil || len(descs) != 1 || descs[0].Name != "x" {
		t.Fatalf("json: %+v err=%v", descs, err)
	}
	pt := writeTempFile(t, d, "m.toml", "[[models]]\nname=\"y\"\nurl=\"https://h/y\"\npath=\"/c/y\"\ntarget=\"/t/y\"\n")
	if descs, err := LoadManifest(pt); err != nil || len(descs) != 1 || descs[0].Name != "y" {
		t.Fatalf("toml: %+v err=%v", descs, err)
	}
}

func TestLoadManifestErrors(t *testing.T) {
	if _, err := LoadManifest(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "m.txt", "nope")
	if _, err := LoadManifest(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	bad := writeTempFile(t, d, "bad.yaml", "models:\n  - url: ftp://h/x\n    path: /c/x\n    target: /t/x\n")
	if _, err := LoadManifest(bad); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestValidateRejectsSamePath(t *testing.T) {
	d := Default()[0]
	d.Target = d.Path
	if err := Validate(d); err == nil {
		t.Fatalf("expected error")
	}
}
