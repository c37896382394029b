package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestExpandHome(t *testing.T) {
	// Set a deterministic HOME for the duration of this test so we never skip.
	origHome, hadHome := os.LookupEnv("HOME")
	origUserProfile, hadUserProfile := os.LookupEnv("USERPROFILE")
	t.Cleanup(func() {
		if hadHome {
			_ = os.Setenv("HOME", origHome)
		} else {
			_ = os.Unsetenv("HOME")
		}
		if hadUserProfile {
			_ = os.Setenv("USERPROFILE", origUserProfile)
		} else {
			_ = os.Unsetenv("USERPROFILE")
		}
	})

	home := t.TempDir()
	// Configure both env vars for cross-platform behavior of os.UserHomeDir.
	_ = os.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		_ = os.Setenv("USERPROFILE", home)
	}
	// raw path unaffected
	if got, err := ExpandHome("/tmp"); err != nil || got != "/tmp" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// empty path
	if got, err := ExpandHome(""); err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// ~ expansion
	p, err := ExpandHome("~")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if p != home {
		t.Fatalf("expected %q, got %q", home, p)
	}
	// ~/subdir
	sub := "test-sub"
	exp, err := ExpandHome("~/" + sub)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if runtime.GOOS == "windows" {
		if filepath.Base(exp) != sub {
			t.Fatalf("unexpected expanded path: %q", exp)
		}
	} else {
		expected := filepath.Join(home, sub)
		if exp != expected {
			t.Fatalf("expected %q, got %q", expected, exp)
		}
	}
}

func TestLinkIfAbsent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	d := t.TempDir()
	src := filepath.Join(d, "cache", "w.safetensors")
	if err := EnsureParent(src); err != nil {
		t.Fatalf("ensure parent: %v", err)
	}
	if err := os.WriteFile(src, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dst := filepath.Join(d, "served", "nested", "w.safetensors")
	created, err := LinkIfAbsent(src, dst)
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "weights" {
		t.Fatalf("read through link: %q err=%v", b, err)
	}
	// second call leaves the existing link alone
	created, err = LinkIfAbsent(src, dst)
	if err != nil || created {
		t.Fatalf("second call created=%v err=%v", created, err)
	}
}

func TestLinkIfAbsentKeepsExistingFile(t *testing.T) {
	d := t.TempDir()
	dst := filepath.Join(d, "w.bin")
	if err := os.WriteFile(dst, []byte("mine"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	created, err := LinkIfAbsent(filepath.Join(d, "other"), dst)
	if err != nil || created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if b, _ := os.ReadFile(dst); string(b) != "mine" {
		t.Fatalf("existing file replaced: %q", b)
	}
}

func TestPathExistsDanglingLink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	d := t.TempDir()
	link := filepath.Join(d, "dangling")
	if err := os.Symlink(filepath.Join(d, "missing"), link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if !PathExists(link) {
		t.Fatalf("dangling link should count as present")
	}
	if PathExists(filepath.Join(d, "nope")) {
		t.Fatalf("missing path reported present")
	}
}
