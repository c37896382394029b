package events

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestMemoryAndMulti(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	m := Multi{a, nil, b}
	m.Publish(Event{Name: "one"})
	m.Publish(Event{Name: "two", Subject: "s"})
	if got := strings.Join(a.Names(), ","); got != "one,two" {
		t.Fatalf("a=%s", got)
	}
	if len(b.Events()) != 2 {
		t.Fatalf("b=%d", len(b.Events()))
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).Level(zerolog.DebugLevel)
	Log{L: l}.Publish(Event{Name: "spawn_ready", Subject: "comfyui", Fields: map[string]any{"pid": 42}})
	out := buf.String()
	if !strings.Contains(out, `"event":"spawn_ready"`) || !strings.Contains(out, `"pid":42`) {
		t.Fatalf("unexpected log: %s", out)
	}
}

func TestOrNoop(t *testing.T) {
	OrNoop(nil).Publish(Event{Name: "x"})
	m := NewMemory()
	OrNoop(m).Publish(Event{Name: "x"})
	if len(m.Events()) != 1 {
		t.Fatalf("expected passthrough")
	}
}
