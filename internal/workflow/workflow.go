// Package workflow holds the light-migration node graph submitted to ComfyUI
// and the per-request mutations applied to a copy of it.
package workflow

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math/rand/v2"
)

// Node ids the runner mutates per request.
const (
	NodeMainImage      = "31"
	NodeReferenceImage = "7"
	NodeSampler        = "14"
	NodeUpscaler       = "85"
	NodeSave           = "87"
)

// maxSeed keeps seeds inside the range ComfyUI accepts for both samplers.
const maxSeed = 1 << 50

//go:embed light_migration.json
var lightMigrationJSON []byte

// Node is one operation in the graph. Inputs hold either literal values or
// [nodeID, outputIndex] links to other nodes.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph maps node id to node.
type Graph map[string]*Node

// Template is an immutable graph shared across requests. Callers only ever
// see deep copies via Clone.
type Template struct {
	graph Graph
}

// Overrides are server-side sampler settings. Zero values keep the
// template's own values.
type Overrides struct {
	CFG           float64 `json:"cfg" yaml:"cfg" toml:"cfg"`
	Denoise       float64 `json:"denoise" yaml:"denoise" toml:"denoise"`
	MaxResolution int     `json:"max_resolution" yaml:"max_resolution" toml:"max_resolution"`
}

// Params are the per-request substitutions.
type Params struct {
	MainImage      string
	ReferenceImage string
	// Seed is used for both samplers; 0 draws a fresh random seed.
	Seed      int64
	Overrides Overrides
}

// LightMigration parses the embedded graph.
func LightMigration() (*Template, error) {
	return Parse(lightMigrationJSON)
}

// MustLightMigration is LightMigration for package-level initialisation.
func MustLightMigration() *Template {
	t, err := LightMigration()
	if err != nil {
		panic(err)
	}
	return t
}

// Parse builds a template from a JSON graph and checks that every node the
// runner mutates is present with the expected class.
func Parse(b []byte) (*Template, error) {
	var g Graph
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	required := map[string]string{
		NodeMainImage:      "LoadImage",
		NodeReferenceImage: "LoadImage",
		NodeSampler:        "KSampler",
		NodeUpscaler:       "SeedVR2VideoUpscaler",
	}
	for id, class := range required {
		n, ok := g[id]
		if !ok || n == nil {
			return nil, fmt.Errorf("workflow missing node %s (%s)", id, class)
		}
		if n.ClassType != class {
			return nil, fmt.Errorf("workflow node %s is %q, want %q", id, n.ClassType, class)
		}
		if n.Inputs == nil {
			n.Inputs = map[string]any{}
		}
	}
	return &Template{graph: g}, nil
}

// Clone returns a deep copy of the graph that is safe to mutate.
func (t *Template) Clone() Graph {
	out := make(Graph, len(t.graph))
	for id, n := range t.graph {
		if n == nil {
			continue
		}
		out[id] = &Node{ClassType: n.ClassType, Inputs: deepCopyMap(n.Inputs)}
	}
	return out
}

// Node returns a copy of a single node, mainly for inspection.
func (t *Template) Node(id string) (Node, bool) {
	n, ok := t.graph[id]
	if !ok || n == nil {
		return Node{}, false
	}
	return Node{ClassType: n.ClassType, Inputs: deepCopyMap(n.Inputs)}, true
}

// Build clones the template and applies p to the copy.
func (t *Template) Build(p Params) (Graph, error) {
	g := t.Clone()
	if err := g.Apply(p); err != nil {
		return nil, err
	}
	return g, nil
}

// Apply writes the request parameters into g in place. g must be a clone.
func (g Graph) Apply(p Params) error {
	if p.MainImage == "" || p.ReferenceImage == "" {
		return fmt.Errorf("both image filenames are required")
	}
	if err := g.set(NodeMainImage, "image", p.MainImage); err != nil {
		return err
	}
	if err := g.set(NodeReferenceImage, "image", p.ReferenceImage); err != nil {
		return err
	}
	seed := p.Seed
	if seed <= 0 {
		seed = RandomSeed()
	}
	if err := g.set(NodeSampler, "seed", seed); err != nil {
		return err
	}
	// SeedVR2 takes a 32-bit seed.
	if err := g.set(NodeUpscaler, "seed", seed%(1<<32-1)); err != nil {
		return err
	}
	if p.Overrides.CFG > 0 {
		if err := g.set(NodeSampler, "cfg", p.Overrides.CFG); err != nil {
			return err
		}
	}
	if p.Overrides.Denoise > 0 {
		if err := g.set(NodeSampler, "denoise", p.Overrides.Denoise); err != nil {
			return err
		}
	}
	if p.Overrides.MaxResolution > 0 {
		if err := g.set(NodeUpscaler, "max_resolution", p.Overrides.MaxResolution); err != nil {
			return err
		}
	}
	return nil
}

func (g Graph) set(id, key string, v any) error {
	n, ok := g[id]
	if !ok || n == nil {
		return fmt.Errorf("workflow missing node %s", id)
	}
	if n.Inputs == nil {
		n.Inputs = map[string]any{}
	}
	n.Inputs[key] = v
	return nil
}

// Input returns the raw input value of a node.
func (g Graph) Input(id, key string) (any, bool) {
	n, ok := g[id]
	if !ok || n == nil {
		return nil, false
	}
	v, ok := n.Inputs[key]
	return v, ok
}

// RandomSeed draws a seed in [1, maxSeed).
func RandomSeed() int64 {
	return rand.Int64N(maxSeed-1) + 1
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopyMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = deepCopyValue(x[i])
		}
		return out
	default:
		return x
	}
}
