// Package registry lists the weight files the light-migration pipeline needs
// and loads alternative manifests from disk.
package registry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"relightd/internal/common/fsutil"
	"relightd/pkg/types"
)

// Default returns the weights referenced by the embedded workflow.
func Default() []types.ModelDescriptor {
	return []types.ModelDescriptor{
		{
			Name:   "qwen-image-edit-2509",
			URL:    "https://huggingface.co/Comfy-Org/Qwen-Image-Edit_ComfyUI/resolve/main/split_files/diffusion_models/qwen_image_edit_2509_fp8_e4m3fn.safetensors",
			Path:   "/data/models/diffusion_models/Qwen-Image-Edit-2509_fp8_e4m3fn.safetensors",
			Target: "/comfyui/models/diffusion_models/Qwen-Image-Edit-2509_fp8_e4m3fn.safetensors",
		},
		{
			Name:   "qwen-image-vae",
			URL:    "https://huggingface.co/Comfy-Org/Qwen-Image_ComfyUI/resolve/main/split_files/vae/qwen_image_vae.safetensors",
			Path:   "/data/models/vae/qwen_image_vae.safetensors",
			Target: "/comfyui/models/vae/qwen_image_vae.safetensors",
		},
		{
			Name:   "qwen-2.5-vl-7b",
			URL:    "https://huggingface.co/Comfy-Org/Qwen-Image_ComfyUI/resolve/main/split_files/text_encoders/qwen_2.5_vl_7b.safetensors",
			Path:   "/data/models/text_encoders/qwen_2.5_vl_7b.safetensors",
			Target: "/comfyui/models/text_encoders/qwen_2.5_vl_7b.safetensors",
		},
		{
			Name:   "light-migration-lora",
			URL:    "https://huggingface.co/dx8152/Qwen-Edit-2509-Light-Migration/resolve/main/%E5%8F%82%E8%80%83%E8%89%B2%E8%B0%83.safetensors",
			Path:   "/data/models/loras/参考色调.safetensors",
			Target: "/comfyui/models/loras/参考色调.safetensors",
		},
		{
			Name:   "qwen-image-lightning-8steps",
			URL:    "https://huggingface.co/lightx2v/Qwen-Image-Lightning/resolve/main/Qwen-Image-Lightning-8steps-V2.0.safetensors",
			Path:   "/data/models/loras/Qwen-Image-Lightning-8steps-V2.0.safetensors",
			Target: "/comfyui/models/loras/Qwen-Image-Lightning-8steps-V2.0.safetensors",
		},
	}
}

type manifest struct {
	Models []types.ModelDescriptor `json:"models" yaml:"models" toml:"models"`
}

// LoadManifest reads descriptors from a .yaml/.yml, .json or .toml file with
// a top-level "models" list. Paths have '~' expanded.
func LoadManifest(path string) ([]types.ModelDescriptor, error) {
	if path == "" {
		return nil, fmt.Errorf("empty manifest path")
	}
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var m manifest
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &m)
	case ".json":
		err = json.Unmarshal(b, &m)
	case ".toml":
		err = toml.Unmarshal(b, &m)
	default:
		return nil, fmt.Errorf("unsupported manifest extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", p, err)
	}
	return Normalize(m.Models)
}

// Normalize expands '~' in paths, fills missing names and validates each entry.
func Normalize(descs []types.ModelDescriptor) ([]types.ModelDescriptor, error) {
	out := make([]types.ModelDescriptor, 0, len(descs))
	for i, d := range descs {
		var err error
		if d.Path, err = fsutil.ExpandHome(strings.TrimSpace(d.Path)); err != nil {
			return nil, err
		}
		if d.Target, err = fsutil.ExpandHome(strings.TrimSpace(d.Target)); err != nil {
			return nil, err
		}
		if d.Name == "" {
			d.Name = filepath.Base(d.Path)
		}
		if err := Validate(d); err != nil {
			return nil, fmt.Errorf("model %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Validate checks that a descriptor can be provisioned.
func Validate(d types.ModelDescriptor) error {
	if strings.TrimSpace(d.URL) == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if d.Path == "" || d.Target == "" {
		return fmt.Errorf("path and target are required")
	}
	if filepath.Clean(d.Path) == filepath.Clean(d.Target) {
		return fmt.Errorf("path and target must differ")
	}
	return nil
}
