package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"relightd/internal/artifact"
	"relightd/internal/workflow"
)

// Duration decodes from strings such as "90s" or "10m" in every supported
// format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Config holds runtime parameters for the service. Load starts from
// Default, so a file only needs the keys it changes.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`

	Log       LogConfig       `json:"log" yaml:"log" toml:"log"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing" toml:"tracing"`
	CORS      CORSConfig      `json:"cors" yaml:"cors" toml:"cors"`
	Comfy     ComfyConfig     `json:"comfy" yaml:"comfy" toml:"comfy"`
	Models    ModelsConfig    `json:"models" yaml:"models" toml:"models"`
	Fetch     FetchConfig     `json:"fetch" yaml:"fetch" toml:"fetch"`
	Job       JobConfig       `json:"job" yaml:"job" toml:"job"`
	Dedup     DedupConfig     `json:"dedup" yaml:"dedup" toml:"dedup"`
	Artifacts ArtifactsConfig `json:"artifacts" yaml:"artifacts" toml:"artifacts"`
}

type LogConfig struct {
	// Level is a zerolog level name.
	Level string `json:"level" yaml:"level" toml:"level"`
	// Format is "console" or "json".
	Format string `json:"format" yaml:"format" toml:"format"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" toml:"sample_ratio"`
}

type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

type ComfyConfig struct {
	// URL points at an already running server; when set nothing is spawned.
	URL           string   `json:"url" yaml:"url" toml:"url"`
	Python        string   `json:"python" yaml:"python" toml:"python"`
	MainScript    string   `json:"main_script" yaml:"main_script" toml:"main_script"`
	WorkDir       string   `json:"work_dir" yaml:"work_dir" toml:"work_dir"`
	Host          string   `json:"host" yaml:"host" toml:"host"`
	Port          int      `json:"port" yaml:"port" toml:"port"`
	ExtraArgs     []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
	ReadyRetries  int      `json:"ready_retries" yaml:"ready_retries" toml:"ready_retries"`
	ReadyInterval Duration `json:"ready_interval" yaml:"ready_interval" toml:"ready_interval"`
	StopGrace     Duration `json:"stop_grace" yaml:"stop_grace" toml:"stop_grace"`
	// RequestTimeout bounds each HTTP call to the server.
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
}

type ModelsConfig struct {
	// Manifest overrides the built-in model list.
	Manifest string `json:"manifest" yaml:"manifest" toml:"manifest"`
	// SkipProvision trusts that weights are already in place.
	SkipProvision bool `json:"skip_provision" yaml:"skip_provision" toml:"skip_provision"`
}

type FetchConfig struct {
	MaxBytes   int64    `json:"max_bytes" yaml:"max_bytes" toml:"max_bytes"`
	MaxRetries int      `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	Timeout    Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	// AllowPrivate disables SSRF address checks. Tests only.
	AllowPrivate bool `json:"allow_private" yaml:"allow_private" toml:"allow_private"`
}

type JobConfig struct {
	MaxConcurrency   int                `json:"max_concurrency" yaml:"max_concurrency" toml:"max_concurrency"`
	AdmissionWait    Duration           `json:"admission_wait" yaml:"admission_wait" toml:"admission_wait"`
	ExecutionTimeout Duration           `json:"execution_timeout" yaml:"execution_timeout" toml:"execution_timeout"`
	MaxSide          int                `json:"max_side" yaml:"max_side" toml:"max_side"`
	TempDir          string             `json:"temp_dir" yaml:"temp_dir" toml:"temp_dir"`
	Overrides        workflow.Overrides `json:"overrides" yaml:"overrides" toml:"overrides"`
}

type DedupConfig struct {
	Window Duration `json:"window" yaml:"window" toml:"window"`
	Size   int      `json:"size" yaml:"size" toml:"size"`
	// MaxBytes caps the memory held by cached responses; larger responses
	// are not cached.
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes" toml:"max_bytes"`
}

type ArtifactsConfig struct {
	// Sink is "local" (inline data URIs) or "s3".
	Sink string            `json:"sink" yaml:"sink" toml:"sink"`
	S3   artifact.S3Config `json:"s3" yaml:"s3" toml:"s3"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Addr:         ":8080",
		MaxBodyBytes: 64 << 20,
		Log:          LogConfig{Level: "info", Format: "json"},
		Tracing:      TracingConfig{ServiceName: "relightd", SampleRatio: 1},
		CORS: CORSConfig{
			Methods: []string{"GET", "POST", "OPTIONS"},
			Headers: []string{"Content-Type", "Authorization", "X-Log-Level"},
		},
		Comfy: ComfyConfig{
			Python:         "python",
			MainScript:     "/comfyui/main.py",
			Host:           "127.0.0.1",
			Port:           8188,
			ReadyRetries:   500,
			ReadyInterval:  Duration(100 * time.Millisecond),
			StopGrace:      Duration(10 * time.Second),
			RequestTimeout: Duration(60 * time.Second),
		},
		Fetch: FetchConfig{
			MaxBytes:   20 << 20,
			MaxRetries: 3,
			Timeout:    Duration(30 * time.Second),
		},
		Job: JobConfig{
			MaxConcurrency:   5,
			AdmissionWait:    Duration(30 * time.Second),
			ExecutionTimeout: Duration(10 * time.Minute),
			MaxSide:          4096,
		},
		Dedup:     DedupConfig{Window: Duration(5 * time.Minute), Size: 128, MaxBytes: 64 << 20},
		Artifacts: ArtifactsConfig{Sink: "local"},
	}
}

// Load reads a configuration file based on its extension on top of Default.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.Comfy.URL == "" {
		if strings.TrimSpace(c.Comfy.Python) == "" {
			errs = append(errs, errors.New("comfy.python is required when comfy.url is unset"))
		}
		if strings.TrimSpace(c.Comfy.MainScript) == "" {
			errs = append(errs, errors.New("comfy.main_script is required when comfy.url is unset"))
		}
		if c.Comfy.Port < 0 || c.Comfy.Port > 65535 {
			errs = append(errs, fmt.Errorf("comfy.port %d out of range", c.Comfy.Port))
		}
	}
	if c.Comfy.ReadyRetries <= 0 {
		errs = append(errs, errors.New("comfy.ready_retries must be positive"))
	}
	if c.Job.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("job.max_concurrency must be positive"))
	}
	if c.Job.ExecutionTimeout <= 0 {
		errs = append(errs, errors.New("job.execution_timeout must be positive"))
	}
	if c.Fetch.MaxBytes <= 0 {
		errs = append(errs, errors.New("fetch.max_bytes must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if c.Dedup.Size < 0 || c.Dedup.Window < 0 || c.Dedup.MaxBytes < 0 {
		errs = append(errs, errors.New("dedup window, size and max_bytes must not be negative"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	switch c.Artifacts.Sink {
	case "local":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			errs = append(errs, errors.New("artifacts.s3.bucket is required for the s3 sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("artifacts.sink must be local or s3, got %q", c.Artifacts.Sink))
	}
	return errors.Join(errs...)
}
