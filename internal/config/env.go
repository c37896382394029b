package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "RELIGHTD_"

type envSetter func(c *Config, v string) error

func setString(dst func(*Config) *string) envSetter {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func setInt(dst func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func setInt64(dst func(*Config) *int64) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func setFloat(dst func(*Config) *float64) envSetter {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}
}

func setBool(dst func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func setDuration(dst func(*Config) *Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = Duration(d)
		return nil
	}
}

func setList(dst func(*Config) *[]string) envSetter {
	return func(c *Config, v string) error {
		*dst(c) = splitCSV(v)
		return nil
	}
}

var envSetters = map[string]envSetter{
	"ADDR":              setString(func(c *Config) *string { return &c.Addr }),
	"MAX_BODY_BYTES":    setInt64(func(c *Config) *int64 { return &c.MaxBodyBytes }),
	"LOG_LEVEL":         setString(func(c *Config) *string { return &c.Log.Level }),
	"LOG_FORMAT":        setString(func(c *Config) *string { return &c.Log.Format }),
	"TRACING_ENABLED":   setBool(func(c *Config) *bool { return &c.Tracing.Enabled }),
	"OTLP_ENDPOINT":     setString(func(c *Config) *string { return &c.Tracing.Endpoint }),
	"OTLP_INSECURE":     setBool(func(c *Config) *bool { return &c.Tracing.Insecure }),
	"CORS_ENABLED":      setBool(func(c *Config) *bool { return &c.CORS.Enabled }),
	"CORS_ORIGINS":      setList(func(c *Config) *[]string { return &c.CORS.Origins }),
	"COMFY_URL":         setString(func(c *Config) *string { return &c.Comfy.URL }),
	"COMFY_PYTHON":      setString(func(c *Config) *string { return &c.Comfy.Python }),
	"COMFY_MAIN":        setString(func(c *Config) *string { return &c.Comfy.MainScript }),
	"COMFY_HOST":        setString(func(c *Config) *string { return &c.Comfy.Host }),
	"COMFY_PORT":        setInt(func(c *Config) *int { return &c.Comfy.Port }),
	"COMFY_EXTRA_ARGS":  setList(func(c *Config) *[]string { return &c.Comfy.ExtraArgs }),
	"MODELS_MANIFEST":   setString(func(c *Config) *string { return &c.Models.Manifest }),
	"SKIP_PROVISION":    setBool(func(c *Config) *bool { return &c.Models.SkipProvision }),
	"FETCH_MAX_BYTES":   setInt64(func(c *Config) *int64 { return &c.Fetch.MaxBytes }),
	"FETCH_MAX_RETRIES": setInt(func(c *Config) *int { return &c.Fetch.MaxRetries }),
	"MAX_CONCURRENCY":   setInt(func(c *Config) *int { return &c.Job.MaxConcurrency }),
	"ADMISSION_WAIT":    setDuration(func(c *Config) *Duration { return &c.Job.AdmissionWait }),
	"EXECUTION_TIMEOUT": setDuration(func(c *Config) *Duration { return &c.Job.ExecutionTimeout }),
	"MAX_SIDE":          setInt(func(c *Config) *int { return &c.Job.MaxSide }),
	"TEMP_DIR":          setString(func(c *Config) *string { return &c.Job.TempDir }),
	"CFG":               setFloat(func(c *Config) *float64 { return &c.Job.Overrides.CFG }),
	"DENOISE":           setFloat(func(c *Config) *float64 { return &c.Job.Overrides.Denoise }),
	"MAX_RESOLUTION":    setInt(func(c *Config) *int { return &c.Job.Overrides.MaxResolution }),
	"DEDUP_WINDOW":      setDuration(func(c *Config) *Duration { return &c.Dedup.Window }),
	"DEDUP_SIZE":        setInt(func(c *Config) *int { return &c.Dedup.Size }),
	"DEDUP_MAX_BYTES":   setInt64(func(c *Config) *int64 { return &c.Dedup.MaxBytes }),
	"SINK":              setString(func(c *Config) *string { return &c.Artifacts.Sink }),
	"S3_BUCKET":         setString(func(c *Config) *string { return &c.Artifacts.S3.Bucket }),
	"S3_REGION":         setString(func(c *Config) *string { return &c.Artifacts.S3.Region }),
	"S3_ENDPOINT":       setString(func(c *Config) *string { return &c.Artifacts.S3.Endpoint }),
	"S3_ACCESS_KEY":     setString(func(c *Config) *string { return &c.Artifacts.S3.AccessKey }),
	"S3_SECRET_KEY":     setString(func(c *Config) *string { return &c.Artifacts.S3.SecretKey }),
	"S3_FOLDER":         setString(func(c *Config) *string { return &c.Artifacts.S3.Folder }),
	"S3_PUBLIC_URL":     setString(func(c *Config) *string { return &c.Artifacts.S3.PublicURL }),
}

// ApplyEnv overlays RELIGHTD_* variables onto c. Empty values are ignored.
func (c *Config) ApplyEnv() error {
	for key, set := range envSetters {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
	}
	return nil
}

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
