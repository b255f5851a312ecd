// Package config loads wallsight settings. Layers, lowest first: built-in defaults,
// a YAML file, a .env file, WALLSIGHT_* environment variables. Command-line flags are
// applied on top by the cmd package.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/andresmejia3/wallsight/internal/advisory"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WALLSIGHT_"

// Engine kinds.
const (
	EnginePython = "python"
	EngineHTTP   = "http"
	EngineNone   = "none"
)

// Config is the complete wallsight configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Media    MediaConfig    `yaml:"media"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Locale   string         `yaml:"locale"` // en, id
}

// EngineConfig selects and tunes the detection engine.
type EngineConfig struct {
	Kind            string   `yaml:"kind"`              // python, http, none
	WorkerCmd       []string `yaml:"worker_cmd"`        // argv of the Python worker
	ModelPath       string   `yaml:"model"`             // weights passed to the worker
	InferenceURL    string   `yaml:"inference_url"`     // base URL for the http engine
	Instances       int      `yaml:"instances"`         // engines in the pool
	StartupTimeoutS int      `yaml:"startup_timeout_s"` // model load budget
	RequestTimeoutS int      `yaml:"request_timeout_s"` // per-frame budget
}

// PipelineConfig tunes the annotation pipelines.
type PipelineConfig struct {
	Confidence   float64 `yaml:"confidence"`
	Workers      int     `yaml:"workers"`       // >1 pipelines video frames
	LenientReads bool    `yaml:"lenient_reads"` // treat a failed frame read as end of stream
	FFmpeg       string  `yaml:"ffmpeg"`
	FFprobe      string  `yaml:"ffprobe"`
}

// MediaConfig controls routing and temporary files.
type MediaConfig struct {
	Strict  bool   `yaml:"strict"`
	TempDir string `yaml:"temp_dir"`
}

// ServerConfig controls `wallsight serve`.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
}

// LogConfig controls logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Kind:            EnginePython,
			WorkerCmd:       []string{"python3", "python/worker.py"},
			ModelPath:       "best.pt",
			InferenceURL:    "http://localhost:8000",
			Instances:       1,
			StartupTimeoutS: 120,
			RequestTimeoutS: 60,
		},
		Pipeline: PipelineConfig{
			Confidence: 0.25,
			Workers:    1,
			FFmpeg:     "ffmpeg",
			FFprobe:    "ffprobe",
		},
		Server: ServerConfig{Addr: ":8080", MaxUploadMB: 512},
		Log:    LogConfig{Level: "info", Format: "text"},
		Locale: string(advisory.English),
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped when
// path is empty), the .env file at envFile (skipped when missing) and the process
// environment. The result is validated.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if envFile != "" {
		// godotenv never overrides variables already set in the process
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "config.Load",
		"file":     path,
		"engine":   cfg.Engine.Kind,
	}).Debug("Configuration loaded")

	return cfg, nil
}

// ApplyEnv overrides fields from WALLSIGHT_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("ENGINE", &c.Engine.Kind)
	if v, ok := lookup(EnvPrefix + "WORKER_CMD"); ok && strings.TrimSpace(v) != "" {
		c.Engine.WorkerCmd = strings.Fields(v)
	}
	str("MODEL", &c.Engine.ModelPath)
	str("INFERENCE_URL", &c.Engine.InferenceURL)
	num("ENGINE_INSTANCES", &c.Engine.Instances)
	num("STARTUP_TIMEOUT_S", &c.Engine.StartupTimeoutS)
	num("REQUEST_TIMEOUT_S", &c.Engine.RequestTimeoutS)

	if v, ok := lookup(EnvPrefix + "CONFIDENCE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCONFIDENCE: %w", EnvPrefix, err))
		} else {
			c.Pipeline.Confidence = f
		}
	}
	num("WORKERS", &c.Pipeline.Workers)
	flag("LENIENT_READS", &c.Pipeline.LenientReads)
	str("FFMPEG", &c.Pipeline.FFmpeg)
	str("FFPROBE", &c.Pipeline.FFprobe)

	flag("STRICT", &c.Media.Strict)
	str("TEMP_DIR", &c.Media.TempDir)
	str("ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LANG", &c.Locale)

	return errors.Join(errs...)
}

// Validate checks ranges and enumerations.
func Validate(cfg *Config) error {
	if cfg.Pipeline.Confidence < 0 || cfg.Pipeline.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %v", cfg.Pipeline.Confidence)
	}
	if cfg.Pipeline.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Engine.Instances < 1 {
		return fmt.Errorf("engine instances must be at least 1, got %d", cfg.Engine.Instances)
	}
	switch cfg.Engine.Kind {
	case EnginePython:
		if len(cfg.Engine.WorkerCmd) == 0 {
			return fmt.Errorf("engine.worker_cmd is required for the python engine")
		}
	case EngineHTTP:
		if cfg.Engine.InferenceURL == "" {
			return fmt.Errorf("engine.inference_url is required for the http engine")
		}
	case EngineNone:
	default:
		return fmt.Errorf("unknown engine %q (use python, http or none)", cfg.Engine.Kind)
	}
	if _, err := advisory.ParseLocale(cfg.Locale); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (use text or json)", cfg.Log.Format)
	}
	return nil
}
