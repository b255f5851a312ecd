package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 0.25, cfg.Pipeline.Confidence)
	assert.Equal(t, EnginePython, cfg.Engine.Kind)
	assert.False(t, cfg.Media.Strict, "routing is lenient unless asked")
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := writeTemp(t, "wallsight.yaml", `
engine:
  kind: http
  inference_url: http://ml:9000
pipeline:
  confidence: 0.4
  workers: 4
media:
  strict: true
locale: id
`)
	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, EngineHTTP, cfg.Engine.Kind)
	assert.Equal(t, "http://ml:9000", cfg.Engine.InferenceURL)
	assert.Equal(t, 0.4, cfg.Pipeline.Confidence)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.True(t, cfg.Media.Strict)
	assert.Equal(t, "id", cfg.Locale)
	// Untouched keys keep their defaults
	assert.Equal(t, "ffmpeg", cfg.Pipeline.FFmpeg)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)

	_, err = Load(writeTemp(t, "bad.yaml", "pipeline: [unclosed"), "")
	assert.Error(t, err)

	_, err = Load(writeTemp(t, "range.yaml", "pipeline:\n  confidence: 1.5\n"), "")
	assert.ErrorContains(t, err, "confidence")
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("WALLSIGHT_MODEL", "")
	os.Unsetenv("WALLSIGHT_MODEL")
	t.Cleanup(func() { os.Unsetenv("WALLSIGHT_MODEL") })

	env := writeTemp(t, ".env", "WALLSIGHT_MODEL=weights/wall.pt\n")
	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, "weights/wall.pt", cfg.Engine.ModelPath)

	// A missing .env file is not an error
	_, err = Load("", filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(mapLookup(map[string]string{
		"WALLSIGHT_ENGINE":        "none",
		"WALLSIGHT_WORKER_CMD":    "uv run worker.py",
		"WALLSIGHT_CONFIDENCE":    "0.6",
		"WALLSIGHT_WORKERS":       "3",
		"WALLSIGHT_STRICT":        "true",
		"WALLSIGHT_LENIENT_READS": "1",
		"WALLSIGHT_LOG_FORMAT":    "json",
		"WALLSIGHT_ADDR":          "",
	}))
	require.NoError(t, err)

	assert.Equal(t, EngineNone, cfg.Engine.Kind)
	assert.Equal(t, []string{"uv", "run", "worker.py"}, cfg.Engine.WorkerCmd)
	assert.Equal(t, 0.6, cfg.Pipeline.Confidence)
	assert.Equal(t, 3, cfg.Pipeline.Workers)
	assert.True(t, cfg.Media.Strict)
	assert.True(t, cfg.Pipeline.LenientReads)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":8080", cfg.Server.Addr, "empty values do not override")
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(mapLookup(map[string]string{
		"WALLSIGHT_WORKERS":    "many",
		"WALLSIGHT_STRICT":     "perhaps",
		"WALLSIGHT_CONFIDENCE": "high",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WALLSIGHT_WORKERS")
	assert.Contains(t, err.Error(), "WALLSIGHT_STRICT")
	assert.Contains(t, err.Error(), "WALLSIGHT_CONFIDENCE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative confidence", func(c *Config) { c.Pipeline.Confidence = -0.1 }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"zero instances", func(c *Config) { c.Engine.Instances = 0 }},
		{"unknown engine", func(c *Config) { c.Engine.Kind = "onnx" }},
		{"python without command", func(c *Config) { c.Engine.WorkerCmd = nil }},
		{"http without url", func(c *Config) { c.Engine.Kind = EngineHTTP; c.Engine.InferenceURL = "" }},
		{"unknown locale", func(c *Config) { c.Locale = "fr" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
