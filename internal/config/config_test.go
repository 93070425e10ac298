package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxIterations != 100 {
		t.Errorf("max_iterations = %d", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.ValidationMode != "strict" {
		t.Errorf("validation_mode = %q", cfg.Engine.ValidationMode)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
	if cfg.Expressions.EscapeTemplates {
		t.Error("escape_templates should default to false")
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics should default to enabled")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_iterations: 7
  tool_timeout: 30s
store:
  driver: sqlite
  dsn: file:test.db
blocks:
  sources: [blocks, more]
log:
  level: debug
  format: json
`)
	t.Setenv("PIPEFLOW_ENGINE_VALIDATION_MODE", "safe")
	t.Setenv("PIPEFLOW_LLM_OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxIterations != 7 {
		t.Errorf("max_iterations = %d, want 7", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.ToolTimeout != 30*time.Second {
		t.Errorf("tool_timeout = %v", cfg.Engine.ToolTimeout)
	}
	if cfg.Engine.ValidationMode != "safe" {
		t.Errorf("env override ignored: %q", cfg.Engine.ValidationMode)
	}
	if cfg.LLM.OpenAI.APIKey != "sk-test" {
		t.Errorf("openai key = %q", cfg.LLM.OpenAI.APIKey)
	}
	if len(cfg.Blocks.Sources) != 2 {
		t.Errorf("sources = %v", cfg.Blocks.Sources)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown driver", body: "store:\n  driver: oracle\n", want: "store.driver"},
		{name: "missing dsn", body: "store:\n  driver: mysql\n", want: "store.dsn"},
		{name: "bad mode", body: "engine:\n  validation_mode: lax\n", want: "validation_mode"},
		{name: "bad iterations", body: "engine:\n  max_iterations: 0\n", want: "max_iterations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("explicit missing file should fail")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{}
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line logged at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("output = %q, want JSON warn line", out)
	}
}

func TestExprOptions(t *testing.T) {
	cfg := &Config{}
	cfg.Expressions.MaxLength = 10
	cfg.Expressions.EscapeTemplates = true
	opts := cfg.ExprOptions(nil)
	if opts.MaxLength != 10 || !opts.EscapeOutput {
		t.Errorf("opts = %+v", opts)
	}
	if len(opts.DeniedNames) == 0 {
		t.Error("denylist dropped")
	}
}
