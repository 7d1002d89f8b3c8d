package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func load(t *testing.T, cfgFile string) (Config, error) {
	t.Helper()
	v := viper.New()
	if err := Setup(v, cfgFile); err != nil {
		return Config{}, err
	}
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := load(t, "")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Provider != "gemini" || cfg.TargetLang != "ko" || cfg.Mode != ModeJSON {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.MaxChunkSize != 4096 || cfg.MaxConcurrent != 3 || cfg.MainPasses != 2 {
		t.Errorf("unexpected numeric defaults %+v", cfg)
	}
	if cfg.RateLimitExtra != 5*time.Second || cfg.CallTimeout != 10*time.Minute {
		t.Errorf("unexpected durations %v %v", cfg.RateLimitExtra, cfg.CallTimeout)
	}
	if len(cfg.Pipeline) != 7 || cfg.Pipeline[0] != StageRuby || cfg.Pipeline[6] != StageImage {
		t.Errorf("unexpected pipeline %v", cfg.Pipeline)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	content := `provider: ollama
model: qwen3
request_delay: 1.5
rate_limit_extra: 2s
pipeline: [main, toc]
residue_check: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("EPUBTRAN_MAX_CONCURRENT_REQUESTS", "7")
	t.Setenv("EPUBTRAN_TARGET_LANG", "en")

	cfg, err := load(t, path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Provider != "ollama" || cfg.Model != "qwen3" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.MaxConcurrent != 7 || cfg.TargetLang != "en" {
		t.Errorf("env values not applied: %d %q", cfg.MaxConcurrent, cfg.TargetLang)
	}
	if cfg.RequestDelayDuration() != 1500*time.Millisecond {
		t.Errorf("expected 1.5s request delay, got %v", cfg.RequestDelayDuration())
	}
	if len(cfg.Pipeline) != 2 || cfg.Pipeline[1] != StageTOC {
		t.Errorf("unexpected pipeline %v", cfg.Pipeline)
	}

	dc := cfg.Dispatch("ja")
	if dc.MaxConcurrent != 7 || dc.RateLimitExtra != 2*time.Second || dc.SourceLang != "ja" {
		t.Errorf("unexpected dispatch config %+v", dc)
	}
	if dc.ResidueThreshold != 0 {
		t.Errorf("expected residue check disabled, got %d", dc.ResidueThreshold)
	}
	if dc.MaxRateLimitWaits != 20 {
		t.Errorf("expected default rate-limit cap, got %d", dc.MaxRateLimitWaits)
	}
}

func TestLoad_EnvPipelineList(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("EPUBTRAN_PIPELINE", "main, review")

	cfg, err := load(t, "")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Pipeline) != 2 || cfg.Pipeline[0] != StageMain || cfg.Pipeline[1] != StageReview {
		t.Errorf("unexpected pipeline %v", cfg.Pipeline)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := load(t, filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Provider:      "gemini",
			Mode:          ModeJSON,
			TargetLang:    "ko",
			MaxChunkSize:  100,
			MaxConcurrent: 3,
			MaxRetries:    3,
			Pipeline:      []string{StageMain},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"concurrency zero", func(c *Config) { c.MaxConcurrent = 0 }, true},
		{"concurrency too high", func(c *Config) { c.MaxConcurrent = 100 }, true},
		{"concurrency max", func(c *Config) { c.MaxConcurrent = 99 }, false},
		{"chunk size", func(c *Config) { c.MaxChunkSize = 0 }, true},
		{"retries", func(c *Config) { c.MaxRetries = 0 }, true},
		{"negative delay", func(c *Config) { c.RequestDelay = -1 }, true},
		{"provider", func(c *Config) { c.Provider = "deepl" }, true},
		{"mode", func(c *Config) { c.Mode = "xml" }, true},
		{"target", func(c *Config) { c.TargetLang = "" }, true},
		{"stage", func(c *Config) { c.Pipeline = []string{StageMain, "ocr"} }, true},
		{"html mode", func(c *Config) { c.Mode = ModeHTML }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
