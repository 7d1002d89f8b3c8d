// Package config loads the run configuration from defaults, an optional
// YAML file, EPUBTRAN_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/valpere/epubtran/internal/dispatcher"
	"github.com/valpere/epubtran/internal/generator"
)

// Stage names accepted in the pipeline list.
const (
	StageRuby      = "ruby"
	StagePNExtract = "pn_extract"
	StagePNEdit    = "pn_edit"
	StageMain      = "main"
	StageTOC       = "toc"
	StageReview    = "review"
	StageDual      = "dual"
	StageImage     = "image"
)

// Stages lists every stage in pipeline order.
var Stages = []string{StageRuby, StagePNExtract, StagePNEdit, StageMain, StageTOC, StageReview, StageDual, StageImage}

// Translation modes.
const (
	ModeJSON = "json"
	ModeHTML = "html"
)

// Config is the complete run configuration.
type Config struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	ImageModel  string  `mapstructure:"image_model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`

	SourceLang string `mapstructure:"source_lang"`
	TargetLang string `mapstructure:"target_lang"`

	OutputDir string   `mapstructure:"output_dir"`
	DBPath    string   `mapstructure:"db_path"`
	Pipeline  []string `mapstructure:"pipeline"`
	Mode      string   `mapstructure:"mode"`

	MaxChunkSize      int           `mapstructure:"max_chunk_size"`
	MaxConcurrent     int           `mapstructure:"max_concurrent_requests"`
	RequestDelay      float64       `mapstructure:"request_delay"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RateLimitExtra    time.Duration `mapstructure:"rate_limit_extra"`
	RateLimitFallback time.Duration `mapstructure:"rate_limit_fallback"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	ForeignThreshold  int           `mapstructure:"foreign_threshold"`
	ResidueCheck      bool          `mapstructure:"residue_check"`

	MainPasses        int  `mapstructure:"main_passes"`
	ReviewTrials      int  `mapstructure:"review_trials"`
	ApplyDictionary   bool `mapstructure:"apply_dictionary"`
	HorizontalWriting bool `mapstructure:"horizontal_writing"`

	PromptsFile string `mapstructure:"prompts_file"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

// Defaults lists every key with its default value.
var Defaults = map[string]any{
	"provider":                generator.ProviderGemini,
	"model":                   "gemini-2.5-flash",
	"image_model":             "",
	"api_key":                 "",
	"base_url":                "",
	"temperature":             1.0,
	"top_p":                   0.95,
	"source_lang":             "",
	"target_lang":             "ko",
	"output_dir":              "./output",
	"db_path":                 "./data/epubtran.db",
	"pipeline":                []string{StageRuby, StagePNExtract, StagePNEdit, StageMain, StageTOC, StageReview, StageImage},
	"mode":                    ModeJSON,
	"max_chunk_size":          4096,
	"max_concurrent_requests": 3,
	"request_delay":           0.0,
	"requests_per_minute":     0,
	"max_retries":             3,
	"rate_limit_extra":        5 * time.Second,
	"rate_limit_fallback":     10 * time.Second,
	"call_timeout":            10 * time.Minute,
	"foreign_threshold":       15,
	"residue_check":           true,
	"main_passes":             2,
	"review_trials":           5,
	"apply_dictionary":        true,
	"horizontal_writing":      true,
	"prompts_file":            "",
	"log_level":               "info",
	"log_format":              "text",
}

// Setup registers defaults and environment binding on v and reads the config
// file. cfgFile overrides the search path; a missing file is not an error
// unless it was named explicitly.
func Setup(v *viper.Viper, cfgFile string) error {
	for k, val := range Defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("EPUBTRAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("epubtran")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/epubtran")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Pipeline = splitList(cfg.Pipeline)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 || c.MaxConcurrent > 99 {
		return fmt.Errorf("max_concurrent_requests must be between 1 and 99, got %d", c.MaxConcurrent)
	}
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("max_chunk_size must be positive, got %d", c.MaxChunkSize)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.RequestDelay < 0 {
		return fmt.Errorf("request_delay must not be negative")
	}
	if !slices.Contains(generator.Providers, c.Provider) {
		return fmt.Errorf("unknown provider %q (want one of %s)", c.Provider, strings.Join(generator.Providers, ", "))
	}
	if c.Mode != ModeJSON && c.Mode != ModeHTML {
		return fmt.Errorf("unknown mode %q (want json or html)", c.Mode)
	}
	if c.TargetLang == "" {
		return fmt.Errorf("target_lang is required")
	}
	for _, s := range c.Pipeline {
		if !slices.Contains(Stages, s) {
			return fmt.Errorf("unknown stage %q (want one of %s)", s, strings.Join(Stages, ", "))
		}
	}
	return nil
}

// RequestDelayDuration converts the fractional request_delay seconds.
func (c Config) RequestDelayDuration() time.Duration {
	return time.Duration(c.RequestDelay * float64(time.Second))
}

// Service returns the generator settings.
func (c Config) Service() generator.ServiceConfig {
	return generator.ServiceConfig{
		Provider:    c.Provider,
		APIKey:      c.APIKey,
		Model:       c.Model,
		ImageModel:  c.ImageModel,
		BaseURL:     c.BaseURL,
		Temperature: c.Temperature,
		TopP:        c.TopP,
		Timeout:     c.CallTimeout,
	}
}

// Dispatch returns the dispatch policy. Units not exposed as keys keep the
// dispatcher defaults.
func (c Config) Dispatch(sourceLang string) dispatcher.Config {
	dc := dispatcher.DefaultConfig()
	dc.MaxConcurrent = c.MaxConcurrent
	dc.MaxAttempts = c.MaxRetries
	dc.RateLimitExtra = c.RateLimitExtra
	dc.RateLimitFallback = c.RateLimitFallback
	dc.RequestDelay = c.RequestDelayDuration()
	dc.RequestsPerMinute = c.RequestsPerMinute
	dc.CallTimeout = c.CallTimeout
	dc.SourceLang = sourceLang
	if c.ResidueCheck {
		dc.ResidueThreshold = c.ForeignThreshold
	}
	return dc
}

// splitList accepts both YAML lists and comma-separated environment values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
