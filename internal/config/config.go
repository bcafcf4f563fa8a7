// Package config loads the YAML configuration file and watches it for
// policy changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nikicat/session-installer/internal/interaction"
	"github.com/nikicat/session-installer/internal/task"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ServeConfig holds serve-subcommand settings.
type ServeConfig struct {
	LogLevel      string   `yaml:"log_level"`
	LogFormat     string   `yaml:"log_format"`
	PromptTimeout Duration `yaml:"prompt_timeout"`
	HistoryLimit  int      `yaml:"history_limit"`
	Notifications *bool    `yaml:"notifications"`
	ShowPIDs      bool     `yaml:"show_pids"`
	IdleTimeout   Duration `yaml:"idle_timeout"`
	NoTimedExit   bool     `yaml:"no_timed_exit"`
	CacheDir      string   `yaml:"cache_dir"`
	Language      string   `yaml:"language"`
	LocaleDir     string   `yaml:"locale_dir"`
}

// PolicyConfig is the administrator policy. It is reloaded while the
// service runs. Unset booleans mean true.
type PolicyConfig struct {
	DefaultInteraction   *string         `yaml:"default_interaction"`
	EnforcedInteraction  string          `yaml:"enforced_interaction"`
	ShowDependsConfirm   *bool           `yaml:"show_depends_confirm"`
	ShowCopyConfirm      *bool           `yaml:"show_copy_confirm"`
	EnableCodecHelper    *bool           `yaml:"enable_codec_helper"`
	EnableMimeTypeHelper *bool           `yaml:"enable_mime_type_helper"`
	EnableFontHelper     *bool           `yaml:"enable_font_helper"`
	IgnoredExecs         []string        `yaml:"ignored_execs"`
	VendorURLs           task.VendorURLs `yaml:"vendor_urls"`
}

// Config is the top-level configuration file structure.
type Config struct {
	StateDir string       `yaml:"state_dir"`
	Listen   string       `yaml:"listen"`
	Serve    ServeConfig  `yaml:"serve"`
	Policy   PolicyConfig `yaml:"policy"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Default returns the default interaction string, falling back to the
// built-in one when the key is absent.
func (p PolicyConfig) Default() string {
	if p.DefaultInteraction == nil {
		return interaction.Default
	}
	return *p.DefaultInteraction
}

// Settings converts the policy into task settings.
func (p PolicyConfig) Settings() task.Settings {
	return task.Settings{
		ShowDependsConfirm:   boolOr(p.ShowDependsConfirm, true),
		ShowCopyConfirm:      boolOr(p.ShowCopyConfirm, true),
		EnableCodecHelper:    boolOr(p.EnableCodecHelper, true),
		EnableMimeTypeHelper: boolOr(p.EnableMimeTypeHelper, true),
		EnableFontHelper:     boolOr(p.EnableFontHelper, true),
		VendorURLs:           p.VendorURLs,
	}
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "session-installer", "config.yaml")
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// Built-in defaults applied by WithDefaults.
const (
	DefaultListenAddr    = "127.0.0.1:8485"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultPromptTimeout = 5 * time.Minute
	DefaultHistoryLimit  = 100
	DefaultIdleTimeout   = 60 * time.Second
)

// WithDefaults returns a copy of cfg with empty fields filled in.
func (cfg Config) WithDefaults() Config {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListenAddr
	}
	if cfg.Serve.LogLevel == "" {
		cfg.Serve.LogLevel = DefaultLogLevel
	}
	if cfg.Serve.LogFormat == "" {
		cfg.Serve.LogFormat = DefaultLogFormat
	}
	if cfg.Serve.PromptTimeout == 0 {
		cfg.Serve.PromptTimeout = Duration(DefaultPromptTimeout)
	}
	if cfg.Serve.HistoryLimit == 0 {
		cfg.Serve.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Serve.IdleTimeout == 0 {
		cfg.Serve.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	return cfg
}

// Validate reports the first setting that cannot be used.
func (cfg Config) Validate() error {
	switch cfg.Serve.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", cfg.Serve.LogFormat)
	}
	if cfg.Serve.PromptTimeout < 0 {
		return fmt.Errorf("prompt_timeout must not be negative")
	}
	if cfg.Serve.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	if cfg.Serve.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must not be negative")
	}
	for _, p := range cfg.Policy.IgnoredExecs {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("ignored_execs pattern %q: %w", p, err)
		}
	}
	return nil
}
