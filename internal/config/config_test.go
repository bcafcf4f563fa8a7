package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nikicat/session-installer/internal/interaction"
)

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
state_dir: /tmp/state
listen: 0.0.0.0:9090
serve:
  log_level: debug
  log_format: json
  prompt_timeout: 10m
  history_limit: 50
  notifications: false
  idle_timeout: 2m
  no_timed_exit: true
  cache_dir: /tmp/cache
  language: de
policy:
  default_interaction: show-confirm-install
  enforced_interaction: hide-finished
  show_copy_confirm: false
  enable_font_helper: false
  ignored_execs:
    - /usr/bin/spammer
  vendor_urls:
    codec: https://example.org/codecs
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.StateDir != "/tmp/state" {
		t.Errorf("StateDir = %q, want /tmp/state", cfg.StateDir)
	}
	if cfg.Listen != "0.0.0.0:9090" {
		t.Errorf("Listen = %q, want 0.0.0.0:9090", cfg.Listen)
	}
	if cfg.Serve.LogLevel != "debug" || cfg.Serve.LogFormat != "json" {
		t.Errorf("log = %q/%q", cfg.Serve.LogLevel, cfg.Serve.LogFormat)
	}
	if time.Duration(cfg.Serve.PromptTimeout) != 10*time.Minute {
		t.Errorf("PromptTimeout = %v, want 10m", time.Duration(cfg.Serve.PromptTimeout))
	}
	if time.Duration(cfg.Serve.IdleTimeout) != 2*time.Minute || !cfg.Serve.NoTimedExit {
		t.Errorf("idle = %v / %v", time.Duration(cfg.Serve.IdleTimeout), cfg.Serve.NoTimedExit)
	}
	if cfg.Serve.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", cfg.Serve.HistoryLimit)
	}
	if cfg.Serve.Notifications == nil || *cfg.Serve.Notifications {
		t.Errorf("Notifications = %v, want false", cfg.Serve.Notifications)
	}
	if cfg.Serve.CacheDir != "/tmp/cache" || cfg.Serve.Language != "de" {
		t.Errorf("cache/lang = %q/%q", cfg.Serve.CacheDir, cfg.Serve.Language)
	}

	if got := cfg.Policy.Default(); got != "show-confirm-install" {
		t.Errorf("Default() = %q", got)
	}
	if cfg.Policy.EnforcedInteraction != "hide-finished" {
		t.Errorf("EnforcedInteraction = %q", cfg.Policy.EnforcedInteraction)
	}
	s := cfg.Policy.Settings()
	if s.ShowCopyConfirm || s.EnableFontHelper {
		t.Errorf("explicit false lost: %+v", s)
	}
	if !s.ShowDependsConfirm || !s.EnableCodecHelper || !s.EnableMimeTypeHelper {
		t.Errorf("unset booleans should default to true: %+v", s)
	}
	if s.VendorURLs.Codec != "https://example.org/codecs" {
		t.Errorf("VendorURLs = %+v", s.VendorURLs)
	}
	if len(cfg.Policy.IgnoredExecs) != 1 || cfg.Policy.IgnoredExecs[0] != "/usr/bin/spammer" {
		t.Errorf("IgnoredExecs = %v", cfg.Policy.IgnoredExecs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "" || cfg.Policy.Default() != interaction.Default {
		t.Errorf("missing file should give an empty config, got %+v", cfg)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("serve: [unterminated"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("serve:\n  idle_timeout: soon\n"), 0o644)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("err = %v, want invalid duration", err)
	}
}

func TestEmptyDefaultInteraction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("policy:\n  default_interaction: \"\"\n"), 0o644)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Policy.Default(); got != "" {
		t.Errorf("explicit empty default = %q", got)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != "/xdg/session-installer/config.yaml" {
		t.Errorf("DefaultPath = %q", got)
	}
}

func TestWithDefaults(t *testing.T) {
	out := Config{}.WithDefaults()
	if out.Listen != DefaultListenAddr {
		t.Errorf("Listen = %q, want %q", out.Listen, DefaultListenAddr)
	}
	if out.Serve.LogLevel != DefaultLogLevel || out.Serve.LogFormat != DefaultLogFormat {
		t.Errorf("log = %q/%q", out.Serve.LogLevel, out.Serve.LogFormat)
	}
	if time.Duration(out.Serve.IdleTimeout) != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v", time.Duration(out.Serve.IdleTimeout))
	}
	if time.Duration(out.Serve.PromptTimeout) != DefaultPromptTimeout || out.Serve.HistoryLimit != DefaultHistoryLimit {
		t.Errorf("serve = %+v", out.Serve)
	}

	kept := Config{Listen: "127.0.0.1:1"}.WithDefaults()
	if kept.Listen != "127.0.0.1:1" {
		t.Errorf("WithDefaults overwrote Listen: %q", kept.Listen)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty", cfg: Config{}},
		{name: "json", cfg: Config{Serve: ServeConfig{LogFormat: "json"}}},
		{name: "bad format", cfg: Config{Serve: ServeConfig{LogFormat: "xml"}}, wantErr: "log_format"},
		{name: "negative idle", cfg: Config{Serve: ServeConfig{IdleTimeout: Duration(-time.Second)}}, wantErr: "idle_timeout"},
		{name: "negative history", cfg: Config{Serve: ServeConfig{HistoryLimit: -1}}, wantErr: "history_limit"},
		{name: "bad glob", cfg: Config{Policy: PolicyConfig{IgnoredExecs: []string{"/usr/bin/["}}}, wantErr: "ignored_execs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("policy:\n  enforced_interaction: never\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { got <- c })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx) //nolint:errcheck

	// Unrelated files in the directory are ignored.
	os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o644)

	// Replace by rename, the way editors save.
	tmp := filepath.Join(dir, ".config.yaml.swp")
	os.WriteFile(tmp, []byte("policy:\n  enforced_interaction: always\n"), 0o644)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Policy.EnforcedInteraction != "always" {
			t.Errorf("reloaded EnforcedInteraction = %q", c.Policy.EnforcedInteraction)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	// A broken file keeps the old config.
	os.WriteFile(path, []byte("policy: [broken"), 0o644)
	select {
	case c := <-got:
		t.Errorf("broken file delivered %+v", c)
	case <-time.After(3 * settle):
	}
}
