package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"plotline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Playback.LoopCeiling != 3 {
		t.Fatalf("loop ceiling = %d, want 3", cfg.Playback.LoopCeiling)
	}
	if cfg.Playback.LookaheadSegments != 1 {
		t.Fatalf("lookahead = %d, want 1", cfg.Playback.LookaheadSegments)
	}
	if cfg.Session.Store != "memory" {
		t.Fatalf("default store = %q", cfg.Session.Store)
	}
	if cfg.Interaction.OnWaitExhausted != config.WaitPolicyWait {
		t.Fatalf("default wait policy = %q", cfg.Interaction.OnWaitExhausted)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template invalid: %v", err)
	}
	if cfg.Cascade.Workers != 4 {
		t.Fatalf("workers = %d, want 4", cfg.Cascade.Workers)
	}
}

func TestFromYAMLOverridesAndValidation(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
playback:
  loop_ceiling: 5
session:
  store: redis
  redis_url: redis://localhost:6379/0
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Playback.LoopCeiling != 5 {
		t.Fatalf("override lost")
	}
	// Unspecified sections keep defaults.
	if cfg.Playback.LowDurationSeconds != 10 {
		t.Fatalf("default low duration lost: %v", cfg.Playback.LowDurationSeconds)
	}

	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"redis without url", "session:\n  store: redis\n", "redis_url"},
		{"unknown store", "session:\n  store: etcd\n", "session.store"},
		{"bad wait policy", "interaction:\n  on_wait_exhausted: shrug\n", "on_wait_exhausted"},
		{"zero ttl", "session:\n  store: memory\n  ttl_hours: -1\n", "ttl_hours"},
		{"http runner without endpoint", "runner:\n  kind: http\n", "runner.endpoint"},
		{"unknown runner", "runner:\n  kind: quantum\n", "runner.kind"},
	}
	for _, tc := range cases {
		if _, err := config.FromYAML([]byte(tc.yaml)); err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: got %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil {
		t.Fatalf("expected missing-config error")
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Session.Store != "memory" {
		t.Fatalf("expected defaults from LoadOptional")
	}

	if err := os.WriteFile(filepath.Join(dir, "plotline.yml"), []byte("playback:\n  loop_ceiling: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Playback.LoopCeiling != 7 {
		t.Fatalf("loop ceiling = %d, want 7", cfg.Playback.LoopCeiling)
	}
}
