package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Wait-exhaustion policies for interaction nodes.
const (
	WaitPolicyWait    = "wait"
	WaitPolicyAdvance = "advance"
)

// Runner kinds.
const (
	RunnerStatic = "static"
	RunnerHTTP   = "http"
)

// Config models plotline.yml.
type Config struct {
	Playback struct {
		LoopCeiling        int     `yaml:"loop_ceiling"`
		LowDurationSeconds float64 `yaml:"low_duration_seconds"`
		LookaheadSegments  int     `yaml:"lookahead_segments"`
	} `yaml:"playback"`
	Media struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"media"`
	Session struct {
		Store    string `yaml:"store"`
		RedisURL string `yaml:"redis_url"`
		TTLHours int    `yaml:"ttl_hours"`
	} `yaml:"session"`
	Interaction struct {
		OnWaitExhausted string `yaml:"on_wait_exhausted"`
	} `yaml:"interaction"`
	Graph struct {
		AllowMissingFallback bool `yaml:"allow_missing_fallback"`
	} `yaml:"graph"`
	Cascade struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"cascade"`
	Runner struct {
		Kind           string            `yaml:"kind"`
		Endpoint       string            `yaml:"endpoint"`
		TimeoutSeconds int               `yaml:"timeout_seconds"`
		Clips          map[string]string `yaml:"clips"`
	} `yaml:"runner"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Playback.LoopCeiling <= 0 {
		return fmt.Errorf("playback.loop_ceiling must be positive")
	}
	if c.Playback.LowDurationSeconds < 0 {
		return fmt.Errorf("playback.low_duration_seconds must not be negative")
	}
	if c.Playback.LookaheadSegments < 0 {
		return fmt.Errorf("playback.lookahead_segments must not be negative")
	}
	switch c.Session.Store {
	case "memory":
	case "redis":
		if c.Session.RedisURL == "" {
			return fmt.Errorf("session.redis_url is required for session.store=redis")
		}
	default:
		return fmt.Errorf("session.store must be memory or redis")
	}
	if c.Session.TTLHours <= 0 {
		return fmt.Errorf("session.ttl_hours must be positive")
	}
	switch c.Interaction.OnWaitExhausted {
	case WaitPolicyWait, WaitPolicyAdvance:
	default:
		return fmt.Errorf("interaction.on_wait_exhausted must be %s or %s", WaitPolicyWait, WaitPolicyAdvance)
	}
	if c.Cascade.Workers <= 0 {
		return fmt.Errorf("cascade.workers must be positive")
	}
	if c.Cascade.QueueSize <= 0 {
		return fmt.Errorf("cascade.queue_size must be positive")
	}
	switch c.Runner.Kind {
	case RunnerStatic:
	case RunnerHTTP:
		if c.Runner.Endpoint == "" {
			return fmt.Errorf("runner.endpoint is required for runner.kind=http")
		}
	default:
		return fmt.Errorf("runner.kind must be %s or %s", RunnerStatic, RunnerHTTP)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "plotline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections fall back to defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `playback:
  # a pending VIDEO attach variable plays its loop clip at most this many
  # times before the fallback clip is substituted
  loop_ceiling: 3
  # trigger the next-video decision when less than this much playable
  # content remains past the reported play position
  low_duration_seconds: 10
  # also trigger when the play position is within this many segments of
  # the end of the manifest (1 = playing the last or second-to-last)
  lookahead_segments: 1

media:
  base_url: ""

session:
  store: memory
  redis_url: ""
  ttl_hours: 24

interaction:
  # wait: keep replaying the interaction clip after the loop budget runs out
  # advance: leave the node as if input had arrived
  on_wait_exhausted: wait

graph:
  # accept projects whose video attach variables lack a fallback clip;
  # such sessions loop forever if generation fails
  allow_missing_fallback: false

cascade:
  workers: 4
  queue_size: 64

runner:
  kind: static
  endpoint: ""
  timeout_seconds: 30
  # static runner: output variable id -> produced clip id
  clips: {}
`
