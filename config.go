package session

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Timing defaults. Every one of these is an operational knob, not a protocol
// constant; override them per deployment through Config.
const (
	DefaultDataChannelOpenTimeout = 10 * time.Second
	DefaultTurnCeiling            = 45 * time.Second
	DefaultNaturalCompletionDelay = 750 * time.Millisecond
	DefaultCooldownWindow         = 2 * time.Second
	DefaultCloseGrace             = 3 * time.Second
)

// EndpointConfig locates the realtime speech endpoint.
type EndpointConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Voice   string `yaml:"voice"`
}

// TimingConfig carries the session timing knobs.
type TimingConfig struct {
	// DataChannelOpenTimeout bounds how long StartSession waits for the data
	// channel to reach open before failing with DataChannelTimeoutError.
	DataChannelOpenTimeout time.Duration `yaml:"data_channel_open_timeout"`
	// TurnCeiling is the hard bound on a single AI turn measured from
	// speech_started. Hitting it forces end-of-turn.
	TurnCeiling time.Duration `yaml:"turn_ceiling"`
	// NaturalCompletionDelay is the settle time after both the audio-sent and
	// transcript-done flags are set before end-of-turn is emitted without a
	// response.completed frame.
	NaturalCompletionDelay time.Duration `yaml:"natural_completion_delay"`
	// CooldownWindow is the minimum idle interval between StopSession
	// completing and the next StartSession being allowed.
	CooldownWindow time.Duration `yaml:"cooldown_window"`
	// CloseGrace bounds graceful teardown; past it resources are force-released.
	CloseGrace time.Duration `yaml:"close_grace"`
}

// AnalyticsConfig locates the fire-and-forget analytics collaborator.
// An empty URL disables reporting.
type AnalyticsConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Config struct {
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Timing    TimingConfig    `yaml:"timing"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// DefaultConfig returns a Config with all timing knobs at their defaults and
// the public OpenAI realtime endpoint.
func DefaultConfig() Config {
	return Config{
		Endpoint: EndpointConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-realtime",
			Voice:   "marin",
		},
		Timing: TimingConfig{
			DataChannelOpenTimeout: DefaultDataChannelOpenTimeout,
			TurnCeiling:            DefaultTurnCeiling,
			NaturalCompletionDelay: DefaultNaturalCompletionDelay,
			CooldownWindow:         DefaultCooldownWindow,
			CloseGrace:             DefaultCloseGrace,
		},
		Analytics: AnalyticsConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Endpoint.BaseURL == "" {
		return fmt.Errorf("endpoint.base_url is required")
	}
	if c.Timing.DataChannelOpenTimeout <= 0 {
		return fmt.Errorf("timing.data_channel_open_timeout must be positive")
	}
	if c.Timing.TurnCeiling <= 0 {
		return fmt.Errorf("timing.turn_ceiling must be positive")
	}
	if c.Timing.NaturalCompletionDelay < 0 {
		return fmt.Errorf("timing.natural_completion_delay must not be negative")
	}
	if c.Timing.CooldownWindow < 0 {
		return fmt.Errorf("timing.cooldown_window must not be negative")
	}
	if c.Timing.CloseGrace <= 0 {
		return fmt.Errorf("timing.close_grace must be positive")
	}
	return nil
}
