package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete simulator configuration.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Exam    ExamConfig    `yaml:"exam"`
	Upload  UploadConfig  `yaml:"upload"`
	Audio   AudioConfig   `yaml:"audio"`
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig contains remote evaluation service configuration.
type BackendConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	TemplateID string `yaml:"template_id"`
	Timeout    int    `yaml:"timeout"` // seconds
}

// ExamConfig contains per-part timing rules for the conversation loop.
type ExamConfig struct {
	Part1Silence   float64 `yaml:"part1_silence"`   // seconds
	Part2Silence   float64 `yaml:"part2_silence"`   // seconds
	Part3Silence   float64 `yaml:"part3_silence"`   // seconds
	PrepDuration   float64 `yaml:"prep_duration"`   // seconds, part 2 cue-card preparation
	PromptDelay    float64 `yaml:"prompt_delay"`    // seconds, "you may begin" cue
	SpeakingCap    float64 `yaml:"speaking_cap"`    // seconds, part 2 hard stop
	SettleDelay    float64 `yaml:"settle_delay"`    // seconds, between turns
	SkipDelay      float64 `yaml:"skip_delay"`      // seconds, after a failed turn start
	FinalizeWait   float64 `yaml:"finalize_wait"`   // seconds, upload fan-in ceiling
	FinalizeSettle float64 `yaml:"finalize_settle"` // seconds, before results polling
	CountdownTick  float64 `yaml:"countdown_tick"`  // seconds, prep/speaking timer resolution
}

// UploadConfig contains upload retry and results polling policy.
type UploadConfig struct {
	MaxRetries      int     `yaml:"max_retries"`
	BackoffBase     float64 `yaml:"backoff_base"` // seconds; retry n waits 2^n * base
	MaxPayloadMB    float64 `yaml:"max_payload_mb"`
	PollInterval    float64 `yaml:"poll_interval"` // seconds
	MaxPollAttempts int     `yaml:"max_poll_attempts"`
}

// AudioConfig contains capture and playback parameters.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is supplied.
// The exam timings are the production exam rules.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Endpoint:   "http://localhost:8090",
			TemplateID: "550e8400-e29b-41d4-a716-446655440000",
			Timeout:    30,
		},
		Exam: ExamConfig{
			Part1Silence:   2.0,
			Part2Silence:   3.0,
			Part3Silence:   3.5,
			PrepDuration:   60,
			PromptDelay:    1.5,
			SpeakingCap:    120,
			SettleDelay:    0.5,
			SkipDelay:      2.0,
			FinalizeWait:   30,
			FinalizeSettle: 4.0,
			CountdownTick:  1.0,
		},
		Upload: UploadConfig{
			MaxRetries:      3,
			BackoffBase:     3.0,
			MaxPayloadMB:    10,
			PollInterval:    10,
			MaxPollAttempts: 30,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads and parses the configuration file. Missing fields keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}
	if err := c.Exam.Validate(); err != nil {
		return fmt.Errorf("exam config: %w", err)
	}
	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	return nil
}

func (b *BackendConfig) Validate() error {
	if b.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if b.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", b.Timeout)
	}
	return nil
}

func (e *ExamConfig) Validate() error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"part1_silence", e.Part1Silence},
		{"part2_silence", e.Part2Silence},
		{"part3_silence", e.Part3Silence},
		{"prep_duration", e.PrepDuration},
		{"speaking_cap", e.SpeakingCap},
		{"countdown_tick", e.CountdownTick},
	} {
		if f.value <= 0 {
			return fmt.Errorf("%s must be positive, got %f", f.name, f.value)
		}
	}
	if e.SettleDelay < 0 || e.PromptDelay < 0 || e.SkipDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if e.SpeakingCap <= e.Part2Silence {
		return fmt.Errorf("speaking_cap (%f) must exceed part2_silence (%f)", e.SpeakingCap, e.Part2Silence)
	}
	return nil
}

func (u *UploadConfig) Validate() error {
	if u.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", u.MaxRetries)
	}
	if u.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be positive, got %f", u.BackoffBase)
	}
	if u.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %f", u.PollInterval)
	}
	if u.MaxPollAttempts <= 0 {
		return fmt.Errorf("max_poll_attempts must be positive, got %d", u.MaxPollAttempts)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", a.SampleRate)
	}
	if a.Channels != 1 && a.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}
	return nil
}

// Seconds converts a float second count from the config into a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
