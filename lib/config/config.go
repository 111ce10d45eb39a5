// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "WOLFLINK_CONFIG"

// Duration wraps time.Duration with YAML support for Go duration
// syntax ("3s", "1500ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for the wolflink service.
type Config struct {
	// Listen is the TCP address the HTTP API binds to.
	Listen string `yaml:"listen"`

	// DataDir is the base directory for per-session credential state
	// and the connection log database.
	DataDir string `yaml:"data_dir"`

	// Vault configures credential storage at rest.
	Vault VaultConfig `yaml:"vault"`

	// Link configures the post-connection pipeline targets.
	Link LinkConfig `yaml:"link"`

	// Retry configures the reconnection state machine.
	Retry RetryConfig `yaml:"retry"`

	// Pipeline configures post-connection pipeline pacing.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// VaultConfig configures the credential vault.
type VaultConfig struct {
	// Key is a 64-character hex string (32 bytes) used to seal
	// credential blobs at rest with ChaCha20-Poly1305. Empty disables
	// encryption; blobs are still compressed and checksummed.
	Key string `yaml:"key"`
}

// LinkConfig configures the fixed post-connection side effects.
type LinkConfig struct {
	// GroupInvite is the invite code of the group every linked
	// session joins.
	GroupInvite string `yaml:"group_invite"`

	// ChannelJID is the broadcast channel every linked session
	// follows.
	ChannelJID string `yaml:"channel_jid"`

	// CredentialPrefix tags the credential message sent to the linked
	// account's own chat.
	CredentialPrefix string `yaml:"credential_prefix"`

	// Confirmation is the follow-up message quoting the credential
	// message.
	Confirmation string `yaml:"confirmation"`
}

// RetryConfig configures the connection controller.
type RetryConfig struct {
	// MaxRetries bounds reconnection attempts per session.
	MaxRetries int `yaml:"max_retries"`

	// PairingSettle is how long the controller waits after opening
	// the handle before requesting a pairing code, letting the
	// handshake prerequisites finish.
	PairingSettle Duration `yaml:"pairing_settle"`

	// BackoffStep scales with the retry count; BackoffCap bounds the
	// resulting delay.
	BackoffStep Duration `yaml:"backoff_step"`
	BackoffCap  Duration `yaml:"backoff_cap"`

	// FailedTTL is how long a failed session stays queryable in the
	// registry before the reaper removes it. Zero disables reaping.
	FailedTTL Duration `yaml:"failed_ttl"`
}

// PipelineConfig configures post-connection pipeline pacing.
type PipelineConfig struct {
	// Settle is the initial wait after the connection opens.
	Settle Duration `yaml:"settle"`

	// MessageGap separates the credential message from its quoted
	// confirmation.
	MessageGap Duration `yaml:"message_gap"`

	// Final is the wait before unconditional self-termination.
	Final Duration `yaml:"final"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns a Config with development defaults. The link targets
// are empty; the pipeline skips steps whose target is unconfigured.
func Default() Config {
	return Config{
		Listen:  ":5000",
		DataDir: "./data",
		Link: LinkConfig{
			CredentialPrefix: "WOLF-BOT:~",
			Confirmation:     "Session connected. Keep the credential message above safe; it is your bot deployment key.",
		},
		Retry: RetryConfig{
			MaxRetries:    10,
			PairingSettle: Duration(3 * time.Second),
			BackoffStep:   Duration(2 * time.Second),
			BackoffCap:    Duration(10 * time.Second),
			FailedTTL:     Duration(15 * time.Minute),
		},
		Pipeline: PipelineConfig{
			Settle:     Duration(2 * time.Second),
			MessageGap: Duration(1500 * time.Millisecond),
			Final:      Duration(3 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the config file named by the WOLFLINK_CONFIG environment
// variable.
func Load() (Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Config{}, fmt.Errorf("config: %s is not set", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads and validates a config file. Unset fields keep their
// Default() values.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime
// failures deep inside the controller.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffStep <= 0 || c.Retry.BackoffCap <= 0 {
		return fmt.Errorf("retry backoff durations must be positive")
	}
	if c.Retry.BackoffCap < c.Retry.BackoffStep {
		return fmt.Errorf("retry.backoff_cap %v is below retry.backoff_step %v",
			c.Retry.BackoffCap.Std(), c.Retry.BackoffStep.Std())
	}
	if c.Vault.Key != "" {
		key, err := hex.DecodeString(c.Vault.Key)
		if err != nil {
			return fmt.Errorf("vault.key is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("vault.key must be 32 bytes (64 hex chars), got %d bytes", len(key))
		}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// VaultKey returns the decoded vault key, or nil when encryption is
// disabled. Call after Validate.
func (c Config) VaultKey() []byte {
	if c.Vault.Key == "" {
		return nil
	}
	key, err := hex.DecodeString(c.Vault.Key)
	if err != nil {
		return nil
	}
	return key
}
