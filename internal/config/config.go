// Package config loads the gateway configuration: local identity,
// worker permissions, transport settings, and peer routing tables. Files
// are JSON or YAML, selected by extension.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hiamp-dev/hiamp/internal/router"
	"github.com/hiamp-dev/hiamp/internal/transport"
	"github.com/hiamp-dev/hiamp/internal/transport/discord"
	"github.com/hiamp-dev/hiamp/pkg/envelope"
)

// Config is the top-level gateway configuration.
type Config struct {
	Identity IdentityConfig           `json:"identity" yaml:"identity"`
	Workers  router.WorkerPermissions `json:"workers" yaml:"workers"`
	Settings SettingsConfig           `json:"settings" yaml:"settings"`
	Discord  DiscordConfig            `json:"discord" yaml:"discord"`
	Issues   IssuesConfig             `json:"issues" yaml:"issues"`
}

// IdentityConfig names the local agent.
type IdentityConfig struct {
	// Owner is the local half of every <owner>/<workerId> address this
	// gateway accepts delivery for.
	Owner string `json:"owner" yaml:"owner"`
}

// SettingsConfig holds cross-transport behavior and storage paths.
type SettingsConfig struct {
	InboxDir           string   `json:"inbox_dir" yaml:"inbox_dir"`
	AckStatePath       string   `json:"ack_state_path" yaml:"ack_state_path"`
	HeartbeatStatePath string   `json:"heartbeat_state_path" yaml:"heartbeat_state_path"`
	LogLevel           string   `json:"log_level" yaml:"log_level"`
	KillSwitch         bool     `json:"kill_switch" yaml:"kill_switch"`
	RatePerMinute      int      `json:"rate_per_minute" yaml:"rate_per_minute"`
	ExtraIntents       []string `json:"extra_intents,omitempty" yaml:"extra_intents,omitempty"`
	AckTimeout         string   `json:"ack_timeout" yaml:"ack_timeout"`
	AckMaxRetries      int      `json:"ack_max_retries" yaml:"ack_max_retries"`
}

// PeerChannelConfig maps one peer owner to a platform destination.
type PeerChannelConfig struct {
	ChannelID   string `json:"channel_id" yaml:"channel_id"`
	ChannelName string `json:"channel_name,omitempty" yaml:"channel_name,omitempty"`
}

// DiscordConfig wraps the transport settings with the peer table.
type DiscordConfig struct {
	discord.Config `json:",inline" yaml:",inline"`
	Peers          map[string]PeerChannelConfig `json:"peers,omitempty" yaml:"peers,omitempty"`
}

// IssuesConfig configures the issue-tracker transport and its poller.
type IssuesConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Deprecated bool   `json:"deprecated" yaml:"deprecated"`
	BaseURL    string `json:"base_url" yaml:"base_url"`
	Token      string `json:"token" yaml:"token"`

	WatchedIssueIDs   []string `json:"watched_issue_ids,omitempty" yaml:"watched_issue_ids,omitempty"`
	WatchedAgentNames []string `json:"watched_agent_names,omitempty" yaml:"watched_agent_names,omitempty"`
	PollInterval      string   `json:"poll_interval" yaml:"poll_interval"`
	InitialLookback   string   `json:"initial_lookback" yaml:"initial_lookback"`
	PageSize          int      `json:"page_size" yaml:"page_size"`

	Peers map[string]PeerChannelConfig `json:"peers,omitempty" yaml:"peers,omitempty"`
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hiamp", "config.json")
}

// DefaultConfig returns a config with every default applied. The owner
// is deliberately empty; startup fails loudly without an identity.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".hiamp")
	return &Config{
		Workers: router.WorkerPermissions{Default: router.DefaultAllow},
		Settings: SettingsConfig{
			InboxDir:           filepath.Join(base, "inbox"),
			AckStatePath:       filepath.Join(base, "acks.json"),
			HeartbeatStatePath: filepath.Join(base, "heartbeat.json"),
			LogLevel:           "info",
			RatePerMinute:      10,
			AckTimeout:         "5m",
			AckMaxRetries:      1,
		},
		Issues: IssuesConfig{
			PollInterval:    "5m",
			InitialLookback: "1h",
			PageSize:        50,
		},
	}
}

// Load reads and parses the config file at path, filling omitted fields
// with defaults. YAML is selected by a .yaml or .yml extension,
// otherwise the file is parsed as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Save writes the config to path, creating the directory if needed. The
// extension selects the format, like Load.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", path)
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "failed to serialize config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write config %s", path)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Workers.Default == "" {
		cfg.Workers.Default = def.Workers.Default
	}
	if cfg.Settings.InboxDir == "" {
		cfg.Settings.InboxDir = def.Settings.InboxDir
	}
	if cfg.Settings.AckStatePath == "" {
		cfg.Settings.AckStatePath = def.Settings.AckStatePath
	}
	if cfg.Settings.HeartbeatStatePath == "" {
		cfg.Settings.HeartbeatStatePath = def.Settings.HeartbeatStatePath
	}
	if cfg.Settings.LogLevel == "" {
		cfg.Settings.LogLevel = def.Settings.LogLevel
	}
	if cfg.Settings.RatePerMinute == 0 {
		cfg.Settings.RatePerMinute = def.Settings.RatePerMinute
	}
	if cfg.Settings.AckTimeout == "" {
		cfg.Settings.AckTimeout = def.Settings.AckTimeout
	}
	if cfg.Settings.AckMaxRetries == 0 {
		cfg.Settings.AckMaxRetries = def.Settings.AckMaxRetries
	}
	if cfg.Issues.PollInterval == "" {
		cfg.Issues.PollInterval = def.Issues.PollInterval
	}
	if cfg.Issues.InitialLookback == "" {
		cfg.Issues.InitialLookback = def.Issues.InitialLookback
	}
	if cfg.Issues.PageSize == 0 {
		cfg.Issues.PageSize = def.Issues.PageSize
	}
}

// Validate checks the parts of the config that would otherwise fail in
// confusing ways deep inside the gateway.
func (c *Config) Validate() error {
	if c.Identity.Owner == "" {
		return errors.New("identity.owner is required")
	}
	if strings.Contains(c.Identity.Owner, "/") {
		return errors.Errorf("identity.owner %q must not contain '/'", c.Identity.Owner)
	}
	if d := c.Workers.Default; d != router.DefaultAllow && d != router.DefaultDeny {
		return errors.Errorf("workers.default must be %q or %q, got %q", router.DefaultAllow, router.DefaultDeny, d)
	}
	if c.Settings.RatePerMinute < 0 {
		return errors.New("settings.rate_per_minute must not be negative")
	}
	for field, value := range map[string]string{
		"settings.ack_timeout":    c.Settings.AckTimeout,
		"issues.poll_interval":    c.Issues.PollInterval,
		"issues.initial_lookback": c.Issues.InitialLookback,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return errors.Errorf("%s: %q is not a valid duration", field, value)
		}
	}
	if c.Issues.Enabled && c.Issues.BaseURL == "" {
		return errors.New("issues.base_url is required when the issue transport is enabled")
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return errors.New("discord.token is required when the discord transport is enabled")
	}
	return nil
}

// Duration parses one of the validated duration fields, falling back to
// def when the field is empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Channels converts a peer table into the resolver's channel map.
func Channels(peers map[string]PeerChannelConfig) map[string]transport.PeerChannel {
	out := make(map[string]transport.PeerChannel, len(peers))
	for owner, pc := range peers {
		out[owner] = transport.PeerChannel{ChannelID: pc.ChannelID, ChannelName: pc.ChannelName}
	}
	return out
}

// ExtraIntents converts the configured intent extensions to the
// validator's type.
func (c *Config) ExtraIntents() []envelope.Intent {
	out := make([]envelope.Intent, 0, len(c.Settings.ExtraIntents))
	for _, in := range c.Settings.ExtraIntents {
		out = append(out, envelope.Intent(in))
	}
	return out
}
