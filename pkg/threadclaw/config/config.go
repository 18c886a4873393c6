// Package config loads the threadclaw configuration: the process-wide
// settings plus one entry per bot identity (platform, target repository,
// timeout, turn budget, tool allow-list, reaction set and history cap).
//
// The configuration is read once at startup and never hot-reloaded.
package config

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Platform names accepted in bot entries.
const (
	PlatformSlack   = "slack"
	PlatformDiscord = "discord"
)

// Defaults.
const (
	DefaultWorkers          = 10
	DefaultMaxTurns         = 40
	DefaultTimeoutSeconds   = 300
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultProcessingEmoji  = "hourglass_flowing_sand"
	DefaultSuccessEmoji     = "white_check_mark"
	DefaultFailureEmoji     = "x"
	DefaultGatewayAddress   = ":8086"
	DefaultAuditPath        = "./data/threadclaw.db"
	DefaultAuditRetention   = 30
	DefaultStatsSchedule    = "@every 15m"
	DefaultClaudeBinaryName = "claude"
)

// Config is the root configuration document.
type Config struct {
	// Workers is the number of requests processed concurrently.
	Workers int `yaml:"workers"`

	// QueueSize is the buffered backlog before mentions spill into the
	// overflow queue. Zero means Workers * 10.
	QueueSize int `yaml:"queue_size,omitempty"`

	// ShutdownTimeout bounds the best-effort wait for in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Logging LoggingConfig `yaml:"logging"`
	Gateway GatewayConfig `yaml:"gateway"`
	Audit   AuditConfig   `yaml:"audit"`

	// StatsSchedule is a cron expression for the periodic session stats log.
	// Empty disables it.
	StatsSchedule string `yaml:"stats_schedule"`

	// Bots maps bot identity names to their settings.
	Bots map[string]*Bot `yaml:"bots"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// GatewayConfig configures the health/status HTTP endpoint.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AuditConfig configures the SQLite request audit log.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Bot is the configuration of one bot identity.
type Bot struct {
	// Platform is "slack" (default) or "discord".
	Platform string `yaml:"platform"`

	// RepoPath is the repository the assistant works in (the target context).
	RepoPath string `yaml:"repo_path"`

	// Timeout is the per-request assistant timeout in seconds.
	Timeout int `yaml:"timeout"`

	// MaxTurns is the assistant's turn budget.
	MaxTurns int `yaml:"max_turns"`

	// AllowedTools restricts the assistant's tools. Empty means unrestricted.
	AllowedTools []string `yaml:"allowed_tools,omitempty"`

	// ProcessingEmojis is the set the in-progress reaction is drawn from.
	ProcessingEmojis []string `yaml:"processing_emojis"`

	// SuccessEmoji replaces the in-progress reaction when a request succeeds.
	SuccessEmoji string `yaml:"success_emoji"`

	// FailureEmoji replaces the in-progress reaction when a request fails.
	FailureEmoji string `yaml:"failure_emoji"`

	// MaxHistory caps how many trailing thread messages reach the prompt.
	// Zero means no cap.
	MaxHistory int `yaml:"max_history,omitempty"`

	// Model selects the assistant model alias. Empty uses the CLI default.
	Model string `yaml:"model,omitempty"`

	// ClaudeBinary is the assistant executable.
	ClaudeBinary string `yaml:"claude_binary,omitempty"`

	// AllowedChannels restricts which channel ids the bot answers in.
	// Empty means every channel.
	AllowedChannels []string `yaml:"allowed_channels,omitempty"`
}

// TimeoutDuration returns Timeout as a duration.
func (b *Bot) TimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// AllowsChannel reports whether the bot answers in the given channel.
func (b *Bot) AllowsChannel(id string) bool {
	if len(b.AllowedChannels) == 0 {
		return true
	}
	for _, c := range b.AllowedChannels {
		if c == id {
			return true
		}
	}
	return false
}

// DefaultConfig returns a Config with defaults and no bots.
func DefaultConfig() *Config {
	return &Config{
		Workers:         DefaultWorkers,
		ShutdownTimeout: DefaultShutdownTimeout,
		Logging:         LoggingConfig{Level: "info", Format: "text"},
		Gateway:         GatewayConfig{Address: DefaultGatewayAddress},
		Audit:           AuditConfig{Path: DefaultAuditPath, RetentionDays: DefaultAuditRetention},
		StatsSchedule:   DefaultStatsSchedule,
		Bots:            make(map[string]*Bot),
	}
}

// DefaultBot returns a bot entry with defaults for the given repository.
func DefaultBot(repoPath string) *Bot {
	b := &Bot{RepoPath: repoPath}
	b.applyDefaults()
	return b
}

// BotNames returns the configured bot names in sorted order.
func (c *Config) BotNames() []string {
	names := make([]string, 0, len(c.Bots))
	for name := range c.Bots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyDefaults fills zero values that have a documented default.
func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Gateway.Address == "" {
		c.Gateway.Address = DefaultGatewayAddress
	}
	if c.Audit.Path == "" {
		c.Audit.Path = DefaultAuditPath
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = DefaultAuditRetention
	}
	for _, b := range c.Bots {
		if b != nil {
			b.applyDefaults()
		}
	}
}

func (b *Bot) applyDefaults() {
	if b.Platform == "" {
		b.Platform = PlatformSlack
	}
	if b.Timeout == 0 {
		b.Timeout = DefaultTimeoutSeconds
	}
	if b.MaxTurns <= 0 {
		b.MaxTurns = DefaultMaxTurns
	}
	if len(b.ProcessingEmojis) == 0 {
		b.ProcessingEmojis = []string{DefaultProcessingEmoji}
	}
	if b.SuccessEmoji == "" {
		b.SuccessEmoji = DefaultSuccessEmoji
	}
	if b.FailureEmoji == "" {
		b.FailureEmoji = DefaultFailureEmoji
	}
	if b.ClaudeBinary == "" {
		b.ClaudeBinary = DefaultClaudeBinaryName
	}
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Bots) == 0 {
		errs = append(errs, errors.New("no bots configured"))
	}
	if c.QueueSize < 0 {
		errs = append(errs, errors.New("queue_size must not be negative"))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: must be text or json", c.Logging.Format))
	}

	for _, name := range c.BotNames() {
		b := c.Bots[name]
		if b == nil {
			errs = append(errs, fmt.Errorf("bot %q: empty entry", name))
			continue
		}
		if err := b.validate(); err != nil {
			errs = append(errs, fmt.Errorf("bot %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) validate() error {
	var errs []error
	switch b.Platform {
	case PlatformSlack, PlatformDiscord:
	default:
		errs = append(errs, fmt.Errorf("unknown platform %q", b.Platform))
	}
	if b.RepoPath == "" {
		errs = append(errs, errors.New("repo_path is required"))
	}
	if b.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if b.MaxHistory < 0 {
		errs = append(errs, errors.New("max_history must not be negative"))
	}
	return errors.Join(errs...)
}
