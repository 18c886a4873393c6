package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels/discord"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels/slack"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/claude"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/config"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/relay"
)

// errNoConfig is returned when no --config is given and none is found.
var errNoConfig = errors.New("no configuration file found (run `threadclaw setup` or pass --config)")

// resolveConfig loads the file named by --config, or the first default
// location that exists.
func resolveConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = config.Find()
	}
	if configPath == "" {
		return nil, "", errNoConfig
	}

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

// newLogger builds the process logger from the logging section. verbose
// forces debug level.
func newLogger(w io.Writer, cfg config.LoggingConfig, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newAssistant builds the Claude CLI invoker for one bot.
func newAssistant(bot *config.Bot, logger *slog.Logger) *claude.Invoker {
	return claude.New(claude.Config{
		Binary:       bot.ClaudeBinary,
		WorkDir:      bot.RepoPath,
		Timeout:      bot.TimeoutDuration(),
		MaxTurns:     bot.MaxTurns,
		AllowedTools: bot.AllowedTools,
		Model:        bot.Model,
	}, logger)
}

// newTransport builds the platform transport for a bot from its credentials.
func newTransport(bot *config.Bot, creds config.Credentials, debug bool, logger *slog.Logger) (channels.Transport, error) {
	switch bot.Platform {
	case config.PlatformSlack:
		return slack.New(slack.Config{
			BotToken: creds.BotToken,
			AppToken: creds.AppToken,
			Debug:    debug,
		}, logger), nil
	case config.PlatformDiscord:
		return discord.New(discord.Config{Token: creds.BotToken}, logger), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", bot.Platform)
	}
}

// buildBindings creates one binding per bot whose tokens resolve. Bots with
// missing tokens are skipped with a warning. It fails only when no bot is
// usable.
func buildBindings(cfg *config.Config, logger *slog.Logger) (map[string]*relay.Binding, error) {
	bindings := make(map[string]*relay.Binding, len(cfg.Bots))
	debug := strings.EqualFold(cfg.Logging.Level, "debug")

	for _, name := range cfg.BotNames() {
		bot := cfg.Bots[name]
		creds := config.ResolveCredentials(name)
		if !creds.Complete(bot.Platform) {
			logger.Warn("bot skipped: missing tokens",
				"bot", name,
				"platform", bot.Platform,
				"hint", missingTokenHint(name, bot.Platform))
			continue
		}

		t, err := newTransport(bot, creds, debug, logger.With("bot", name))
		if err != nil {
			logger.Warn("bot skipped", "bot", name, "error", err)
			continue
		}
		bindings[name] = &relay.Binding{
			Name:      name,
			Bot:       bot,
			Transport: t,
			Assistant: newAssistant(bot, logger.With("bot", name)),
		}
	}

	if len(bindings) == 0 {
		return nil, errors.New("no bots with valid tokens configured")
	}
	return bindings, nil
}

func missingTokenHint(name, platform string) string {
	prefix := config.EnvPrefix(name)
	if platform == config.PlatformSlack {
		return fmt.Sprintf("set %s_BOT_TOKEN and %s_APP_TOKEN or run `threadclaw setup`", prefix, prefix)
	}
	return fmt.Sprintf("set %s_BOT_TOKEN or run `threadclaw setup`", prefix)
}
