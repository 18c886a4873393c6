package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels/console"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/config"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/relay"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/session"
)

// newChatCmd creates the `threadclaw chat` command: a local conversation
// with one bot's assistant, without any chat platform.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a bot's assistant from the terminal",
		Long: `Open a local prompt wired to one configured bot. Every line is sent as a
mention in a single thread, so follow-up questions continue the same
Claude session. Type /exit or press Ctrl-D to leave.

Examples:
  threadclaw chat
  threadclaw chat --bot backend`,
		RunE: runChat,
	}
	cmd.Flags().StringP("bot", "b", "", "bot whose repository and limits to use (default: first configured)")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("chat needs an interactive terminal")
	}

	cfg, _, err := resolveConfig(cmd, nil)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logCfg := cfg.Logging
	if !verbose {
		logCfg.Level = "warn"
	}
	logger := newLogger(os.Stderr, logCfg, verbose)

	name, _ := cmd.Flags().GetString("bot")
	name, bot, err := pickBot(cfg, name)
	if err != nil {
		return err
	}

	// The local thread is not a platform channel.
	local := *bot
	local.AllowedChannels = nil

	con := console.New(console.Config{HistoryFile: chatHistoryFile()}, logger)
	binding := &relay.Binding{
		Name:      name,
		Bot:       &local,
		Transport: con,
		Assistant: newAssistant(bot, logger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := relay.New(session.New(), relay.Options{Workers: 1, Logger: logger})
	manager := channels.NewManager(logger)
	if err := manager.Register(name, con); err != nil {
		return err
	}

	fmt.Printf("threadclaw chat: %s (%s). Type /exit to leave.\n\n", name, bot.RepoPath)

	orch.Start(ctx)
	if err := manager.Start(ctx); err != nil {
		orch.Stop()
		manager.Stop()
		return err
	}
	go orch.Dispatch(ctx, manager.Mentions(), map[string]*relay.Binding{name: binding})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	select {
	case <-con.Done():
	case <-sigChan:
	}

	manager.Stop()
	orch.Stop()
	orch.Wait(bot.TimeoutDuration())
	return nil
}

// pickBot returns the named bot, or the first one in name order.
func pickBot(cfg *config.Config, name string) (string, *config.Bot, error) {
	if name == "" {
		names := cfg.BotNames()
		if len(names) == 0 {
			return "", nil, errors.New("no bots configured")
		}
		name = names[0]
	}
	bot, ok := cfg.Bots[name]
	if !ok {
		return "", nil, fmt.Errorf("bot %q is not configured", name)
	}
	return name, bot, nil
}

func chatHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".threadclaw_history")
}
