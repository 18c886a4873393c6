package commands

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/config"
)

// newConfigCmd creates the `threadclaw config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load the configuration and report problems and missing tokens",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, path, err := resolveConfig(cmd, slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)))
				if err != nil {
					return err
				}
				return reportConfig(cmd.OutOrStdout(), cfg, path)
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with defaults applied",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := resolveConfig(cmd, slog.New(slog.NewTextHandler(io.Discard, nil)))
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cfg)
			},
		},
		&cobra.Command{
			Use:   "forget <bot>",
			Short: "Remove a bot's tokens from the OS keyring",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				config.DeleteCredentials(args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "Tokens for %s removed from the keyring.\n", args[0])
			},
		},
	)
	return cmd
}

// reportConfig prints one line per bot with its token status. It returns an
// error when no bot has complete tokens.
func reportConfig(w io.Writer, cfg *config.Config, path string) error {
	fmt.Fprintf(w, "%s: ok (%d bots, %d workers)\n", path, len(cfg.Bots), cfg.Workers)

	usable := 0
	for _, name := range cfg.BotNames() {
		bot := cfg.Bots[name]
		status := "tokens ok"
		if config.ResolveCredentials(name).Complete(bot.Platform) {
			usable++
		} else {
			status = "missing tokens: " + missingTokenHint(name, bot.Platform)
		}
		fmt.Fprintf(w, "  %-16s %-8s %s (%s)\n", name, bot.Platform, bot.RepoPath, status)
	}

	if usable == 0 {
		return fmt.Errorf("no bot has complete tokens")
	}
	return nil
}

// newVersionCmd creates the `threadclaw version` command.
func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "threadclaw %s (%s %s/%s)\n",
				version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
