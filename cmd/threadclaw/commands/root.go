// Package commands implements the threadclaw CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "threadclaw",
		Short: "threadclaw - Claude Code in your chat threads",
		Long: `threadclaw relays Slack and Discord mentions to the Claude Code CLI and
answers in the same thread, continuing one assistant session per thread.

Examples:
  threadclaw setup
  threadclaw serve --config ./threadclaw.yaml
  threadclaw chat --bot backend
  threadclaw config validate`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newChatCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
