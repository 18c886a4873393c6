package commands

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/config"
)

var botNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// newSetupCmd creates the `threadclaw setup` wizard.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive wizard to add a bot",
		Long: `Ask for a bot name, platform, repository and tokens, then write the bot
into the configuration file. Tokens go to the OS keyring when available and
never into the YAML file.

Examples:
  threadclaw setup
  threadclaw setup --config ./configs/threadclaw.yaml`,
		RunE: runSetup,
	}
	return cmd
}

// setupAnswers holds the wizard state.
type setupAnswers struct {
	Name       string
	Platform   string
	RepoPath   string
	Timeout    string
	BotToken   string
	AppToken   string
	UseKeyring bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("setup needs an interactive terminal")
	}

	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.Find()
	}
	if path == "" {
		path = "threadclaw.yaml"
	}

	cfg, err := loadOrDefault(path)
	if err != nil {
		return err
	}

	ans := setupAnswers{
		Platform:   config.PlatformSlack,
		Timeout:    strconv.Itoa(config.DefaultTimeoutSeconds),
		UseKeyring: config.KeyringAvailable(),
	}
	if wd, err := os.Getwd(); err == nil {
		ans.RepoPath = wd
	}

	if err := setupForm(&ans, cfg).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}

	bot, err := applyAnswers(cfg, ans)
	if err != nil {
		return err
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("\nBot %q written to %s\n", ans.Name, path)

	creds := config.Credentials{BotToken: ans.BotToken, AppToken: ans.AppToken}
	if ans.UseKeyring {
		if err := config.StoreCredentials(ans.Name, creds); err != nil {
			fmt.Printf("Could not store tokens in the keyring: %v\n", err)
		} else {
			fmt.Println("Tokens stored in the OS keyring.")
			return nil
		}
	}

	prefix := config.EnvPrefix(ans.Name)
	fmt.Println("\nExport the tokens before running `threadclaw serve`:")
	fmt.Printf("  export %s_BOT_TOKEN=...\n", prefix)
	if bot.Platform == config.PlatformSlack {
		fmt.Printf("  export %s_APP_TOKEN=...\n", prefix)
	}
	return nil
}

func setupForm(ans *setupAnswers, cfg *config.Config) *huh.Form {
	groups := []*huh.Group{
		huh.NewGroup(
			huh.NewInput().
				Title("Bot name").
				Description("Used in logs and to name the token variables.").
				Placeholder("backend").
				Value(&ans.Name).
				Validate(func(s string) error {
					if !botNamePattern.MatchString(s) {
						return errors.New("use letters, digits, - or _, starting with a letter")
					}
					if _, exists := cfg.Bots[s]; exists {
						return fmt.Errorf("bot %q already exists", s)
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Platform").
				Options(
					huh.NewOption("Slack (Socket Mode)", config.PlatformSlack),
					huh.NewOption("Discord", config.PlatformDiscord),
				).
				Value(&ans.Platform),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Repository path").
				Description("Claude Code runs in this directory.").
				Value(&ans.RepoPath).
				Validate(validateDir),
			huh.NewInput().
				Title("Timeout (seconds)").
				Value(&ans.Timeout).
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || n <= 0 {
						return errors.New("enter a positive number of seconds")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Bot token").
				Description("xoxb-... for Slack, the bot token for Discord.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.BotToken).
				Validate(required("bot token")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("App-level token").
				Description("xapp-... with connections:write, used by Socket Mode.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.AppToken).
				Validate(required("app token")),
		).WithHideFunc(func() bool { return ans.Platform != config.PlatformSlack }),
	}

	if ans.UseKeyring {
		groups = append(groups, huh.NewGroup(
			huh.NewConfirm().
				Title("Store tokens in the OS keyring?").
				Value(&ans.UseKeyring),
		))
	}
	return huh.NewForm(groups...)
}

// applyAnswers adds the bot described by ans to cfg.
func applyAnswers(cfg *config.Config, ans setupAnswers) (*config.Bot, error) {
	timeout, err := strconv.Atoi(strings.TrimSpace(ans.Timeout))
	if err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}

	bot := config.DefaultBot(strings.TrimSpace(ans.RepoPath))
	bot.Platform = ans.Platform
	bot.Timeout = timeout

	if cfg.Bots == nil {
		cfg.Bots = make(map[string]*config.Bot)
	}
	cfg.Bots[ans.Name] = bot
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return bot, nil
}

// loadOrDefault parses an existing file without validating it, so a bot can
// be added to a config that has none yet.
func loadOrDefault(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return config.Parse(data)
}

func validateDir(path string) error {
	info, err := os.Stat(strings.TrimSpace(path))
	if err != nil {
		return fmt.Errorf("cannot access %s", path)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}
