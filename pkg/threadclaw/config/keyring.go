package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "threadclaw"

// Credentials are the tokens one bot identity needs to connect.
type Credentials struct {
	// BotToken authenticates API calls (Slack xoxb-, Discord bot token).
	BotToken string

	// AppToken opens the Slack Socket Mode connection (xapp-). Unused by Discord.
	AppToken string
}

// Complete reports whether the credentials are sufficient for the platform.
func (c Credentials) Complete(platform string) bool {
	if c.BotToken == "" {
		return false
	}
	if platform == PlatformSlack {
		return c.AppToken != ""
	}
	return true
}

// EnvPrefix returns the environment variable prefix for a bot name:
// "my-bot" becomes "MY_BOT".
func EnvPrefix(bot string) string {
	return strings.ToUpper(strings.ReplaceAll(bot, "-", "_"))
}

// ResolveCredentials looks up the tokens of a bot identity. Environment
// variables <NAME>_BOT_TOKEN and <NAME>_APP_TOKEN win; missing values fall
// back to the OS keyring.
func ResolveCredentials(bot string) Credentials {
	prefix := EnvPrefix(bot)
	creds := Credentials{
		BotToken: os.Getenv(prefix + "_BOT_TOKEN"),
		AppToken: os.Getenv(prefix + "_APP_TOKEN"),
	}
	if creds.BotToken == "" {
		creds.BotToken = GetKeyring(botTokenKey(bot))
	}
	if creds.AppToken == "" {
		creds.AppToken = GetKeyring(appTokenKey(bot))
	}
	return creds
}

// StoreCredentials saves a bot's non-empty tokens in the OS keyring.
func StoreCredentials(bot string, creds Credentials) error {
	if creds.BotToken != "" {
		if err := StoreKeyring(botTokenKey(bot), creds.BotToken); err != nil {
			return fmt.Errorf("storing bot token for %s: %w", bot, err)
		}
	}
	if creds.AppToken != "" {
		if err := StoreKeyring(appTokenKey(bot), creds.AppToken); err != nil {
			return fmt.Errorf("storing app token for %s: %w", bot, err)
		}
	}
	return nil
}

// DeleteCredentials removes a bot's tokens from the OS keyring.
func DeleteCredentials(bot string) {
	_ = DeleteKeyring(botTokenKey(bot))
	_ = DeleteKeyring(appTokenKey(bot))
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	const probe = "__threadclaw_probe__"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

func botTokenKey(bot string) string { return strings.ToLower(bot) + "_bot_token" }
func appTokenKey(bot string) string { return strings.ToLower(bot) + "_app_token" }
