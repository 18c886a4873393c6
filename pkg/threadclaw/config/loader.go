package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment references in the raw YAML:
//
//	${VAR}          value of VAR, placeholder kept when unset
//	${VAR:-default} value of VAR, or default when unset
//	${VAR:?message} value of VAR, or a load error with message when unset
//	$VAR            value of VAR, placeholder kept when unset
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// envFiles are loaded before parsing. Existing variables are never overridden.
var envFiles = []string{".env", ".env.local"}

// configCandidates is the search order used when no --config is given.
var configCandidates = []string{
	"threadclaw.yaml",
	"threadclaw.yml",
	"config.yaml",
	"configs/threadclaw.yaml",
}

// Load reads, expands, parses and validates a configuration file.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveRelativePaths(cfg, path)
	checkFilePermissions(path, logger)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into a Config starting from DefaultConfig and applies
// per-bot defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if cfg.Bots == nil {
		cfg.Bots = make(map[string]*Bot)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions, keeping a .bak copy
// of any file it replaces.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Find returns the first existing default config path, or "".
func Find() string {
	for _, p := range configCandidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ExpandEnv substitutes environment references in input. Every ${VAR:?msg}
// whose variable is unset is reported in the returned error.
func ExpandEnv(input string) (string, error) {
	var missing []error

	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, arg, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if val, ok := os.LookupEnv(bare); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch modifier {
		case "-":
			return arg
		case "?":
			if arg == "" {
				arg = "required environment variable not set"
			}
			missing = append(missing, fmt.Errorf("%s: %s", name, arg))
			return ""
		}
		return match
	})

	if len(missing) > 0 {
		return "", errors.Join(missing...)
	}
	return out, nil
}

// loadEnvFiles loads .env files from the working directory and the config
// directory. godotenv.Load does not overwrite variables that are already set.
func loadEnvFiles(configDir string) {
	dirs := []string{"."}
	if configDir != "" && configDir != "." {
		dirs = append(dirs, configDir)
	}
	for _, dir := range dirs {
		for _, f := range envFiles {
			_ = godotenv.Load(filepath.Join(dir, f))
		}
	}
}

// resolveRelativePaths makes repo and audit paths absolute relative to the
// config file's directory, so the daemon works from any working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	for _, b := range cfg.Bots {
		if b != nil {
			b.RepoPath = resolvePath(b.RepoPath, dir)
		}
	}
	cfg.Audit.Path = resolvePath(cfg.Audit.Path, dir)
}

// resolvePath expands ~ and anchors relative paths at baseDir.
func resolvePath(path, baseDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// checkFilePermissions warns when the config is readable by group or others.
func checkFilePermissions(path string, logger *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		logger.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
