package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.echochat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Store   ConfigStore   `toml:"store"`
	Reply   ConfigReply   `toml:"reply"`
	Push    ConfigPush    `toml:"push"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds the service settings.
type ConfigDefault struct {
	BaseURL        string `toml:"base_url"`
	RequestTimeout string `toml:"request_timeout"`
}

// ConfigStore selects the echo store backend.
type ConfigStore struct {
	Backend       string `toml:"backend"`
	Path          string `toml:"path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// ConfigReply selects the counterpart reply source.
type ConfigReply struct {
	Mode          string `toml:"mode"`
	Delay         string `toml:"delay"`
	WaitTimeout   string `toml:"wait_timeout"`
	PollInterval  string `toml:"poll_interval"`
	PollAttempts  int    `toml:"poll_attempts"`
	OpenAIBaseURL string `toml:"openai_base_url"`
	OpenAIAPIKey  string `toml:"openai_api_key"`
	OpenAIModel   string `toml:"openai_model"`
}

// ConfigPush configures the listen command.
type ConfigPush struct {
	Addr   string `toml:"addr"`
	Secret string `toml:"secret"`
}

// ConfigAuth holds the single authenticated-user record.
type ConfigAuth struct {
	Token   string `toml:"token"`
	UserID  string `toml:"user_id"`
	Email   string `toml:"email"`
	Name    string `toml:"name"`
	Expires string `toml:"expires"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns ECHOCHAT_HOME or ~/.echochat, creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("ECHOCHAT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".echochat")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "reply.mode").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "request_timeout":
			cfg.Default.RequestTimeout = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "store":
		switch field {
		case "backend":
			cfg.Store.Backend = value
		case "path":
			cfg.Store.Path = value
		case "redis_addr":
			cfg.Store.RedisAddr = value
		case "redis_password":
			cfg.Store.RedisPassword = value
		case "redis_db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("store.redis_db must be an integer: %w", err)
			}
			cfg.Store.RedisDB = n
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "reply":
		switch field {
		case "mode":
			cfg.Reply.Mode = value
		case "delay":
			cfg.Reply.Delay = value
		case "wait_timeout":
			cfg.Reply.WaitTimeout = value
		case "poll_interval":
			cfg.Reply.PollInterval = value
		case "poll_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("reply.poll_attempts must be an integer: %w", err)
			}
			cfg.Reply.PollAttempts = n
		case "openai_base_url":
			cfg.Reply.OpenAIBaseURL = value
		case "openai_api_key":
			cfg.Reply.OpenAIAPIKey = value
		case "openai_model":
			cfg.Reply.OpenAIModel = value
		default:
			return fmt.Errorf("unknown field %q in section [reply]", field)
		}
	case "push":
		switch field {
		case "addr":
			cfg.Push.Addr = value
		case "secret":
			cfg.Push.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [push]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "email":
			cfg.Auth.Email = value
		case "name":
			cfg.Auth.Name = value
		case "expires":
			cfg.Auth.Expires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, store, reply, push, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose bool
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "echochat",
	Short: "Chat client with optimistic local echo",
	Long:  "Command-line client for the conversation service.\nLog in, list and rename conversations, read threads and send messages.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
