package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	Chat    ChatConfig    `toml:"chat"`
	Logging LoggingConfig `toml:"logging"`
	Storage StorageConfig `toml:"storage"`
	Plugins PluginsConfig `toml:"plugins"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	DataDir     string `toml:"data_dir"`
	AutoConnect bool   `toml:"auto_connect"`
}

// ChatConfig contains protocol-level chat settings
type ChatConfig struct {
	// JoinTimeoutSeconds bounds the wait for a room's presence echo.
	JoinTimeoutSeconds int `toml:"join_timeout_seconds"`

	// TypingGraceSeconds is how long a composing state survives without an
	// explicit stop signal.
	TypingGraceSeconds int `toml:"typing_grace_seconds"`

	// HistoryPageSize is the default maximum count per history page.
	HistoryPageSize int `toml:"history_page_size"`

	// RoomsPersistent and RoomsMembersOnly are applied to rooms created by
	// this client.
	RoomsPersistent  bool `toml:"rooms_persistent"`
	RoomsMembersOnly bool `toml:"rooms_members_only"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains local cache settings
type StorageConfig struct {
	// SaveMessages enables/disables the local message cache
	SaveMessages bool `toml:"save_messages"`

	// MessageRetentionDays is the number of days to keep messages (0 = forever)
	MessageRetentionDays int `toml:"message_retention_days"`
}

// PluginsConfig contains plugin settings
type PluginsConfig struct {
	Enabled   []string `toml:"enabled"`
	PluginDir string   `toml:"plugin_dir"`
}

// Account represents a chat account configuration
type Account struct {
	JID              string `toml:"jid"`
	Password         string `toml:"password"`
	Server           string `toml:"server"`
	Port             int    `toml:"port"`
	Resource         string `toml:"resource"`
	UseWebsocket     bool   `toml:"use_websocket"`
	WebsocketURL     string `toml:"websocket_url"`
	ConferenceDomain string `toml:"conference_domain"`
	AutoConnect      bool   `toml:"auto_connect"`
}

// AccountsConfig contains all account configurations
type AccountsConfig struct {
	Accounts []Account `toml:"accounts"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:     "",
			AutoConnect: true,
		},
		Chat: ChatConfig{
			JoinTimeoutSeconds: 3,
			TypingGraceSeconds: 10,
			HistoryPageSize:    30,
			RoomsPersistent:    true,
			RoomsMembersOnly:   false,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: false,
		},
		Storage: StorageConfig{
			SaveMessages:         true,
			MessageRetentionDays: 0, // Forever
		},
		Plugins: PluginsConfig{
			Enabled:   []string{},
			PluginDir: "",
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "parley")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "parley")

	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	cacheDir = filepath.Join(cacheDir, "parley")

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config doesn't exist, use defaults
		cfg.General.DataDir = paths.DataDir
		cfg.Plugins.PluginDir = filepath.Join(paths.DataDir, "plugins")
		cfg.Logging.File = filepath.Join(paths.DataDir, "parley.log")
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.General.DataDir == "" {
		cfg.General.DataDir = paths.DataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Plugins.PluginDir == "" {
		cfg.Plugins.PluginDir = filepath.Join(cfg.General.DataDir, "plugins")
	} else {
		cfg.Plugins.PluginDir = expandPath(cfg.Plugins.PluginDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, "parley.log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	return cfg, nil
}

// LoadAccounts loads account configurations
func LoadAccounts() (*AccountsConfig, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")

	if _, err := os.Stat(accountsPath); os.IsNotExist(err) {
		return &AccountsConfig{Accounts: []Account{}}, nil
	}

	var accounts AccountsConfig
	if _, err := toml.DecodeFile(accountsPath, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	for i := range accounts.Accounts {
		applyAccountDefaults(&accounts.Accounts[i])
	}

	return &accounts, nil
}

func applyAccountDefaults(a *Account) {
	if a.Port == 0 {
		a.Port = 5222
	}
	if a.Resource == "" {
		a.Resource = "parley"
	}
	if a.ConferenceDomain == "" {
		// conference.<domain> per the MUC convention
		if at := strings.IndexByte(a.JID, '@'); at >= 0 {
			a.ConferenceDomain = "conference." + a.JID[at+1:]
		}
	}
}

// Save saves the configuration to the config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// SaveAccounts saves account configurations
func SaveAccounts(accounts *AccountsConfig) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")
	f, err := os.Create(accountsPath)
	if err != nil {
		return fmt.Errorf("failed to create accounts file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(accounts); err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
