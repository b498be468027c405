package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config holds daemon and client runtime configuration. Fields covered by Tunables may change
// under Reload; code that runs while the daemon serves reads them through Current.
type Config struct {
	mu sync.RWMutex

	// daemon
	Listen          string // JSON-RPC listener for internal producers
	HTTPAddr        string // HTTP API, SSE streams, health
	HTTPToken       string // optional shared token for project routes
	LogLevel        string // debug|info|warn|error
	WorkspaceRoot   string // one directory per project
	SettingsPath    string // ~/.projectfeed/settings.toml
	TextExtensions  []string
	ExcludePatterns []string
	MaxFileBytes    int64
	WatchDebounce   time.Duration
	Heartbeat       time.Duration
	WriteTimeout    time.Duration

	// client
	ServerURL            string
	CachePath            string
	Debounce             time.Duration
	MaxReconnectAttempts int
	BulkRefreshThreshold int
	MaxResults           int
}

// Tunables is the reloadable subset of Config.
type Tunables struct {
	HTTPToken       string
	TextExtensions  []string
	ExcludePatterns []string
	MaxFileBytes    int64
	WatchDebounce   time.Duration
	Heartbeat       time.Duration
	WriteTimeout    time.Duration
	Debounce        time.Duration
	MaxResults      int
}

// Current returns a consistent snapshot of the reloadable settings. The slices are replaced, never
// mutated, on reload.
func (c *Config) Current() Tunables {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Tunables{
		HTTPToken:       c.HTTPToken,
		TextExtensions:  c.TextExtensions,
		ExcludePatterns: c.ExcludePatterns,
		MaxFileBytes:    c.MaxFileBytes,
		WatchDebounce:   c.WatchDebounce,
		Heartbeat:       c.Heartbeat,
		WriteTimeout:    c.WriteTimeout,
		Debounce:        c.Debounce,
		MaxResults:      c.MaxResults,
	}
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("LISTEN", "127.0.0.1:7043")
	v.SetDefault("HTTP_ADDR", "127.0.0.1:7044")
	v.SetDefault("HTTP_TOKEN", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("WORKSPACE_ROOT", filepath.Join(home, ".projectfeed", "projects"))
	v.SetDefault("TEXT_EXTENSIONS", []string{
		".js", ".jsx", ".ts", ".tsx", ".json", ".md", ".css", ".html", ".txt", ".yml", ".yaml", ".go", ".py",
	})
	v.SetDefault("EXCLUDE_PATTERNS", []string{".git", "node_modules", ".expo", "dist", "build", "vendor"})
	v.SetDefault("MAX_FILE_BYTES", 1<<20)
	v.SetDefault("WATCH_DEBOUNCE_MS", 600)
	v.SetDefault("HEARTBEAT_SECONDS", 15)
	v.SetDefault("WRITE_TIMEOUT_SECONDS", 10)

	v.SetDefault("SERVER_URL", "http://127.0.0.1:7044")
	v.SetDefault("CACHE_PATH", filepath.Join(home, ".projectfeed", "cache.db"))
	v.SetDefault("DEBOUNCE_MS", 500)
	v.SetDefault("MAX_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("BULK_REFRESH_THRESHOLD", 10)
	v.SetDefault("MAX_RESULTS", 500)
}

func read(settingsPath, home string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(settingsPath)
	v.SetConfigType("toml")
	v.SetEnvPrefix("PROJECTFEED")
	v.AutomaticEnv()
	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		// viper reports a missing explicit config file as a PathError, not ConfigFileNotFoundError
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads ~/.projectfeed/settings.toml (or settingsOverride) and applies defaults.
func Load(settingsOverride string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("user home: %w", err)
	}

	settingsPath := filepath.Join(home, ".projectfeed", "settings.toml")
	if settingsOverride != "" {
		settingsPath = settingsOverride
	}

	v, err := read(settingsPath, home)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Listen:        v.GetString("LISTEN"),
		HTTPAddr:      v.GetString("HTTP_ADDR"),
		WorkspaceRoot: v.GetString("WORKSPACE_ROOT"),
		SettingsPath:  settingsPath,
		LogLevel:      v.GetString("LOG_LEVEL"),
		ServerURL:     v.GetString("SERVER_URL"),
		CachePath:     v.GetString("CACHE_PATH"),
	}
	cfg.apply(v)
	return cfg, nil
}

// Reload re-reads the settings file and updates tunables. Listen addresses, the workspace root
// and the cache path keep their startup values.
func (c *Config) Reload() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("user home: %w", err)
	}
	v, err := read(c.SettingsPath, home)
	if err != nil {
		return err
	}
	c.apply(v)
	return nil
}

func (c *Config) apply(v *viper.Viper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HTTPToken = v.GetString("HTTP_TOKEN")
	c.TextExtensions = v.GetStringSlice("TEXT_EXTENSIONS")
	c.ExcludePatterns = v.GetStringSlice("EXCLUDE_PATTERNS")
	c.MaxFileBytes = v.GetInt64("MAX_FILE_BYTES")
	c.WatchDebounce = time.Duration(v.GetInt("WATCH_DEBOUNCE_MS")) * time.Millisecond
	c.Heartbeat = time.Duration(v.GetInt("HEARTBEAT_SECONDS")) * time.Second
	c.WriteTimeout = time.Duration(v.GetInt("WRITE_TIMEOUT_SECONDS")) * time.Second
	c.Debounce = time.Duration(v.GetInt("DEBOUNCE_MS")) * time.Millisecond
	c.MaxReconnectAttempts = v.GetInt("MAX_RECONNECT_ATTEMPTS")
	c.BulkRefreshThreshold = v.GetInt("BULK_REFRESH_THRESHOLD")
	c.MaxResults = v.GetInt("MAX_RESULTS")
}
