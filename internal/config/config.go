package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DataDir    string           `json:"data_dir" env:"CHATRELAY_DATA_DIR"`
	LogLevel   string           `json:"log_level" env:"CHATRELAY_LOG_LEVEL"`
	LogFormat  string           `json:"log_format" env:"CHATRELAY_LOG_FORMAT"`
	Adapter    AdapterConfig    `json:"adapter"`
	Connection ConnectionConfig `json:"connection"`
	Database   DatabaseConfig   `json:"database"`
	HTTP       HTTPConfig       `json:"http"`
	Report     ReportConfig     `json:"report"`
	Journal    JournalConfig    `json:"journal"`
}

type AdapterConfig struct {
	PlatformID        string  `json:"platform_id" env:"CHATRELAY_PLATFORM_ID"`
	PollInterval      float64 `json:"poll_interval" env:"CHATRELAY_POLL_INTERVAL"`
	PollBackoff       bool    `json:"poll_backoff" env:"CHATRELAY_POLL_BACKOFF"`
	MaxConcurrentPush int     `json:"max_concurrent_push" env:"CHATRELAY_MAX_CONCURRENT_PUSH"`
	DropEmptyInbound  bool    `json:"drop_empty_inbound" env:"CHATRELAY_DROP_EMPTY_INBOUND"`
	SessionFromGroup  bool    `json:"session_from_group" env:"CHATRELAY_SESSION_FROM_GROUP"`
}

type ConnectionConfig struct {
	WSURL             string  `json:"ws_url" env:"CHATRELAY_WS_URL"`
	Token             string  `json:"token" env:"CHATRELAY_WS_TOKEN"`
	BackendURL        string  `json:"http_backend_url" env:"CHATRELAY_BACKEND_URL"`
	RequestTimeout    float64 `json:"request_timeout" env:"CHATRELAY_REQUEST_TIMEOUT"`
	ReconnectInterval float64 `json:"reconnect_interval" env:"CHATRELAY_RECONNECT_INTERVAL"`
}

type DatabaseConfig struct {
	Driver string `json:"driver" env:"CHATRELAY_DB_DRIVER"`
	Path   string `json:"path" env:"CHATRELAY_DB_PATH"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled" env:"CHATRELAY_HTTP_ENABLED"`
	Listen  string `json:"listen" env:"CHATRELAY_HTTP_LISTEN"`
}

type ReportConfig struct {
	Schedule string `json:"schedule" env:"CHATRELAY_REPORT_SCHEDULE"`
}

type JournalConfig struct {
	Enabled bool `json:"enabled" env:"CHATRELAY_JOURNAL_ENABLED"`
}

// Defaults returns a Config populated with the built-in defaults.
func Defaults() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".chatrelay"),
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.Adapter.PlatformID = "maimai_http_adapter"
	cfg.Adapter.PollInterval = 2
	cfg.Adapter.MaxConcurrentPush = 4
	cfg.Connection.WSURL = "ws://127.0.0.1:8000/ws"
	cfg.Connection.BackendURL = "http://127.0.0.1:8050"
	cfg.Connection.RequestTimeout = 10
	cfg.Connection.ReconnectInterval = 5
	cfg.Database.Driver = "sqlite"
	cfg.HTTP.Listen = "127.0.0.1:8060"
	cfg.Report.Schedule = "@every 5m"
	cfg.Journal.Enabled = true
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	cfg.Connection.BackendURL = strings.TrimRight(cfg.Connection.BackendURL, "/")
	return cfg, nil
}

// Validate reports the first setting the relay cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Adapter.PlatformID == "":
		return errors.New("adapter.platform_id must not be empty")
	case c.Adapter.PollInterval < 0:
		return errors.New("adapter.poll_interval must not be negative")
	case c.Adapter.MaxConcurrentPush < 1:
		return errors.New("adapter.max_concurrent_push must be at least 1")
	case c.Connection.RequestTimeout < 0:
		return errors.New("connection.request_timeout must not be negative")
	case c.Connection.ReconnectInterval < 0:
		return errors.New("connection.reconnect_interval must not be negative")
	}
	if err := checkURL("connection.ws_url", c.Connection.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if err := checkURL("connection.http_backend_url", c.Connection.BackendURL, "http", "https"); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "", "sqlite", "json":
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, json", c.Database.Driver)
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s %q is not a valid url", key, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s", key, strings.Join(schemes, " or "))
}

// DatabasePath returns the group store location, defaulting into DataDir.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	if c.Database.Driver == "json" {
		return filepath.Join(c.DataDir, "groups.json")
	}
	return filepath.Join(c.DataDir, "chat.db")
}

func (a AdapterConfig) Interval() time.Duration {
	return seconds(a.PollInterval, 2*time.Second)
}

func (c ConnectionConfig) Timeout() time.Duration {
	return seconds(c.RequestTimeout, 10*time.Second)
}

// Reconnect returns the base reconnect delay. Zero disables reconnects.
func (c ConnectionConfig) Reconnect() time.Duration {
	if c.ReconnectInterval <= 0 {
		return 0
	}
	return seconds(c.ReconnectInterval, 5*time.Second)
}

func seconds(v float64, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v * float64(time.Second))
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into a generic nested map using its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every config value keyed by its dot path.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readFileMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dot-separated key in the config
// file, creating the file with defaults first if it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readFileMap(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores raw under a dot-separated key. The key must name a relay
// setting and raw is parsed as that setting's type. The file is left
// untouched when the resulting config does not validate.
func SetValue(path, key, raw string) error {
	known, err := ListValues(Defaults(), false)
	if err != nil {
		return err
	}
	like, ok := known[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	value, err := parseLike(like, raw)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}
	m, err := readFileMap(path)
	if err != nil {
		return err
	}
	flat := Flatten(m)
	flat[key] = value

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return writeAtomic(path, append(data, '\n'))
}

// parseLike parses raw as the same JSON kind as like.
func parseLike(like any, raw string) (any, error) {
	switch like.(type) {
	case bool:
		return strconv.ParseBool(raw)
	case float64:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}
