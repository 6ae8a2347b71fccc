package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/toytrack/internal/upload"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Backend   BackendConfig   `yaml:"backend"`
	BLE       BLEConfig       `yaml:"ble"`
	Provision ProvisionConfig `yaml:"provision"`
	Upload    UploadConfig    `yaml:"upload"`
}

// BackendConfig holds the hosted backend connection settings.
type BackendConfig struct {
	URL                string        `yaml:"url"`
	AnonKey            string        `yaml:"anon_key"`
	AccessToken        string        `yaml:"access_token,omitempty"` // signed-in user's token
	TokenFunction      string        `yaml:"token_function"`
	DebugTokenFunction string        `yaml:"debug_token_function"` // "" disables the fallback
	UploadFunction     string        `yaml:"upload_function"`
	Bucket             string        `yaml:"bucket"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// BLEConfig holds BLE transport settings.
type BLEConfig struct {
	DeviceMAC       string        `yaml:"device_mac"` // "" means scan and pick the strongest reader
	NamePrefix      string        `yaml:"name_prefix"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ChunkSize       int           `yaml:"chunk_size"`
	InterFrameDelay time.Duration `yaml:"inter_frame_delay"`
	ConnectAttempts int           `yaml:"connect_attempts"`
}

// ProvisionConfig holds the Wi-Fi exchange policy and post-join options.
type ProvisionConfig struct {
	BusyRetryDelay     time.Duration `yaml:"busy_retry_delay"`
	BusyMaxRetries     int           `yaml:"busy_max_retries"`
	FailRetryDelay     time.Duration `yaml:"fail_retry_delay"`
	WifiTimeout        time.Duration `yaml:"wifi_timeout"`
	APNotFound         string        `yaml:"ap_not_found"` // "wait" or "retry"
	TokenTimeout       time.Duration `yaml:"token_timeout"`
	RegisterDevice     bool          `yaml:"register_device"`
	CABundlePath       string        `yaml:"ca_bundle_path"`
	TLSInsecure        bool          `yaml:"tls_insecure"`
	ConfirmOnline      bool          `yaml:"confirm_online"`
	OnlinePollInterval time.Duration `yaml:"online_poll_interval"`
	OnlinePollWindow   time.Duration `yaml:"online_poll_window"`
}

// UploadConfig holds photo upload settings.
type UploadConfig struct {
	HedgeDelay    time.Duration `yaml:"hedge_delay"`
	DirectTimeout time.Duration `yaml:"direct_timeout"`
	ProxyTimeout  time.Duration `yaml:"proxy_timeout"`
	Ladder        []upload.Rung `yaml:"ladder"`
}

// Environment variables that override the backend section. The EXPO_PUBLIC_
// names are read as fallbacks so an existing app .env file can be reused.
const (
	EnvURL         = "SUPABASE_URL"
	EnvAnonKey     = "SUPABASE_ANON_KEY"
	EnvAccessToken = "SUPABASE_ACCESS_TOKEN"
)

var envFallbacks = map[string]string{
	EnvURL:     "EXPO_PUBLIC_SUPABASE_URL",
	EnvAnonKey: "EXPO_PUBLIC_SUPABASE_ANON_KEY",
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "toytrack")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with the values the reader firmware is tuned for.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Backend: BackendConfig{
			TokenFunction:      "issue-device-jwt",
			DebugTokenFunction: "issue-device-jwt-debug",
			UploadFunction:     "upload-toy-photo",
			Bucket:             "toy-photos",
			RequestTimeout:     30 * time.Second,
		},
		BLE: BLEConfig{
			NamePrefix:      "PINME",
			ScanTimeout:     8 * time.Second,
			ChunkSize:       16,
			InterFrameDelay: 20 * time.Millisecond,
			ConnectAttempts: 3,
		},
		Provision: ProvisionConfig{
			BusyRetryDelay:     1200 * time.Millisecond,
			BusyMaxRetries:     2,
			FailRetryDelay:     2 * time.Second,
			WifiTimeout:        20 * time.Second,
			APNotFound:         "wait",
			TokenTimeout:       9 * time.Second,
			RegisterDevice:     true,
			ConfirmOnline:      true,
			OnlinePollInterval: 2 * time.Second,
			OnlinePollWindow:   20 * time.Second,
		},
		Upload: UploadConfig{
			HedgeDelay:    1500 * time.Millisecond,
			DirectTimeout: 10 * time.Second,
			ProxyTimeout:  20 * time.Second,
			Ladder:        append([]upload.Rung(nil), upload.DefaultLadder...),
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, environment overrides are applied, and a tilde (~) in
// ca_bundle_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyEnv()
	cfg.Provision.CABundlePath = expandTilde(cfg.Provision.CABundlePath)

	return cfg, nil
}

// LoadOrDefault loads path, or the default config file when path is empty.
// A missing default file yields Default() with environment overrides.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg, err := Load(DefaultConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		cfg.ApplyEnv()
		return cfg, nil
	}
	return cfg, err
}

// ApplyEnv overrides backend credentials from the environment.
func (c *Config) ApplyEnv() {
	if v := lookupEnv(EnvURL); v != "" {
		c.Backend.URL = v
	}
	if v := lookupEnv(EnvAnonKey); v != "" {
		c.Backend.AnonKey = v
	}
	if v := lookupEnv(EnvAccessToken); v != "" {
		c.Backend.AccessToken = v
	}
}

func lookupEnv(name string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	if alt, ok := envFallbacks[name]; ok {
		return strings.TrimSpace(os.Getenv(alt))
	}
	return ""
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Backend.URL != "" {
		u, err := url.Parse(strings.Trim(c.Backend.URL, `"' `))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("backend.url must be an absolute URL, got %q", c.Backend.URL)
		}
	}
	if c.Backend.TokenFunction == "" {
		return fmt.Errorf("backend.token_function must not be empty")
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be > 0")
	}

	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if c.BLE.ChunkSize <= 0 {
		return fmt.Errorf("ble.chunk_size must be > 0")
	}
	if c.BLE.InterFrameDelay < 0 {
		return fmt.Errorf("ble.inter_frame_delay must be >= 0")
	}
	if c.BLE.ConnectAttempts <= 0 {
		return fmt.Errorf("ble.connect_attempts must be > 0")
	}

	p := c.Provision
	switch p.APNotFound {
	case "wait", "retry":
	default:
		return fmt.Errorf("provision.ap_not_found must be \"wait\" or \"retry\", got %q", p.APNotFound)
	}
	if p.BusyMaxRetries < 0 {
		return fmt.Errorf("provision.busy_max_retries must be >= 0")
	}
	for name, d := range map[string]time.Duration{
		"busy_retry_delay":     p.BusyRetryDelay,
		"fail_retry_delay":     p.FailRetryDelay,
		"wifi_timeout":         p.WifiTimeout,
		"token_timeout":        p.TokenTimeout,
		"online_poll_interval": p.OnlinePollInterval,
		"online_poll_window":   p.OnlinePollWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("provision.%s must be > 0", name)
		}
	}

	if c.Upload.HedgeDelay <= 0 {
		return fmt.Errorf("upload.hedge_delay must be > 0")
	}
	if c.Upload.DirectTimeout <= 0 || c.Upload.ProxyTimeout <= 0 {
		return fmt.Errorf("upload.direct_timeout and upload.proxy_timeout must be > 0")
	}
	if len(c.Upload.Ladder) == 0 {
		return fmt.Errorf("upload.ladder must not be empty")
	}
	for i, r := range c.Upload.Ladder {
		if r.MaxWidth < 0 || r.Quality < 0 || r.Quality > 100 {
			return fmt.Errorf("upload.ladder[%d]: max_width must be >= 0 and quality within 0-100", i)
		}
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# toytrack configuration
# Backend credentials may also come from SUPABASE_URL, SUPABASE_ANON_KEY
# and SUPABASE_ACCESS_TOKEN.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
