// Package config loads and validates the downloader configuration
// surface from a TOML file, rejecting unknown keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// File holds the raw options read from a config file. Nil fields were
// not present.
type File struct {
	OutputDir       *string `toml:"output_dir"`
	Concurrency     *int    `toml:"concurrency"`
	RateLimit       *int    `toml:"rate_limit"`        // per-domain base delay, ms
	RateLimitJitter *int    `toml:"rate_limit_jitter"` // max extra delay, ms
	MaxRetries      *int    `toml:"max_retries"`
	CheckRobots     *bool   `toml:"check_robots"`
	Sidecar         *bool   `toml:"sidecar"`

	DownloadConnectTimeoutSecs *int `toml:"download_connect_timeout_secs"`
	DownloadReadTimeoutSecs    *int `toml:"download_read_timeout_secs"`

	DBMaxConnections *int `toml:"db_max_connections"`
	DBBusyTimeoutMs  *int `toml:"db_busy_timeout_ms"`
}

// Settings are the effective values after defaults and file overrides.
type Settings struct {
	OutputDir       string
	Concurrency     int
	RateLimitMs     int
	RateLimitJitter int
	MaxRetries      int
	CheckRobots     bool
	Sidecar         bool

	DownloadConnectTimeoutSecs int
	DownloadReadTimeoutSecs    int

	DBMaxConnections int
	DBBusyTimeoutMs  int
}

// Default returns the baseline settings.
func Default() Settings {
	return Settings{
		OutputDir:                  ".",
		Concurrency:                4,
		RateLimitMs:                1000,
		RateLimitJitter:            0,
		MaxRetries:                 3,
		CheckRobots:                false,
		Sidecar:                    false,
		DownloadConnectTimeoutSecs: 30,
		DownloadReadTimeoutSecs:    300,
		DBMaxConnections:           5,
		DBBusyTimeoutMs:            5000,
	}
}

// Validate checks every present option against its constraint.
func (f *File) Validate() error {
	if f.OutputDir != nil && strings.TrimSpace(*f.OutputDir) == "" {
		return errors.New("invalid config value for `output_dir`: must be a non-empty path")
	}
	if err := checkRange("concurrency", f.Concurrency, 1, 100); err != nil {
		return err
	}
	if err := checkRange("rate_limit", f.RateLimit, 0, 60_000); err != nil {
		return err
	}
	if f.RateLimitJitter != nil && *f.RateLimitJitter < 0 {
		return fmt.Errorf("invalid config value for `rate_limit_jitter`: %d. Expected a non-negative value", *f.RateLimitJitter)
	}
	if f.MaxRetries != nil && *f.MaxRetries < 1 {
		return fmt.Errorf("invalid config value for `max_retries`: %d. Expected a value >= 1", *f.MaxRetries)
	}
	if err := checkRange("download_connect_timeout_secs", f.DownloadConnectTimeoutSecs, 1, 3600); err != nil {
		return err
	}
	if err := checkRange("download_read_timeout_secs", f.DownloadReadTimeoutSecs, 1, 3600); err != nil {
		return err
	}
	if err := checkRange("db_max_connections", f.DBMaxConnections, 1, 20); err != nil {
		return err
	}
	if err := checkRange("db_busy_timeout_ms", f.DBBusyTimeoutMs, 0, 120_000); err != nil {
		return err
	}
	return nil
}

func checkRange(key string, value *int, min, max int) error {
	if value == nil {
		return nil
	}
	if *value < min || *value > max {
		return fmt.Errorf("invalid config value for `%s`: %d. Expected range: %d..=%d", key, *value, min, max)
	}
	return nil
}

// Apply overlays the file's present options onto settings.
func (f *File) Apply(s *Settings) {
	if f == nil {
		return
	}
	if f.OutputDir != nil {
		s.OutputDir = *f.OutputDir
	}
	if f.Concurrency != nil {
		s.Concurrency = *f.Concurrency
	}
	if f.RateLimit != nil {
		s.RateLimitMs = *f.RateLimit
	}
	if f.RateLimitJitter != nil {
		s.RateLimitJitter = *f.RateLimitJitter
	}
	if f.MaxRetries != nil {
		s.MaxRetries = *f.MaxRetries
	}
	if f.CheckRobots != nil {
		s.CheckRobots = *f.CheckRobots
	}
	if f.Sidecar != nil {
		s.Sidecar = *f.Sidecar
	}
	if f.DownloadConnectTimeoutSecs != nil {
		s.DownloadConnectTimeoutSecs = *f.DownloadConnectTimeoutSecs
	}
	if f.DownloadReadTimeoutSecs != nil {
		s.DownloadReadTimeoutSecs = *f.DownloadReadTimeoutSecs
	}
	if f.DBMaxConnections != nil {
		s.DBMaxConnections = *f.DBMaxConnections
	}
	if f.DBBusyTimeoutMs != nil {
		s.DBBusyTimeoutMs = *f.DBBusyTimeoutMs
	}
}

// Parse decodes TOML config content. Unknown keys are rejected with
// the offending key and position.
func Parse(data []byte) (*File, error) {
	var file File
	decoder := toml.NewDecoder(strings.NewReader(string(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&file); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("unknown config key(s):\n%s", strict.String())
		}
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return nil, fmt.Errorf("invalid config syntax at line %d, column %d: %s", row, col, decodeErr.Error())
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Load reads and parses a config file from disk.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	file, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", path, err)
	}
	return file, nil
}

// DefaultPath resolves the user config file location:
// $XDG_CONFIG_HOME/downloader/config.toml, falling back to
// $HOME/.config/downloader/config.toml. Empty when neither variable is
// usable.
func DefaultPath() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "downloader", "config.toml")
	}
	if home := strings.TrimSpace(os.Getenv("HOME")); home != "" {
		return filepath.Join(home, ".config", "downloader", "config.toml")
	}
	return ""
}

// LoadDefault loads the default config file when it exists. A missing
// file is not an error and yields nil.
func LoadDefault() (*File, string, error) {
	path := DefaultPath()
	if path == "" {
		return nil, "", nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, path, nil
	}
	file, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return file, path, nil
}
