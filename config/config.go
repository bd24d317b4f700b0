// Package config loads mfcache's configuration: cache mode, device
// sizing, and the monitor's tuning knobs. Grounded on
// calvinalkan-agent-task's config.go — JSONC-via-hujson parsing,
// default → global → project (or explicit file) → CLI-override precedence —
// generalized from a ticket-tracker's config to mfcache's benchmark
// and cache-device settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// Mode selects which cache policy a Cache runs (spec §6,
// "Configuration surface").
type Mode string

const (
	ModePT   Mode = "pt"
	ModeWA   Mode = "wa"
	ModeWB   Mode = "wb"
	ModeWT   Mode = "wt"
	ModeMFWA Mode = "mfwa"
	ModeMFWB Mode = "mfwb"
	ModeMFWT Mode = "mfwt"
)

// Config holds every externally tunable knob of a mfcache instance.
type Config struct {
	Mode Mode `json:"mode"`

	CacheDevice string `json:"cache_device,omitempty"` // unix socket path, or "" for an in-memory device
	CoreDevice  string `json:"core_device,omitempty"`

	CacheSizeBytes int64 `json:"cache_size_bytes"`
	CoreSizeBytes  int64 `json:"core_size_bytes"`

	CacheBytesPerSec float64 `json:"cache_bytes_per_sec,omitempty"`
	CoreBytesPerSec  float64 `json:"core_bytes_per_sec,omitempty"`

	LogCapacity int `json:"log_capacity"`
	QueueDepth  int `json:"queue_depth"`

	LogLevel string `json:"log_level,omitempty"`
}

// ConfigFileName is the default project-local config file name.
const ConfigFileName = ".mfcache.json"

var (
	errConfigFileNotFound = errors.New("config: file not found")
	errConfigFileRead     = errors.New("config: failed to read file")
	errConfigInvalid      = errors.New("config: invalid")
	errModeEmpty          = errors.New("config: mode must not be empty")
)

// Default returns mfcache's built-in defaults, matching the spec's
// published constants where applicable (spec §6).
func Default() Config {
	return Config{
		Mode:           ModeMFWA,
		CacheSizeBytes: 1 << 30,
		CoreSizeBytes:  16 << 30,
		LogCapacity:    120_000,
		QueueDepth:     4096,
		LogLevel:       "info",
	}
}

// Sources records which config files contributed to a loaded Config,
// for diagnostics.
type Sources struct {
	Global  string
	Project string
}

// Load loads configuration with the following precedence (highest
// wins): defaults → global (~/.config/mfcache/config.json or
// $XDG_CONFIG_HOME/mfcache/config.json) → project (.mfcache.json in
// workDir, or configPath instead when it is non-empty; the two are not
// both loaded) → CLI overrides (applied by the caller after Load).
func Load(workDir, configPath string, env []string) (Config, Sources, error) {
	cfg := Default()
	var sources Sources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, Sources{}, err
	}
	sources.Global = globalPath
	cfg = Merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}
	sources.Project = projectPath
	cfg = Merge(cfg, projectCfg)

	if err := validate(cfg); err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := globalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}
	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}
	if !loaded {
		return Config{}, "", nil
	}
	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var file string
	mustExist := false

	if configPath != "" {
		file = configPath
		if !filepath.IsAbs(file) {
			file = filepath.Join(workDir, file)
		}
		mustExist = true
		if _, err := os.Stat(file); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		file = filepath.Join(workDir, ConfigFileName)
	}

	cfg, loaded, err := loadConfigFile(file, mustExist)
	if err != nil {
		return Config{}, "", err
	}
	if !loaded {
		return Config{}, "", nil
	}
	return cfg, file, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}
		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
		}
		return Config{}, false, nil
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: invalid JSONC: %w", errConfigInvalid, path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("%w %s: invalid JSON: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func globalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "mfcache", "config.json")
		}
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mfcache", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "mfcache", "config.json")
}

// Merge overlays non-zero fields of overlay onto base, field by field.
func Merge(base, overlay Config) Config {
	if overlay.Mode != "" {
		base.Mode = overlay.Mode
	}
	if overlay.CacheDevice != "" {
		base.CacheDevice = overlay.CacheDevice
	}
	if overlay.CoreDevice != "" {
		base.CoreDevice = overlay.CoreDevice
	}
	if overlay.CacheSizeBytes != 0 {
		base.CacheSizeBytes = overlay.CacheSizeBytes
	}
	if overlay.CoreSizeBytes != 0 {
		base.CoreSizeBytes = overlay.CoreSizeBytes
	}
	if overlay.CacheBytesPerSec != 0 {
		base.CacheBytesPerSec = overlay.CacheBytesPerSec
	}
	if overlay.CoreBytesPerSec != 0 {
		base.CoreBytesPerSec = overlay.CoreBytesPerSec
	}
	if overlay.LogCapacity != 0 {
		base.LogCapacity = overlay.LogCapacity
	}
	if overlay.QueueDepth != 0 {
		base.QueueDepth = overlay.QueueDepth
	}
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}
	return base
}

func validate(cfg Config) error {
	if cfg.Mode == "" {
		return errModeEmpty
	}
	switch cfg.Mode {
	case ModePT, ModeWA, ModeWB, ModeWT, ModeMFWA, ModeMFWB, ModeMFWT:
	default:
		return fmt.Errorf("%w mode: %q", errConfigInvalid, cfg.Mode)
	}
	return nil
}

// Save writes cfg to path as formatted JSON, atomically (rename into
// place) so a crash mid-write never leaves a truncated config file —
// mirrors natefinch/atomic's guarantee used elsewhere in the examples
// pack for durable single-file writes.
func Save(cfg Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: failed to format: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}
	return atomic.WriteFile(path, strings.NewReader(string(data)))
}
