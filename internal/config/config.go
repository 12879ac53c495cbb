package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Watch is one endpoint the host keeps fresh.
type Watch struct {
	Name string
	Path string
	Tags []string
}

// Config captures keel's settings.
type Config struct {
	BaseURL           string
	KeepUnusedDataFor time.Duration
	PollInterval      time.Duration
	LogLevel          string
	LogFile           string
	StateFile         string
	Watches           []Watch
}

const (
	defaultConfigPath = "~/.config/keel/config.toml"
	defaultBaseURL    = "127.0.0.1:8080"
	defaultLogLevel   = "info"
	defaultLogFile    = "~/.local/state/keel/keel.log"
	defaultStateFile  = "~/.local/state/keel/state.toml"
	defaultKeepUnused = 60 * time.Second
	defaultPoll       = 5 * time.Second
)

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		BaseURL:           defaultBaseURL,
		KeepUnusedDataFor: defaultKeepUnused,
		PollInterval:      defaultPoll,
		LogLevel:          defaultLogLevel,
		LogFile:           mustExpand(defaultLogFile),
		StateFile:         mustExpand(defaultStateFile),
	}
}

// Load locates and parses the keel config, falling back to defaults when missing.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		BaseURL           string  `toml:"base_url"`
		KeepUnusedDataFor any     `toml:"keep_unused_data_for"`
		PollInterval      any     `toml:"poll_interval"`
		LogLevel          string  `toml:"log_level"`
		LogFile           string  `toml:"log_file"`
		StateFile         string  `toml:"state_file"`
		Watch             []struct {
			Name string   `toml:"name"`
			Path string   `toml:"path"`
			Tags []string `toml:"tags"`
		} `toml:"watch"`
	}
	if err := toml.Unmarshal(bytes, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if v := strings.TrimSpace(raw.BaseURL); v != "" {
		cfg.BaseURL = v
	}
	if d, err := seconds("keep_unused_data_for", raw.KeepUnusedDataFor); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.KeepUnusedDataFor = d
	}
	if d, err := seconds("poll_interval", raw.PollInterval); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.PollInterval = d
	}
	if v := strings.ToLower(strings.TrimSpace(raw.LogLevel)); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(raw.LogFile); v != "" {
		cfg.LogFile = mustExpand(v)
	}
	if v := strings.TrimSpace(raw.StateFile); v != "" {
		cfg.StateFile = mustExpand(v)
	}

	seen := make(map[string]bool, len(raw.Watch))
	for i, w := range raw.Watch {
		name := strings.TrimSpace(w.Name)
		path := strings.TrimSpace(w.Path)
		if name == "" || path == "" {
			return Config{}, fmt.Errorf("watch %d: name and path are required", i)
		}
		if seen[name] {
			return Config{}, fmt.Errorf("watch %q: duplicate name", name)
		}
		seen[name] = true
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		cfg.Watches = append(cfg.Watches, Watch{Name: name, Path: path, Tags: w.Tags})
	}

	return cfg, nil
}

// seconds accepts TOML integers and floats.
func seconds(field string, v any) (time.Duration, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return time.Duration(n) * time.Second, nil
	case float64:
		return time.Duration(n * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("parse config: %s must be a number of seconds", field)
	}
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
