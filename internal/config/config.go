package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Instance identifies the application and controls follower behaviour.
type Instance struct {
	ID                  string `toml:"id" validate:"required,max=200"`
	Dir                 string `toml:"dir" validate:"required"`
	AutoExit            bool   `toml:"auto_exit"`
	VerifyLockOnPromote bool   `toml:"verify_lock_on_promote"`
	PromoteAttempts     int    `toml:"promote_attempts" validate:"min=1,max=50"`
	PromoteWaitMillis   int    `toml:"promote_wait_ms" validate:"min=0"`
}

// Transport selects how followers reach the leader.
type Transport struct {
	Kind             string `toml:"kind" validate:"oneof=tcp unix"`
	Host             string `toml:"host" validate:"required"`
	Port             int    `toml:"port" validate:"min=0,max=65535"`
	PortPolicy       string `toml:"port_policy" validate:"oneof=dynamic static"`
	DialTimeoutMilli int    `toml:"dial_timeout_ms" validate:"min=0"`
}

// Protocol bounds the framed exchange.
type Protocol struct {
	MaxPayloadBytes int  `toml:"max_payload_bytes" validate:"min=1"`
	AllowShortBody  bool `toml:"allow_short_body"`
	IOTimeoutMilli  int  `toml:"io_timeout_ms" validate:"min=0"`
}

// Leader contains leader-side lifecycle settings.
type Leader struct {
	DrainTimeoutSeconds int    `toml:"drain_timeout_seconds" validate:"min=0"`
	Metrics             bool   `toml:"metrics"`
	MetricsAddr         string `toml:"metrics_addr"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format" validate:"oneof=console json auto"`
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	File   string `toml:"file"`
}

// Config encapsulates all configuration values for soloist.
//
// Configuration sections by subsystem:
//   - Instance: application identity, shared directory, follower exit and promotion policy
//   - Transport: tcp or unix socket, loopback host, port and port policy
//   - Protocol: frame size limit, short-read leniency, per-connection deadlines
//   - Leader: drain timeout on release and the metrics endpoint
//   - Logging: log format and level
type Config struct {
	Instance  Instance  `toml:"instance"`
	Transport Transport `toml:"transport"`
	Protocol  Protocol  `toml:"protocol"`
	Leader    Leader    `toml:"leader"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/soloist/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// Finalize normalizes and validates a config assembled in code rather than
// loaded from disk.
func (c *Config) Finalize() error {
	if err := c.normalize(); err != nil {
		return err
	}
	return c.Validate()
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("soloist.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the shared directory holding lock, port, and socket files.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Instance.Dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", c.Instance.Dir, err)
	}
	return nil
}

// DialTimeout returns the dial timeout; zero means no timeout.
func (t Transport) DialTimeout() time.Duration {
	return time.Duration(t.DialTimeoutMilli) * time.Millisecond
}

// IOTimeout returns the per-connection read/write deadline; zero disables deadlines.
func (p Protocol) IOTimeout() time.Duration {
	return time.Duration(p.IOTimeoutMilli) * time.Millisecond
}

// PromoteWait bounds how long a follower waits for a leader to publish its endpoint.
func (i Instance) PromoteWait() time.Duration {
	return time.Duration(i.PromoteWaitMillis) * time.Millisecond
}

// DrainTimeout bounds how long release waits for in-flight handlers.
func (l Leader) DrainTimeout() time.Duration {
	return time.Duration(l.DrainTimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
