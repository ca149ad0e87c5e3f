package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeInstance(); err != nil {
		return err
	}
	c.normalizeTransport()
	c.Leader.MetricsAddr = strings.TrimSpace(c.Leader.MetricsAddr)
	if c.Leader.Metrics && c.Leader.MetricsAddr == "" {
		c.Leader.MetricsAddr = defaultMetricsAddr
	}
	if err := c.normalizeLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) normalizeInstance() error {
	c.Instance.ID = strings.TrimSpace(c.Instance.ID)
	c.Instance.Dir = strings.TrimSpace(c.Instance.Dir)
	if c.Instance.Dir == "" {
		c.Instance.Dir = os.TempDir()
	}
	var err error
	if c.Instance.Dir, err = expandPath(c.Instance.Dir); err != nil {
		return fmt.Errorf("instance.dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeTransport() {
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.Kind == "" {
		c.Transport.Kind = defaultTransportKind
	}
	c.Transport.Host = strings.TrimSpace(c.Transport.Host)
	if c.Transport.Host == "" {
		c.Transport.Host = defaultHost
	}
	c.Transport.PortPolicy = strings.ToLower(strings.TrimSpace(c.Transport.PortPolicy))
	if c.Transport.PortPolicy == "" {
		c.Transport.PortPolicy = defaultPortPolicy
	}
}

func (c *Config) normalizeLogging() error {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Format == "pretty" || c.Logging.Format == "text" {
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Level == "warning" {
		c.Logging.Level = "warn"
	}
	if strings.TrimSpace(c.Logging.File) != "" {
		var err error
		if c.Logging.File, err = expandPath(strings.TrimSpace(c.Logging.File)); err != nil {
			return fmt.Errorf("logging.file: %w", err)
		}
	}
	return nil
}
