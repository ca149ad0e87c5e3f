package main

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"soloist/internal/config"
	"soloist/internal/logging"
)

type globalFlags struct {
	config     string
	id         string
	dir        string
	transport  string
	port       int
	portPolicy string
	logLevel   string
}

type commandContext struct {
	flags *globalFlags
	exit  func(int)

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{
		flags: flags,
		exit:  os.Exit,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		c.applyOverrides(cfg)
		if err := cfg.Finalize(); err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) applyOverrides(cfg *config.Config) {
	f := c.flags
	if v := strings.TrimSpace(f.id); v != "" {
		cfg.Instance.ID = v
	}
	if v := strings.TrimSpace(f.dir); v != "" {
		cfg.Instance.Dir = v
	}
	if v := strings.TrimSpace(f.transport); v != "" {
		cfg.Transport.Kind = v
	}
	if f.port >= 0 {
		cfg.Transport.Port = f.port
	}
	if v := strings.TrimSpace(f.portPolicy); v != "" {
		cfg.Transport.PortPolicy = v
	}
	if v := strings.TrimSpace(f.logLevel); v != "" {
		cfg.Logging.Level = v
	}
}

// newLogger builds the process logger; every line carries a fresh session id.
func (c *commandContext) newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.NewFromConfig(cfg.Logging, uuid.NewString())
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
