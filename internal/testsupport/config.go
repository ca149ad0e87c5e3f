package testsupport

import (
	"os"
	"testing"

	"soloist/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t   testing.TB
	cfg *config.Config
}

// NewConfig produces a finalized config with a private shared directory and
// an ephemeral start port so parallel tests never share artifacts.
func NewConfig(t testing.TB, opts ...ConfigOption) config.Config {
	t.Helper()

	cfgVal := config.Default()
	cfgVal.Instance.ID = Identity(t)
	cfgVal.Instance.Dir = ShortTempDir(t)
	cfgVal.Instance.AutoExit = false
	cfgVal.Instance.PromoteWaitMillis = 200
	cfgVal.Transport.Port = 0
	cfgVal.Transport.DialTimeoutMilli = 1000
	cfgVal.Protocol.IOTimeoutMilli = 5000
	cfgVal.Leader.DrainTimeoutSeconds = 2

	builder := &configBuilder{t: t, cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.Finalize(); err != nil {
		t.Fatalf("finalize test config: %v", err)
	}
	return *builder.cfg
}

// WithAutoExit toggles follower auto-exit.
func WithAutoExit(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Instance.AutoExit = enabled
	}
}

// WithUnixSocket switches the config to the domain socket transport.
func WithUnixSocket() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Transport.Kind = config.TransportUnix
	}
}

// WithStaticPort pins the tcp transport to port.
func WithStaticPort(port int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Transport.PortPolicy = config.PortPolicyStatic
		b.cfg.Transport.Port = port
	}
}

// WithPromotion overrides the promotion retry policy.
func WithPromotion(verify bool, attempts, waitMillis int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Instance.VerifyLockOnPromote = verify
		b.cfg.Instance.PromoteAttempts = attempts
		b.cfg.Instance.PromoteWaitMillis = waitMillis
	}
}

// WithDir reuses an existing shared directory, letting several configs
// coordinate with each other.
func WithDir(dir string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Instance.Dir = dir
	}
}

// WithIdentity overrides the generated identity.
func WithIdentity(identity string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Instance.ID = identity
	}
}

// ShortTempDir returns a temp directory with a short path so domain socket
// paths stay under the sun_path limit.
func ShortTempDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sl")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}
