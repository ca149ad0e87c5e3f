package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"soloist/internal/config"
	"soloist/internal/follower"
	"soloist/internal/frame"
	"soloist/internal/leader"
	"soloist/internal/lockfile"
	"soloist/internal/logging"
	"soloist/internal/transport"
)

var (
	// ErrCallback wraps errors and panics raised by caller hooks.
	ErrCallback = leader.ErrCallback
	// ErrLeaderUnreachable reports that another process holds the lock but
	// never answered an exchange.
	ErrLeaderUnreachable = errors.New("instance: lock held elsewhere but leader unreachable")
)

// Leadership describes the outcome of Acquire.
type Leadership struct {
	// IsLeader is true when this process now serves the identity.
	IsLeader bool
	// Promoted is true when leadership followed a failed exchange.
	Promoted bool
	// Locked is false only for unguarded promotions.
	Locked bool
	// Endpoint is where the leader listens.
	Endpoint string
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.baseLogger = logger
	}
}

// WithExitFunc replaces os.Exit for validated followers.
func WithExitFunc(exit func(int)) Option {
	return func(c *Coordinator) {
		if exit != nil {
			c.exit = exit
		}
	}
}

// WithTransport overrides the transport built from configuration.
func WithTransport(t transport.Transport) Option {
	return func(c *Coordinator) {
		c.transport = t
	}
}

// WithRegisterer enables leader metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.registerer = reg
	}
}

// Coordinator runs the acquire and release state machine for one identity.
type Coordinator struct {
	identity   string
	cfg        config.Config
	hooks      Hooks
	baseLogger *slog.Logger
	logger     *slog.Logger
	exit       func(int)
	transport  transport.Transport
	registerer prometheus.Registerer
	metrics    *leader.Metrics

	mu       sync.Mutex
	lock     *lockfile.Lock
	server   *leader.Server
	endpoint string
}

// New validates cfg and builds a Coordinator. A non-empty identity overrides
// cfg.Instance.ID.
func New(identity string, cfg config.Config, hooks Hooks, opts ...Option) (*Coordinator, error) {
	if identity != "" {
		cfg.Instance.ID = identity
	}
	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("instance config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		identity: cfg.Instance.ID,
		cfg:      cfg,
		hooks:    hooks,
		exit:     os.Exit,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.baseLogger == nil {
		c.baseLogger = logging.NewNop()
	}
	c.baseLogger = c.baseLogger.With(logging.String(logging.FieldIdentity, c.identity))
	c.logger = logging.NewComponentLogger(c.baseLogger, "instance")

	if c.transport == nil {
		t, err := transport.FromConfig(cfg.Transport)
		if err != nil {
			return nil, err
		}
		c.transport = t
	}

	if c.registerer != nil {
		metrics, err := leader.NewMetrics(c.registerer, c.identity)
		if err != nil {
			return nil, fmt.Errorf("register leader metrics: %w", err)
		}
		c.metrics = metrics
	}

	return c, nil
}

// Identity returns the application identity.
func (c *Coordinator) Identity() string {
	return c.identity
}

// IsLeader reports whether this coordinator currently serves the identity.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server != nil
}

// Endpoint returns the leader endpoint while leading, otherwise "".
func (c *Coordinator) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Acquire elects this process as leader or relays the Send hook's message to
// the existing leader. A validated follower with auto-exit enabled runs
// BeforeExit and exits with status 0. Calling Acquire while leading returns
// the current leadership without side effects.
func (c *Coordinator) Acquire(ctx context.Context) (Leadership, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server != nil {
		return c.leadership(false), nil
	}

	lock, ok, err := lockfile.TryAcquire(c.cfg.Instance.Dir, c.identity)
	if err != nil {
		logging.WarnWithContext(c.logger, "lock unavailable, continuing as follower", "lock_open_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "this process cannot become leader directly"),
			logging.String(logging.FieldErrorHint, "check permissions on instance.dir"),
		)
	}
	if ok {
		if err := c.lead(lock); err != nil {
			return Leadership{}, err
		}
		return c.leadership(false), nil
	}
	return c.follow(ctx)
}

func (c *Coordinator) follow(ctx context.Context) (Leadership, error) {
	msg := c.outgoing()
	client := follower.New(c.transport, c.identity, c.cfg.Instance.Dir, follower.Options{
		Limits:    c.limits(),
		IOTimeout: c.cfg.Protocol.IOTimeout(),
		Logger:    c.baseLogger,
	})

	attempts := max(c.cfg.Instance.PromoteAttempts, 1)
	for attempt := 1; ; attempt++ {
		result, err := client.Exchange(ctx, msg)
		if err != nil && result != follower.Unreachable {
			return Leadership{}, err
		}

		if result == follower.Validated {
			c.logger.Info("leader already running, message delivered",
				logging.String(logging.FieldRole, "follower"),
				logging.String(logging.FieldEndpoint, c.transport.Endpoint(c.identity, c.cfg.Instance.Dir)),
			)
			if c.cfg.Instance.AutoExit {
				c.beforeExit()
				c.exit(0)
			}
			return Leadership{Endpoint: c.transport.Endpoint(c.identity, c.cfg.Instance.Dir)}, nil
		}

		c.logger.Debug("exchange did not validate",
			logging.String("result", result.String()),
			logging.Int("attempt", attempt),
			logging.Error(err),
		)

		if !c.cfg.Instance.VerifyLockOnPromote {
			logging.WarnWithContext(c.logger, "promoting without the identity lock", "unguarded_promotion",
				logging.String(logging.FieldImpact, "another process may also be leading"),
				logging.String(logging.FieldErrorHint, "enable instance.verify_lock_on_promote"),
			)
			if err := c.lead(nil); err != nil {
				return Leadership{}, err
			}
			return c.leadership(true), nil
		}

		lock, ok, lockErr := lockfile.TryAcquire(c.cfg.Instance.Dir, c.identity)
		if ok {
			if err := c.lead(lock); err != nil {
				return Leadership{}, err
			}
			return c.leadership(true), nil
		}

		if attempt >= attempts {
			cause := errors.Join(err, lockErr)
			if cause == nil {
				cause = fmt.Errorf("exchange result %s", result)
			}
			return Leadership{}, fmt.Errorf("%w after %d attempts: %w", ErrLeaderUnreachable, attempt, cause)
		}
		if err := c.waitForLeader(ctx); err != nil {
			return Leadership{}, err
		}
	}
}

// waitForLeader gives a leader that holds the lock time to publish its
// endpoint. It returns early once the artifact appears and only fails when ctx
// ends.
func (c *Coordinator) waitForLeader(ctx context.Context) error {
	wait := c.cfg.Instance.PromoteWait()
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	artifact := c.transport.Artifact(c.identity, c.cfg.Instance.Dir)
	if artifact != "" {
		if _, err := os.Stat(artifact); err != nil {
			err := transport.WaitForArtifact(waitCtx, artifact)
			if err == nil || ctx.Err() == nil {
				return nil
			}
			return ctx.Err()
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// lead binds the transport and starts serving. A nil lock marks an unguarded
// promotion.
func (c *Coordinator) lead(lock *lockfile.Lock) error {
	ln, err := c.transport.Listen(c.identity, c.cfg.Instance.Dir)
	if err != nil {
		if lock != nil {
			_ = lock.Release()
		}
		return fmt.Errorf("start leader: %w", err)
	}

	srv, err := leader.New(ln, leader.Options{
		Response:    frame.Text(c.identity),
		Limits:      c.limits(),
		IOTimeout:   c.cfg.Protocol.IOTimeout(),
		Receive:     c.hooks.Receive,
		HandleError: c.handleError,
		Logger:      c.baseLogger,
		Metrics:     c.metrics,
	})
	if err != nil {
		_ = ln.Close()
		if lock != nil {
			_ = lock.Release()
		}
		return err
	}
	if err := srv.Serve(); err != nil {
		_ = ln.Close()
		if lock != nil {
			_ = lock.Release()
		}
		return err
	}

	c.lock = lock
	c.server = srv
	c.endpoint = srv.Addr().String()
	c.logger.Info("leading",
		logging.String(logging.FieldRole, "leader"),
		logging.String(logging.FieldTransport, c.transport.Name()),
		logging.String(logging.FieldEndpoint, c.endpoint),
		logging.Bool("locked", lock != nil),
	)
	return nil
}

func (c *Coordinator) leadership(promoted bool) Leadership {
	return Leadership{
		IsLeader: true,
		Promoted: promoted,
		Locked:   c.lock != nil,
		Endpoint: c.endpoint,
	}
}

func (c *Coordinator) limits() frame.Limits {
	return frame.Limits{
		MaxPayloadBytes: c.cfg.Protocol.MaxPayloadBytes,
		AllowShortBody:  c.cfg.Protocol.AllowShortBody,
	}
}

// Release stops serving and drops the lock. In-flight exchanges are drained
// until ctx ends or the configured drain timeout passes. It reports whether
// anything was held.
func (c *Coordinator) Release(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server == nil && c.lock == nil {
		return false, nil
	}

	if drain := c.cfg.Leader.DrainTimeout(); drain > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, drain)
		defer cancel()
	}

	var errs []error
	if c.server != nil {
		if err := c.server.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.lock != nil {
		if err := c.lock.Release(); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info("released", logging.String(logging.FieldEndpoint, c.endpoint))
	c.server = nil
	c.lock = nil
	c.endpoint = ""
	return true, errors.Join(errs...)
}
