// Package follower performs the single exchange a non-leader instance makes
// with the running leader.
package follower

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"soloist/internal/frame"
	"soloist/internal/logging"
	"soloist/internal/transport"
)

// ErrExchange reports an I/O failure after the connection was established.
var ErrExchange = errors.New("follower: exchange failed")

// Result classifies the outcome of an exchange.
type Result int

const (
	// Unreachable means no leader accepted the connection.
	Unreachable Result = iota
	// Mismatch means a peer answered but did not confirm the identity.
	Mismatch
	// Validated means the leader echoed the expected identity.
	Validated
)

func (r Result) String() string {
	switch r {
	case Validated:
		return "validated"
	case Mismatch:
		return "mismatch"
	default:
		return "unreachable"
	}
}

// Options configures a Client.
type Options struct {
	Limits    frame.Limits
	IOTimeout time.Duration
	Logger    *slog.Logger
}

// Client dials the leader for one identity.
type Client struct {
	transport transport.Transport
	identity  string
	dir       string
	opts      Options
	logger    *slog.Logger
}

// New builds a client for identity in dir.
func New(t transport.Transport, identity, dir string, opts Options) *Client {
	if opts.Limits.MaxPayloadBytes <= 0 {
		opts.Limits = frame.DefaultLimits()
	}
	return &Client{
		transport: t,
		identity:  identity,
		dir:       dir,
		opts:      opts,
		logger:    logging.NewComponentLogger(opts.Logger, "follower"),
	}
}

// Exchange sends msg to the leader and reads one response frame. A dial
// failure yields Unreachable with an error wrapping transport.ErrDial. A
// response other than the identity, or a peer that closes before answering,
// yields Mismatch. Any other I/O failure is returned wrapped in ErrExchange.
func (c *Client) Exchange(ctx context.Context, msg frame.Message) (Result, error) {
	conn, err := c.transport.Dial(ctx, c.identity, c.dir)
	if err != nil {
		reason := "dial failed"
		if transport.IsConnRefused(err) {
			reason = "nothing listening"
		}
		c.logger.Debug("leader unreachable",
			logging.String(logging.FieldTransport, c.transport.Name()),
			logging.String("reason", reason),
			logging.Error(err),
		)
		return Unreachable, err
	}
	defer conn.Close()

	if deadline, ok := c.deadline(ctx); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := frame.Write(conn, msg, c.opts.Limits); err != nil {
		return Mismatch, fmt.Errorf("%w: send request: %w", ErrExchange, c.contextErr(ctx, err))
	}

	resp, err := frame.Read(conn, c.opts.Limits)
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.logger.Debug("peer closed without responding")
			return Mismatch, nil
		}
		return Mismatch, fmt.Errorf("%w: read response: %w", ErrExchange, c.contextErr(ctx, err))
	}

	if resp.Valid && resp.Text == c.identity {
		c.logger.Debug("leader validated", logging.String(logging.FieldIdentity, c.identity))
		return Validated, nil
	}
	c.logger.Debug("leader response mismatch", logging.String("response", resp.String()))
	return Mismatch, nil
}

func (c *Client) deadline(ctx context.Context) (time.Time, bool) {
	var deadline time.Time
	if c.opts.IOTimeout > 0 {
		deadline = time.Now().Add(c.opts.IOTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return deadline, !deadline.IsZero()
}

func (c *Client) contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(err, ctxErr)
	}
	return err
}
