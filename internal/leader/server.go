// Package leader serves follower exchanges for the instance that holds the
// identity lock.
package leader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"soloist/internal/frame"
	"soloist/internal/logging"
)

var (
	// ErrProtocol wraps malformed frames and I/O failures on one connection.
	ErrProtocol = errors.New("leader: protocol error")
	// ErrCallback wraps receive hook errors and panics.
	ErrCallback = errors.New("callback failed")
	// ErrClosed is returned by Serve after Close.
	ErrClosed = errors.New("leader: server closed")
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Options configures a Server.
type Options struct {
	// Response is written back to every follower, normally the identity.
	// An invalid Response is sent as the absent payload.
	Response  frame.Message
	Limits    frame.Limits
	IOTimeout time.Duration
	// Receive is invoked once per well-formed request, possibly concurrently.
	Receive func(frame.Message) error
	// HandleError receives protocol, callback, and accept errors.
	HandleError func(error)
	Logger      *slog.Logger
	Metrics     *Metrics
}

// Server accepts follower connections and runs one request/response exchange
// on each.
type Server struct {
	listener net.Listener
	opts     Options
	logger   *slog.Logger
	session  string

	closed     atomic.Bool
	started    atomic.Bool
	acceptDone chan struct{}
	workers    sync.WaitGroup
	active     atomic.Int64
	closeOnce  sync.Once
	closeErr   error

	connMu    sync.Mutex
	conns     map[net.Conn]struct{}
	abandoned atomic.Bool
}

// New wraps an already bound listener.
func New(listener net.Listener, opts Options) (*Server, error) {
	if listener == nil {
		return nil, errors.New("leader server requires a listener")
	}
	if opts.Limits.MaxPayloadBytes <= 0 {
		opts.Limits = frame.DefaultLimits()
	}
	session := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With(
		logging.String(logging.FieldComponent, "leader"),
		logging.String("leader_session", session),
	)
	return &Server{
		listener:   listener,
		opts:       opts,
		logger:     logger,
		session:    session,
		acceptDone: make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Session returns the identifier attached to this server's log lines.
func (s *Server) Session() string {
	return s.session
}

// Active reports the number of exchanges currently being served.
func (s *Server) Active() int64 {
	return s.active.Load()
}

// Serve starts the accept loop in the background. It returns ErrClosed if the
// server was already closed and is a no-op when called twice.
func (s *Server) Serve() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Debug("leader listening", logging.String(logging.FieldEndpoint, s.listener.Addr().String()))
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer close(s.acceptDone)
	backoff := time.Duration(0)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			logging.WarnWithContext(s.logger, "accept failed", "leader_accept_failed",
				logging.Error(err),
				logging.Duration("retry_in", backoff),
				logging.String(logging.FieldImpact, "followers may fail to connect"),
				logging.String(logging.FieldErrorHint, "check file descriptor limits and socket permissions"),
			)
			s.report(fmt.Errorf("leader: accept: %w", err))
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.track(conn)
		s.workers.Add(1)
		s.active.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	started := time.Now()
	defer s.workers.Done()
	defer s.active.Add(-1)
	defer s.untrack(conn)

	s.opts.Metrics.connectionAccepted()
	defer s.opts.Metrics.exchangeDone(started)

	logger := s.logger.With(logging.String(logging.FieldCorrelationID, uuid.NewString()))

	if s.opts.IOTimeout > 0 {
		_ = conn.SetDeadline(started.Add(s.opts.IOTimeout))
	}

	msg, err := frame.Read(conn, s.opts.Limits)
	if s.abandoned.Load() {
		logger.Debug("exchange cut off by shutdown", logging.Error(err))
		return
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("peer closed before sending a request: %w", err)
		}
		s.opts.Metrics.protocolError()
		logger.Debug("dropping malformed request", logging.Error(err))
		s.report(fmt.Errorf("%w: read request: %w", ErrProtocol, err))
		return
	}
	s.opts.Metrics.messageReceived(msg)
	logger.Debug("request received", logging.String("kind", PayloadKind(msg)), logging.Int("bytes", len(msg.Text)))

	if err := s.invokeReceive(msg); err != nil {
		s.opts.Metrics.callbackError()
		s.report(err)
	}

	if err := frame.Write(conn, s.opts.Response, s.opts.Limits); err != nil {
		if s.abandoned.Load() {
			logger.Debug("response dropped after shutdown", logging.Error(err))
			return
		}
		s.opts.Metrics.protocolError()
		logger.Debug("response write failed", logging.Error(err))
		s.report(fmt.Errorf("%w: write response: %w", ErrProtocol, err))
		return
	}
	logger.Debug("exchange complete", logging.Duration("elapsed", time.Since(started)))
}

func (s *Server) track(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	_ = conn.Close()
}

// cutOff closes every connection still open so abandoned workers cannot
// complete an exchange on behalf of a leader that has stepped down.
func (s *Server) cutOff() {
	s.abandoned.Store(true)
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) invokeReceive(msg frame.Message) (err error) {
	if s.opts.Receive == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: receive hook panicked: %v", ErrCallback, r)
		}
	}()
	if hookErr := s.opts.Receive(msg); hookErr != nil {
		return fmt.Errorf("%w: receive hook: %w", ErrCallback, hookErr)
	}
	return nil
}

func (s *Server) report(err error) {
	if s.opts.HandleError == nil {
		logging.WarnWithContext(s.logger, "leader error", "leader_error", logging.Error(err))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("error hook panicked", logging.Any("panic", r), logging.Error(err))
		}
	}()
	s.opts.HandleError(err)
}

// Close stops accepting, closes the listener, and waits for in-flight
// exchanges until ctx ends. Exchanges still running after that are abandoned
// and reported in the returned error.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown(ctx)
	})
	return s.closeErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.closed.Store(true)
	var closeErr error
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		closeErr = fmt.Errorf("close listener: %w", err)
	}
	if s.started.Load() {
		<-s.acceptDone
	}

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Debug("leader stopped")
		return closeErr
	case <-ctx.Done():
		abandoned := s.active.Load()
		s.cutOff()
		logging.WarnWithContext(s.logger, "abandoning in-flight exchanges", "leader_drain_timeout",
			logging.Int64("abandoned", abandoned),
			logging.String(logging.FieldImpact, "followers of abandoned exchanges get no response"),
			logging.String(logging.FieldErrorHint, "raise leader.drain_timeout_seconds or shorten the receive hook"),
		)
		return errors.Join(closeErr, fmt.Errorf("leader: %d exchanges abandoned: %w", abandoned, ctx.Err()))
	}
}
