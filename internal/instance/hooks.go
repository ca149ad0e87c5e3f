package instance

import (
	"fmt"

	"soloist/internal/frame"
	"soloist/internal/logging"
)

// Hooks are the caller supplied callbacks. Nil hooks are no-ops, except
// HandleError which defaults to logging.
type Hooks struct {
	// Receive is invoked on the leader for each follower message. Calls may
	// run concurrently.
	Receive func(frame.Message) error
	// Send produces the message a follower delivers to the leader.
	Send func() (frame.Message, error)
	// HandleError receives protocol, callback, and accept errors.
	HandleError func(error)
	// BeforeExit runs on a validated follower right before it exits.
	BeforeExit func()
}

func (c *Coordinator) handleError(err error) {
	if err == nil {
		return
	}
	if c.hooks.HandleError == nil {
		logging.ErrorWithContext(c.logger, "coordinator error", "coordinator_error", logging.Error(err))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("error hook panicked", logging.Any("panic", r), logging.Error(err))
		}
	}()
	c.hooks.HandleError(err)
}

// outgoing runs the Send hook. Errors and panics are routed to HandleError and
// the absent payload is sent instead.
func (c *Coordinator) outgoing() (msg frame.Message) {
	if c.hooks.Send == nil {
		return frame.Absent()
	}
	defer func() {
		if r := recover(); r != nil {
			c.handleError(fmt.Errorf("%w: send hook panicked: %v", ErrCallback, r))
			msg = frame.Absent()
		}
	}()
	msg, err := c.hooks.Send()
	if err != nil {
		c.handleError(fmt.Errorf("%w: send hook: %w", ErrCallback, err))
		return frame.Absent()
	}
	return msg
}

func (c *Coordinator) beforeExit() {
	if c.hooks.BeforeExit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.handleError(fmt.Errorf("%w: before-exit hook panicked: %v", ErrCallback, r))
		}
	}()
	c.hooks.BeforeExit()
}
