package leader_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"soloist/internal/frame"
	"soloist/internal/leader"
	"soloist/internal/testsupport"
)

type errorSink struct {
	mu   sync.Mutex
	errs []error
	ch   chan error
}

func newErrorSink() *errorSink {
	return &errorSink{ch: make(chan error, 16)}
}

func (s *errorSink) handle(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.ch <- err
}

func (s *errorSink) next(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reported error")
		return nil
	}
}

func startServer(t *testing.T, opts leader.Options) *leader.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv, err := leader.New(ln, opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return srv
}

func exchange(t *testing.T, addr net.Addr, msg frame.Message) (frame.Message, error) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := frame.Write(conn, msg, frame.DefaultLimits()); err != nil {
		t.Fatalf("write request: %v", err)
	}
	return frame.Read(conn, frame.DefaultLimits())
}

func TestServerRespondsWithIdentity(t *testing.T) {
	received := make(chan frame.Message, 1)
	srv := startServer(t, leader.Options{
		Response: frame.Text("X"),
		Receive: func(msg frame.Message) error {
			received <- msg
			return nil
		},
	})

	resp, err := exchange(t, srv.Addr(), frame.Text("hello"))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp != frame.Text("X") {
		t.Fatalf("unexpected response %v", resp)
	}
	if got := <-received; got != frame.Text("hello") {
		t.Fatalf("hook saw %v", got)
	}
}

func TestServerPassesAbsentThrough(t *testing.T) {
	received := make(chan frame.Message, 1)
	srv := startServer(t, leader.Options{
		Receive: func(msg frame.Message) error {
			received <- msg
			return nil
		},
	})

	resp, err := exchange(t, srv.Addr(), frame.Absent())
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.Valid {
		t.Fatalf("expected absent response without identity, got %v", resp)
	}
	if got := <-received; got.Valid {
		t.Fatalf("expected absent message, got %v", got)
	}
}

func TestServerIsolatesMalformedFrames(t *testing.T) {
	sink := newErrorSink()
	calls := make(chan struct{}, 1)
	srv := startServer(t, leader.Options{
		Response:    frame.Text("X"),
		HandleError: sink.handle,
		Receive: func(frame.Message) error {
			calls <- struct{}{}
			return nil
		},
	})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(0xfffffff0))
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := frame.Read(conn, frame.DefaultLimits()); err != io.EOF {
		t.Fatalf("expected connection closed without response, got %v", err)
	}
	conn.Close()

	reported := sink.next(t)
	if !errors.Is(reported, leader.ErrProtocol) || !errors.Is(reported, frame.ErrBadLength) {
		t.Fatalf("expected protocol error wrapping ErrBadLength, got %v", reported)
	}
	select {
	case <-calls:
		t.Fatal("receive hook must not run for malformed frames")
	default:
	}

	resp, err := exchange(t, srv.Addr(), frame.Text("after"))
	if err != nil || resp != frame.Text("X") {
		t.Fatalf("server should keep serving: resp=%v err=%v", resp, err)
	}
}

func TestServerSurvivesCallbackPanic(t *testing.T) {
	sink := newErrorSink()
	srv := startServer(t, leader.Options{
		Response:    frame.Text("X"),
		HandleError: sink.handle,
		Receive: func(msg frame.Message) error {
			if msg.Text == "boom" {
				panic("boom")
			}
			if msg.Text == "fail" {
				return errors.New("rejected")
			}
			return nil
		},
	})

	resp, err := exchange(t, srv.Addr(), frame.Text("boom"))
	if err != nil || resp != frame.Text("X") {
		t.Fatalf("panic exchange: resp=%v err=%v", resp, err)
	}
	if reported := sink.next(t); !errors.Is(reported, leader.ErrCallback) {
		t.Fatalf("expected ErrCallback, got %v", reported)
	}

	resp, err = exchange(t, srv.Addr(), frame.Text("fail"))
	if err != nil || resp != frame.Text("X") {
		t.Fatalf("error exchange: resp=%v err=%v", resp, err)
	}
	if reported := sink.next(t); !errors.Is(reported, leader.ErrCallback) {
		t.Fatalf("expected ErrCallback, got %v", reported)
	}

	resp, err = exchange(t, srv.Addr(), frame.Text("fine"))
	if err != nil || resp != frame.Text("X") {
		t.Fatalf("accept loop should continue: resp=%v err=%v", resp, err)
	}
}

func TestCloseAbandonsSlowHandlers(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	srv := startServer(t, leader.Options{
		Response: frame.Text("X"),
		Receive: func(frame.Message) error {
			close(entered)
			<-release
			return nil
		},
	})
	defer close(release)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := frame.Write(conn, frame.Text("slow"), frame.DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = srv.Close(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain deadline, got %v", err)
	}
	if srv.Active() != 1 {
		t.Fatalf("expected one abandoned exchange, got %d", srv.Active())
	}
	if _, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second); err == nil {
		t.Fatal("expected listener closed")
	}
}

func TestCloseWaitsForInFlightHandlers(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	srv := startServer(t, leader.Options{
		Response: frame.Text("X"),
		Receive: func(frame.Message) error {
			close(entered)
			<-release
			return nil
		},
	})

	result := make(chan frame.Message, 1)
	go func() {
		conn, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			return
		}
		defer conn.Close()
		_ = frame.Write(conn, frame.Text("slow"), frame.DefaultLimits())
		resp, _ := frame.Read(conn, frame.DefaultLimits())
		result <- resp
	}()
	<-entered

	closed := make(chan error, 1)
	go func() {
		closed <- srv.Close(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}
	if resp := <-result; resp != frame.Text("X") {
		t.Fatalf("in-flight follower should still get a response, got %v", resp)
	}
	if err := srv.Serve(); !errors.Is(err, leader.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestCloseCutsOffAbandonedConnections(t *testing.T) {
	var calls atomic.Int64
	srv := startServer(t, leader.Options{
		Response: frame.Text("X"),
		Receive: func(frame.Message) error {
			calls.Add(1)
			return nil
		},
	})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	testsupport.Eventually(t, 2*time.Second, func() bool { return srv.Active() == 1 }, "connection accepted")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain deadline, got %v", err)
	}

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_ = frame.Write(conn, frame.Text("late"), frame.DefaultLimits())
	if resp, err := frame.Read(conn, frame.DefaultLimits()); err == nil {
		t.Fatalf("abandoned exchange must not answer, got %v", resp)
	}
	testsupport.Eventually(t, 2*time.Second, func() bool { return srv.Active() == 0 }, "abandoned worker exits")
	if n := calls.Load(); n != 0 {
		t.Fatalf("receive hook ran %d times after close", n)
	}
}
