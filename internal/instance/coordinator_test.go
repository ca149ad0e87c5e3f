package instance_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"soloist/internal/config"
	"soloist/internal/frame"
	"soloist/internal/instance"
	"soloist/internal/lockfile"
	"soloist/internal/testsupport"
	"soloist/internal/transport"
)

type recorder struct {
	mu       sync.Mutex
	messages []frame.Message
	notify   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) receive(msg frame.Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.notify <- struct{}{}
	return nil
}

func (r *recorder) snapshot() []frame.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frame.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func newCoordinator(t *testing.T, cfg config.Config, hooks instance.Hooks, opts ...instance.Option) *instance.Coordinator {
	t.Helper()
	c, err := instance.New("", cfg, hooks, opts...)
	if err != nil {
		t.Fatalf("instance.New: %v", err)
	}
	t.Cleanup(func() { _, _ = c.Release(context.Background()) })
	return c
}

func acquire(t *testing.T, c *instance.Coordinator) instance.Leadership {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lead, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return lead
}

func sendText(s string) func() (frame.Message, error) {
	return func() (frame.Message, error) { return frame.Text(s), nil }
}

func TestFollowerDeliversMessageAndExits(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAutoExit(true))
	rec := newRecorder()
	p1 := newCoordinator(t, cfg, instance.Hooks{Receive: rec.receive})

	lead := acquire(t, p1)
	if !lead.IsLeader || !lead.Locked || lead.Promoted {
		t.Fatalf("expected locked leadership, got %+v", lead)
	}
	testsupport.AssertExists(t, transport.PortFilePath(cfg.Instance.Dir, cfg.Instance.ID))

	var (
		order    []string
		exitCode = -1
	)
	p2 := newCoordinator(t, cfg, instance.Hooks{
		Send:       sendText("hello"),
		BeforeExit: func() { order = append(order, "before-exit") },
	}, instance.WithExitFunc(func(code int) {
		order = append(order, "exit")
		exitCode = code
	}))

	got := acquire(t, p2)
	if got.IsLeader {
		t.Fatal("second instance must not lead")
	}
	if exitCode != 0 {
		t.Fatalf("expected exit(0), got %d", exitCode)
	}
	if len(order) != 2 || order[0] != "before-exit" || order[1] != "exit" {
		t.Fatalf("unexpected hook order %v", order)
	}

	<-rec.notify
	msgs := rec.snapshot()
	if len(msgs) != 1 || msgs[0] != frame.Text("hello") {
		t.Fatalf("leader saw %v, want exactly one hello", msgs)
	}
}

func TestConcurrentAcquireElectsOneLeader(t *testing.T) {
	const n = 8
	base := testsupport.NewConfig(t)

	rec := newRecorder()
	coords := make([]*instance.Coordinator, n)
	for i := range coords {
		coords[i] = newCoordinator(t, base, instance.Hooks{
			Receive: rec.receive,
			Send:    sendText("from follower"),
		}, instance.WithExitFunc(func(int) { t.Error("auto-exit is disabled") }))
	}

	results := make([]instance.Leadership, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, c := range coords {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			results[i], errs[i] = c.Acquire(ctx)
		}()
	}
	close(start)
	wg.Wait()

	leaders := 0
	for i := range coords {
		if errs[i] != nil {
			t.Fatalf("acquirer %d: %v", i, errs[i])
		}
		if results[i].IsLeader {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("expected exactly one leader, got %d", leaders)
	}

	testsupport.Eventually(t, 5*time.Second, func() bool {
		return len(rec.snapshot()) == n-1
	}, "leader receives one message per follower")
	for _, msg := range rec.snapshot() {
		if msg != frame.Text("from follower") {
			t.Fatalf("unexpected message %v", msg)
		}
	}
}

func TestPayloadsRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	rec := newRecorder()
	leaderCoord := newCoordinator(t, cfg, instance.Hooks{Receive: rec.receive})
	acquire(t, leaderCoord)

	payloads := []frame.Message{
		frame.Text("line1\nline2\r\nline3"),
		frame.Text(""),
		frame.Text("null"),
		frame.Absent(),
		frame.Text("ünïcödé ✓"),
	}
	for _, msg := range payloads {
		c := newCoordinator(t, cfg, instance.Hooks{
			Send: func() (frame.Message, error) { return msg, nil },
		})
		acquire(t, c)
		<-rec.notify
	}

	got := rec.snapshot()
	if len(got) != len(payloads) {
		t.Fatalf("got %d messages, want %d", len(got), len(payloads))
	}
	for i := range payloads {
		if got[i] != payloads[i] {
			t.Fatalf("message %d: got %v want %v", i, got[i], payloads[i])
		}
	}
	if got[1].Valid == got[3].Valid {
		t.Fatal("empty and absent payloads must stay distinct")
	}
}

func TestSendHookErrorSendsAbsent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	rec := newRecorder()
	acquire(t, newCoordinator(t, cfg, instance.Hooks{Receive: rec.receive}))

	var reported atomic.Value
	c := newCoordinator(t, cfg, instance.Hooks{
		Send:        func() (frame.Message, error) { return frame.Text("x"), errors.New("cannot build message") },
		HandleError: func(err error) { reported.Store(err) },
	})
	acquire(t, c)
	<-rec.notify

	err, _ := reported.Load().(error)
	if !errors.Is(err, instance.ErrCallback) {
		t.Fatalf("expected ErrCallback routed to HandleError, got %v", err)
	}
	if got := rec.snapshot(); len(got) != 1 || got[0].Valid {
		t.Fatalf("expected absent payload, got %v", got)
	}
}

func TestReleaseThenFollowerTakesOver(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p1 := newCoordinator(t, cfg, instance.Hooks{})
	acquire(t, p1)

	p2 := newCoordinator(t, cfg, instance.Hooks{Send: sendText("hi")})
	if lead := acquire(t, p2); lead.IsLeader {
		t.Fatal("p2 should follow while p1 leads")
	}

	released, err := p1.Release(context.Background())
	if err != nil || !released {
		t.Fatalf("Release: released=%v err=%v", released, err)
	}
	testsupport.AssertMissing(t, transport.PortFilePath(cfg.Instance.Dir, cfg.Instance.ID))
	testsupport.AssertMissing(t, lockfile.PathFor(cfg.Instance.Dir, cfg.Instance.ID))
	if p1.IsLeader() || p1.Endpoint() != "" {
		t.Fatal("p1 should no longer lead")
	}

	if lead := acquire(t, p2); !lead.IsLeader {
		t.Fatal("p2 should lead after p1 released")
	}

	released, err = p1.Release(context.Background())
	if err != nil || released {
		t.Fatalf("second release should report nothing held: released=%v err=%v", released, err)
	}
}

func TestAcquireWhileLeadingIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	c := newCoordinator(t, cfg, instance.Hooks{})
	first := acquire(t, c)
	second := acquire(t, c)
	if first != second {
		t.Fatalf("expected identical leadership, got %+v and %+v", first, second)
	}
	if !c.IsLeader() || c.Endpoint() != first.Endpoint {
		t.Fatal("coordinator state changed on repeated acquire")
	}
}

func TestUnixSocketRemovedOnRelease(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithUnixSocket())
	rec := newRecorder()
	p1 := newCoordinator(t, cfg, instance.Hooks{Receive: rec.receive})
	acquire(t, p1)

	socket := transport.SocketPath(cfg.Instance.Dir, cfg.Instance.ID)
	testsupport.AssertExists(t, socket)

	p2 := newCoordinator(t, cfg, instance.Hooks{Send: sendText("via socket")})
	if lead := acquire(t, p2); lead.IsLeader {
		t.Fatal("p2 should follow")
	}
	<-rec.notify

	if _, err := p1.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	testsupport.AssertMissing(t, socket)
}

func TestCorruptPortFileWithHeldLockFailsCleanly(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPromotion(true, 2, 50))
	holder, ok, err := lockfile.TryAcquire(cfg.Instance.Dir, cfg.Instance.ID)
	if err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}
	defer holder.Release()
	testsupport.WriteFile(t, transport.PortFilePath(cfg.Instance.Dir, cfg.Instance.ID), "not-a-port")

	c := newCoordinator(t, cfg, instance.Hooks{})
	_, err = c.Acquire(context.Background())
	if !errors.Is(err, instance.ErrLeaderUnreachable) {
		t.Fatalf("expected ErrLeaderUnreachable, got %v", err)
	}
	if !errors.Is(err, transport.ErrCorruptPortFile) {
		t.Fatalf("expected corrupt port file cause, got %v", err)
	}
	if c.IsLeader() {
		t.Fatal("must not lead while another process holds the lock")
	}
}

func TestCorruptPortFilePromotesOnceLockFrees(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPromotion(true, 10, 100))
	holder, ok, err := lockfile.TryAcquire(cfg.Instance.Dir, cfg.Instance.ID)
	if err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}
	testsupport.WriteFile(t, transport.PortFilePath(cfg.Instance.Dir, cfg.Instance.ID), "garbage")

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = holder.Release()
	}()

	c := newCoordinator(t, cfg, instance.Hooks{})
	lead := acquire(t, c)
	if !lead.IsLeader || !lead.Promoted || !lead.Locked {
		t.Fatalf("expected locked promotion, got %+v", lead)
	}
}

func TestUnguardedPromotionLeadsWithoutLock(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPromotion(false, 1, 0))
	holder, ok, err := lockfile.TryAcquire(cfg.Instance.Dir, cfg.Instance.ID)
	if err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}
	defer holder.Release()

	c := newCoordinator(t, cfg, instance.Hooks{})
	lead := acquire(t, c)
	if !lead.IsLeader || lead.Locked || !lead.Promoted {
		t.Fatalf("expected unguarded promotion, got %+v", lead)
	}
}

func TestMismatchedLeaderIsNotTrusted(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPromotion(true, 2, 20))
	holder, ok, err := lockfile.TryAcquire(cfg.Instance.Dir, cfg.Instance.ID)
	if err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}
	defer holder.Release()

	tr := transport.DynamicPort{Host: "127.0.0.1"}
	ln, err := tr.Listen(cfg.Instance.ID, cfg.Instance.Dir)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = frame.Read(conn, frame.DefaultLimits())
			_ = frame.Write(conn, frame.Text("someone-else"), frame.DefaultLimits())
			_ = conn.Close()
		}
	}()

	c := newCoordinator(t, cfg, instance.Hooks{Send: sendText("x")})
	_, err = c.Acquire(context.Background())
	if !errors.Is(err, instance.ErrLeaderUnreachable) {
		t.Fatalf("expected ErrLeaderUnreachable, got %v", err)
	}
	if c.IsLeader() {
		t.Fatal("must not lead while the lock is held elsewhere")
	}
}

func TestCallbackPanicKeepsLeaderServing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	var calls atomic.Int32
	errs := make(chan error, 4)
	p1 := newCoordinator(t, cfg, instance.Hooks{
		Receive: func(frame.Message) error {
			if calls.Add(1) == 1 {
				panic("first message explodes")
			}
			return nil
		},
		HandleError: func(err error) { errs <- err },
	})
	acquire(t, p1)

	for range 2 {
		c := newCoordinator(t, cfg, instance.Hooks{Send: sendText("m")})
		if lead := acquire(t, c); lead.IsLeader {
			t.Fatal("follower should validate even when the receive hook panics")
		}
	}
	select {
	case err := <-errs:
		if !errors.Is(err, instance.ErrCallback) {
			t.Fatalf("expected ErrCallback, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("panic was not reported")
	}
	testsupport.Eventually(t, 5*time.Second, func() bool { return calls.Load() == 2 }, "both messages delivered")
}

func TestMetricsRegistered(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg := prometheus.NewRegistry()
	rec := newRecorder()
	acquire(t, newCoordinator(t, cfg, instance.Hooks{Receive: rec.receive}, instance.WithRegisterer(reg)))
	acquire(t, newCoordinator(t, cfg, instance.Hooks{Send: sendText("m")}))
	<-rec.notify

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "soloist_leader_connections_accepted_total" {
			found = true
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Fatalf("accepted = %v, want 1", v)
			}
		}
	}
	if !found {
		t.Fatal("accepted counter not registered")
	}
}

func TestNewRejectsInvalidIdentity(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := instance.New("../escape", cfg, instance.Hooks{}); err == nil {
		t.Fatal("expected identity with path separators to be rejected")
	}
}
