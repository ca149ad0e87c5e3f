package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"soloist/internal/config"
	"soloist/internal/instance"
	"soloist/internal/logging"
	"soloist/internal/payload"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run [args...]",
		Short: "Lead the identity or forward arguments to the running leader",
		Long: "The first launch for an identity becomes the leader and prints every argument list\n" +
			"forwarded to it until interrupted. Later launches forward their arguments and exit.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstance(cmd, ctx, args)
		},
	}
}

func runInstance(cmd *cobra.Command, ctx *commandContext, args []string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := ctx.newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := cmd.OutOrStdout()
	printer := &linePrinter{out: out}
	hooks := instance.Hooks{
		Receive: payload.ReceiveList(func(items []string) error {
			printer.printf("received: %s\n", formatArgs(items))
			return nil
		}),
		Send: payload.SendList(func() ([]string, error) {
			return args, nil
		}),
		HandleError: func(err error) {
			logging.WarnWithContext(logger, "exchange failed", "run_exchange_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "one forwarded message was dropped"),
			)
		},
		BeforeExit: func() {
			printer.printf("forwarded %s to the running instance\n", formatArgs(args))
		},
	}

	opts := []instance.Option{
		instance.WithLogger(logger),
		instance.WithExitFunc(ctx.exit),
	}
	var registry *prometheus.Registry
	if cfg.Leader.Metrics {
		registry = prometheus.NewRegistry()
		opts = append(opts, instance.WithRegisterer(registry))
	}

	coord, err := instance.New("", *cfg, hooks, opts...)
	if err != nil {
		return err
	}

	lead, err := coord.Acquire(signalCtx)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", cfg.Instance.ID, err)
	}
	if !lead.IsLeader {
		if !cfg.Instance.AutoExit {
			printer.printf("forwarded %s to the running instance at %s\n", formatArgs(args), lead.Endpoint)
		}
		return nil
	}

	printer.printf("leading %s on %s\n", cfg.Instance.ID, lead.Endpoint)
	if len(args) > 0 {
		printer.printf("received: %s\n", formatArgs(args))
	}

	if registry != nil {
		stop := serveMetrics(cfg.Leader, registry, logger)
		defer stop()
	}

	<-signalCtx.Done()

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), cfg.Leader.DrainTimeout()+time.Second)
	defer releaseCancel()
	if _, err := coord.Release(releaseCtx); err != nil {
		return fmt.Errorf("release %s: %w", cfg.Instance.ID, err)
	}
	printer.printf("released %s\n", cfg.Instance.ID)
	return nil
}

func serveMetrics(cfg config.Leader, registry *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.WarnWithContext(logger, "metrics endpoint unavailable", "metrics_listen_failed",
				logging.Error(err),
				logging.String(logging.FieldEndpoint, cfg.MetricsAddr),
				logging.String(logging.FieldImpact, "leader metrics cannot be scraped"),
				logging.String(logging.FieldErrorHint, "choose a free leader.metrics_addr"),
			)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// linePrinter serializes writes from concurrent receive hooks.
type linePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *linePrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func formatArgs(items []string) string {
	if items == nil {
		return "(none)"
	}
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = strconv.Quote(item)
	}
	return "[" + strings.Join(quoted, " ") + "]"
}
