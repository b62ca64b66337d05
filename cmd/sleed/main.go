// Command sleed runs the service container with the callcount service
// installed. It loads configuration, opens the configured store, activates
// the service, serves Prometheus metrics and deactivates the service on
// SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sleecore/internal/config"
	"sleecore/internal/core"
	"sleecore/pkg/domain"
	"sleecore/plugins/callcount"
)

var exitFunc = os.Exit

type options struct {
	configFile string
	envFile    string
	maxLegs    int
	dryRun     bool
}

// main runs the command-line interface and exits with its status code.
func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sleed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.configFile, "config", "", "path to a YAML configuration file")
	fs.StringVar(&opts.envFile, "env-file", "", "path to a dotenv file")
	fs.IntVar(&opts.maxLegs, "max-legs", callcount.DefaultMaxLegs, "maximum legs per call")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "open the store, install the service and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, stdout); err != nil {
		if _, writeErr := fmt.Fprintf(stderr, "sleed: %v\n", err); writeErr != nil {
			return 1
		}
		return 1
	}
	return 0
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := cfg.ZapLevel()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(ctx context.Context, opts options, stdout io.Writer) (err error) {
	cfg, err := config.Load(config.Options{File: opts.configFile, EnvFile: opts.envFile})
	if err != nil {
		return err
	}
	zl, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	registry := prometheus.NewRegistry()
	metrics, err := core.NewPrometheusMetricsRecorder(registry)
	if err != nil {
		return err
	}
	containerOpts := append(cfg.ContainerOptions(),
		core.WithLogger(core.NewZapLogger(zl)),
		core.WithMetricsRecorder(metrics),
		core.WithActionErrorHandler(func(_ context.Context, err error) {
			zl.Warn("after-commit action failed", zap.Error(err))
		}),
	)
	c, err := core.OpenContainer(ctx, cfg.StorageConfig(), nil, containerOpts...)
	if err != nil {
		return fmt.Errorf("open container: %w", err)
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close container: %w", closeErr)
		}
	}()

	if _, err := c.InstallPlugin(callcount.New(callcount.Options{MaxLegs: opts.maxLegs})); err != nil {
		return err
	}
	// The router outlives the signal context so shutdown can drain it.
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	if err := installService(ctx, c, callcount.ServiceID); err != nil {
		return err
	}
	if opts.dryRun {
		return report(ctx, stdout, c, cfg)
	}

	if state, _ := c.ServiceState(ctx, callcount.ServiceID); state == domain.ServiceInactive {
		if err := c.ActivateService(ctx, callcount.ServiceID); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
	}
	shutdownMetrics, err := serveMetrics(cfg.Metrics.Addr, registry, stdout)
	if err != nil {
		return err
	}
	defer shutdownMetrics()
	if err := report(ctx, stdout, c, cfg); err != nil {
		return err
	}

	<-ctx.Done()
	return shutdown(c, cfg.Router.StopGracePeriod, stdout)
}

func installService(ctx context.Context, c *core.Container, id domain.ServiceID) error {
	err := c.InstallService(ctx, id)
	var exists domain.ErrAlreadyExists
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("install %s: %w", id, err)
	}
	return nil
}

func report(ctx context.Context, w io.Writer, c *core.Container, cfg config.Config) error {
	state, err := c.ServiceState(ctx, callcount.ServiceID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "storage=%s service=%s state=%s\n", cfg.Storage.Driver, callcount.ServiceID, state)
	return err
}

func serveMetrics(addr string, registry *prometheus.Registry, stdout io.Writer) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	if _, err := fmt.Fprintf(stdout, "metrics listening on %s\n", ln.Addr()); err != nil {
		_ = srv.Close()
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// shutdown deactivates the service and waits until it is INACTIVE. The grace
// timer force-removes remaining trees, so the wait is bounded by grace.
func shutdown(c *core.Container, grace time.Duration, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()
	if state, _ := c.ServiceState(ctx, callcount.ServiceID); state == domain.ServiceActive {
		if err := c.DeactivateService(ctx, callcount.ServiceID); err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, err := c.ServiceState(ctx, callcount.ServiceID)
		if err != nil {
			return err
		}
		if state == domain.ServiceInactive {
			_, err := fmt.Fprintln(stdout, "service inactive, shutting down")
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to stop: %w", callcount.ServiceID, ctx.Err())
		case <-ticker.C:
		}
	}
}
