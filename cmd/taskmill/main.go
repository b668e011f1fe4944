package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/harborloop/taskmill/internal/audit"
	"github.com/harborloop/taskmill/internal/broker"
	"github.com/harborloop/taskmill/internal/bus"
	"github.com/harborloop/taskmill/internal/config"
	"github.com/harborloop/taskmill/internal/executor"
	"github.com/harborloop/taskmill/internal/lease"
	otelPkg "github.com/harborloop/taskmill/internal/otel"
	"github.com/harborloop/taskmill/internal/policy"
	"github.com/harborloop/taskmill/internal/scheduler"
	"github.com/harborloop/taskmill/internal/store"
	"github.com/harborloop/taskmill/internal/telemetry"
	"github.com/harborloop/taskmill/internal/toolproxy"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	home := flag.String("home", config.DefaultHomeDir(), "data directory")
	verbose := flag.Bool("verbose", false, "log to stderr even when not attached to a terminal")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("taskmill", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *home, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "taskmill:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, home string, verbose bool) error {
	cfg, err := config.Load(home)
	if err != nil {
		return err
	}

	// File logs always; stderr only when a human is watching.
	quiet := !verbose && !isatty.IsTerminal(os.Stderr.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := audit.Init(cfg.HomeDir); err != nil {
		return err
	}
	defer audit.Close()

	events := bus.New()
	st, err := store.Open(cfg.Store.Path, events)
	if err != nil {
		return err
	}
	defer st.Close()
	audit.SetDB(st.DB())

	recovered, err := st.RecoverRunningTasks(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if recovered > 0 {
		logger.Warn("requeued orphaned running tasks", "count", recovered)
	}

	otelExporter := cfg.Otel.Exporter
	if otelExporter == "otlp" {
		otelExporter = "otlp-http"
	}
	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    otelExporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return err
	}
	go otelPkg.RunMetricsPump(ctx, events, metrics)

	queue := broker.New(cfg.Broker.QueueDepth, cfg.Broker.MaxDeliveries, broker.WithLogger(logger))
	defer queue.Close()

	sched, err := scheduler.New(st, queue, events, logger, scheduler.Config{
		DefaultMaxAttempts: cfg.Scheduler.DefaultMaxAttempts,
		RetryBaseDelay:     cfg.RetryBaseDelay(),
		RetryMaxDelay:      cfg.RetryMaxDelay(),
		ReconcileInterval:  cfg.ReconcileInterval(),
		PendingStaleness:   cfg.PendingStaleness(),
		QueuedStaleness:    cfg.QueuedStaleness(),
		StatusCacheSize:    cfg.Scheduler.StatusCacheSize,
		StatusCacheTTL:     cfg.StatusCacheTTL(),
		ScheduleTick:       cfg.ScheduleTick(),
	}, cfg.Scheduler.PayloadSchemaPath)
	if err != nil {
		return err
	}
	defer sched.Close()
	queue.SetDeadLetter(sched.DeadLetter)

	pol, err := policy.NewReloadable(cfg.ToolProxy.PolicyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	gateway := toolproxy.New(st, pol, events, logger, cfg.ToolCallTimeout())
	gateway.Register(toolproxy.Capability{
		Name: "echo",
		Call: func(ctx context.Context, request []byte) ([]byte, error) {
			return request, nil
		},
	})

	leases := lease.NewManager(cfg.LeaseTTL())
	pool := executor.NewPool(st, queue, leases, pipelineRunner{}, sched, logger, executor.Config{
		WorkerCount:        cfg.Executor.WorkerCount,
		CancelPollInterval: cfg.CancelPollInterval(),
	})
	pool.SetToolInvoker(gateway)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	go func() {
		for ev := range watcher.Events() {
			if filepath.Base(ev.Path) != "policy.yaml" {
				continue
			}
			if err := pol.Reload(); err != nil {
				logger.Error("policy reload failed, keeping previous policy", "error", err)
				continue
			}
			logger.Info("policy reloaded", "policy_version", pol.PolicyVersion())
		}
	}()

	go sched.RunReconcileLoop(ctx, nil)
	go sched.RunScheduleLoop(ctx)
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, l := range leases.Sweep() {
					logger.Warn("local lease lapsed", "task_id", l.TaskID, "owner", l.Owner)
				}
			}
		}
	}()

	pool.Start(ctx)
	logger.Info("taskmill daemon started",
		"version", Version,
		"home", cfg.HomeDir,
		"workers", cfg.Executor.WorkerCount,
		"lease_ttl", cfg.LeaseTTL().String(),
		"policy_version", pol.PolicyVersion())

	<-ctx.Done()
	logger.Info("shutting down")
	pool.Wait()
	return nil
}

// pipelinePayload is the built-in processor's task format: an ordered list
// of tool calls to run through the proxy.
type pipelinePayload struct {
	Calls []struct {
		Target  string          `json:"target"`
		Request json.RawMessage `json:"request"`
	} `json:"calls"`
}

// pipelineRunner is the default processor: it executes the payload's tool
// calls in order and succeeds with the final response. Policy denials and
// unknown targets are fatal; timeouts and capability errors are retryable.
type pipelineRunner struct{}

func (pipelineRunner) Run(ctx context.Context, task *store.Record, invoke executor.InvokeFunc) executor.Outcome {
	var payload pipelinePayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return executor.Outcome{
			Status: executor.StatusFatalFailure,
			Error:  fmt.Sprintf("malformed payload: %v", err),
		}
	}
	if len(payload.Calls) == 0 {
		return executor.Outcome{Status: executor.StatusSuccess, Result: task.Payload}
	}

	var last []byte
	for i, call := range payload.Calls {
		resp, err := invoke(ctx, call.Target, call.Request)
		if err != nil {
			status := executor.StatusRetryableFailure
			if errors.Is(err, toolproxy.ErrPolicyViolation) || errors.Is(err, toolproxy.ErrUnknownTarget) {
				status = executor.StatusFatalFailure
			}
			return executor.Outcome{
				Status: status,
				Error:  fmt.Sprintf("call %d (%s): %v", i+1, call.Target, err),
			}
		}
		last = resp
	}
	return executor.Outcome{Status: executor.StatusSuccess, Result: string(last)}
}
