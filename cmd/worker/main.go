package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/edvin/shipyard/internal/activity"
	"github.com/edvin/shipyard/internal/config"
	"github.com/edvin/shipyard/internal/core"
	"github.com/edvin/shipyard/internal/db"
	"github.com/edvin/shipyard/internal/events"
	"github.com/edvin/shipyard/internal/logging"
	"github.com/edvin/shipyard/internal/metrics"
	"github.com/edvin/shipyard/internal/proxy"
	"github.com/edvin/shipyard/internal/remote"
	"github.com/edvin/shipyard/internal/workflow"
)

const taskQueue = "shipyard-tasks"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg, "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	tlsConfig, err := cfg.TemporalTLS()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure temporal TLS")
	}
	dialOpts := temporalclient.Options{HostPort: cfg.TemporalAddress}
	if tlsConfig != nil {
		dialOpts.ConnectionOptions = temporalclient.ConnectionOptions{TLS: tlsConfig}
		logger.Info().Msg("temporal mTLS enabled")
	}
	tc, err := temporalclient.Dial(dialOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to temporal")
	}
	defer tc.Close()

	services := core.NewServices(pool)
	bus := &events.LogBus{Logger: logger}
	transport := remote.NewSSHTransport(logger, services.PrivateKey)
	executor := remote.NewExecutor(logger, transport, remote.DefaultRetryPolicy(), services.ExecutionLog, remote.NewRedactor(cfg.InternalIPs...))
	prober := proxy.NewProber(logger, executor)
	configStore := proxy.NewConfigStore(logger, executor, services.Server)
	status := proxy.NewDefaultStatusProvider(logger, executor)
	reconciler := proxy.NewReconciler(logger, services.Server, status, prober, configStore, executor, bus)
	validator := core.NewValidator(logger, executor, services.Server, bus)

	w := worker.New(tc, taskQueue, worker.Options{})

	// Register activities
	proxyActivities := activity.NewProxy(logger, services.Server, services.ExecutionLog, reconciler)
	w.RegisterActivity(proxyActivities)

	serverActivities := activity.NewServer(logger, services.Server, services.ExecutionLog, validator, executor)
	w.RegisterActivity(serverActivities)

	// Register workflows
	w.RegisterWorkflow(workflow.StartProxyWorkflow)
	w.RegisterWorkflow(workflow.StopProxyWorkflow)
	w.RegisterWorkflow(workflow.RestartProxyWorkflow)
	w.RegisterWorkflow(workflow.CheckProxyCronWorkflow)
	w.RegisterWorkflow(workflow.ValidateServerWorkflow)
	w.RegisterWorkflow(workflow.ExecuteCommandsWorkflow)
	w.RegisterWorkflow(workflow.CancelOperationWorkflow)

	if cfg.MetricsListenAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsListenAddr)
		go func() {
			logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		logger.Info().Str("taskQueue", taskQueue).Msg("starting temporal worker")
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("worker failed")
		}
	}()

	// Register cron schedules. Errors for already-existing schedules are
	// ignored so that re-deploys do not fail.
	registerCronSchedules(ctx, tc, taskQueue, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	cancel()
}

type cronSchedule struct {
	id       string
	cron     string
	workflow interface{}
	args     []interface{}
}

func registerCronSchedules(ctx context.Context, tc temporalclient.Client, taskQueue string, logger zerolog.Logger) {
	schedules := []cronSchedule{
		{
			id:       "check-proxy-cron",
			cron:     "* * * * *",
			workflow: workflow.CheckProxyCronWorkflow,
		},
	}

	scheduleClient := tc.ScheduleClient()

	for _, s := range schedules {
		_, err := scheduleClient.Create(ctx, temporalclient.ScheduleOptions{
			ID: s.id,
			Spec: temporalclient.ScheduleSpec{
				CronExpressions: []string{s.cron},
			},
			Action: &temporalclient.ScheduleWorkflowAction{
				ID:        s.id,
				Workflow:  s.workflow,
				Args:      s.args,
				TaskQueue: taskQueue,
			},
		})
		if err != nil {
			if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "AlreadyExists") || strings.Contains(err.Error(), "already registered") {
				logger.Info().Str("id", s.id).Msg("cron schedule already exists, skipping")
			} else {
				logger.Fatal().Err(err).Str("id", s.id).Msg("failed to create cron schedule")
			}
		} else {
			logger.Info().Str("id", s.id).Str("cron", s.cron).Msg("created cron schedule")
		}
	}
}
