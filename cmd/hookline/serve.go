package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hooklinehq/hookline/internal/blocker"
	"github.com/hooklinehq/hookline/internal/cleanup"
	"github.com/hooklinehq/hookline/internal/config"
	"github.com/hooklinehq/hookline/internal/coordination"
	"github.com/hooklinehq/hookline/internal/counter"
	"github.com/hooklinehq/hookline/internal/events"
	"github.com/hooklinehq/hookline/internal/inbound"
	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/monitor"
	"github.com/hooklinehq/hookline/internal/notify"
	"github.com/hooklinehq/hookline/internal/runtime"
	"github.com/hooklinehq/hookline/internal/scheduler"
	"github.com/hooklinehq/hookline/internal/server"
	"github.com/hooklinehq/hookline/internal/store"
	"github.com/hooklinehq/hookline/internal/worker"
)

const (
	leaderTTL        = 30 * time.Second
	monitorScanEvery = time.Minute
	cleanupEvery     = time.Hour
	shutdownTimeout  = 10 * time.Second

	// Per-tenant alert email budget.
	alertBurst  = 3
	alertWindow = time.Hour
)

func serveCmd() *cobra.Command {
	var standalone bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, workers and HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg, standalone)
		},
	}
	cmd.Flags().BoolVar(&standalone, "standalone", false,
		"skip redis leader election and always run leader duties (single instance only)")
	return cmd
}

func serve(cfg config.Config, standalone bool) error {
	log.Init(log.Config{Level: cfg.LogLevel, Console: cfg.LogConsole})
	lg := log.WithComponent("serve")

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	rt := runtime.New()

	// Leader lease: a redis SET NX lease shared across instances, or an
	// always-on gate for a single-instance deployment.
	var leaderGate interface{ IsLeader() bool }
	var leaderReporter server.LeaderReporter
	if standalone {
		leaderGate = coordination.Always{}
	} else {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		elector := coordination.NewElector(client, nodeID(), leaderTTL)
		leaderGate = elector
		leaderReporter = elector
		rt.Add("elector", elector.Run)
	}

	ctr := counter.New(st, cfg.CounterFlush())
	bl := blocker.New(cfg.Blocker.FailThreshold, cfg.Blocker.BaseBlock, cfg.Blocker.MaxBlock)
	cb := notify.NewCallbackDispatcher(nil)
	alerter := notify.NewAlerter(notify.NewLogMailer(st), alertBurst, alertWindow)
	hub := events.NewHub()

	pool := worker.New(st, bl, ctr, cb, alerter,
		cfg.Workers.Min, cfg.Workers.Max, cfg.Workers.IdlePolls,
		worker.WithEvents(hub))

	grace := time.Duration(cfg.Scheduler.GraceDefault) * time.Second
	sched := scheduler.New(st, ctr,
		cfg.SchedulerTick(), cfg.SchedulerLookahead(), grace, cfg.Limits.MonthlyCapFree,
		scheduler.WithLeader(leaderGate),
		scheduler.WithWake(pool.Wake))

	checker := monitor.New(st, alerter, monitorScanEvery, monitor.WithLeader(leaderGate))
	cleaner := cleanup.New(st, ctr,
		cfg.Retention.FreeDays, cfg.Retention.ProDays, cleanupEvery,
		cleanup.WithLeader(leaderGate))
	in := inbound.New(st, inbound.WithWake(pool.Wake))

	rt.Add("counter", ctr.Run)
	rt.Add("callbacks", cb.Run)
	rt.Add("events", hub.Run)
	rt.Add("workers", pool.Run)
	rt.Add("scheduler", sched.Run)
	rt.Add("monitor", checker.Run)
	rt.Add("cleanup", cleaner.Run)

	opts := []server.Option{server.WithSaturation(st)}
	if leaderReporter != nil {
		opts = append(opts, server.WithLeader(leaderReporter))
	}
	srv := server.New(st, in, checker, hub, rt, opts...)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	rt.Add("http", func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() { errc <- httpSrv.ListenAndServe() }()
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutCtx)
		}
	})

	lg.Info().Str("addr", cfg.ListenAddr).Bool("standalone", standalone).Msg("hookline starting")
	rt.Run(ctx)
	lg.Info().Msg("hookline stopped")
	return nil
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "hookline"
	}
	return host + "-" + uuid.NewString()[:8]
}
