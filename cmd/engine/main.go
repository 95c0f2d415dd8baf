package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"worklog-engine/internal/api"
	"worklog-engine/internal/backup"
	"worklog-engine/internal/config"
	"worklog-engine/internal/engage"
	"worklog-engine/internal/jobs"
	"worklog-engine/internal/messaging"
	"worklog-engine/internal/oracle"
	"worklog-engine/internal/ratelimit"
	"worklog-engine/internal/resilience"
	"worklog-engine/internal/schedule"
	"worklog-engine/internal/store"
	"worklog-engine/internal/telemetry"
)

func main() {
	cfg := config.Load()

	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal("load timezone", zap.String("tz", cfg.Timezone), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.SendRateCapacity, cfg.SendRatePerSec, time.Hour)

	breakers := resilience.NewBreakerSet()
	stats := resilience.NewStats()
	llmExec := mustExecutor(log, breakers, stats, resilience.DepLLM)
	msgExec := mustExecutor(log, breakers, stats, resilience.DepMessaging)
	storeExec := mustExecutor(log, breakers, stats, resilience.DepStorage)
	msgBreaker, err := breakers.For(resilience.DepMessaging)
	if err != nil {
		log.Fatal("messaging breaker", zap.Error(err))
	}

	llm := oracle.NewClient(cfg.OracleBaseURL, cfg.OracleAPIKey, cfg.OracleModel, log)
	tg := messaging.NewClient(cfg.TelegramBaseURL, cfg.TelegramToken, limiter, log)
	tracker := engage.NewTracker(st, loc)

	sched := schedule.New(log)
	engine := jobs.New(jobs.Deps{
		Config:     cfg,
		Location:   loc,
		Store:      st,
		Oracle:     llm,
		Messenger:  tg,
		Engagement: tracker,
		LLMExec:    llmExec,
		MsgExec:    msgExec,
		StoreExec:  storeExec,
		MsgBreaker: msgBreaker,
		Logger:     log,
	})
	if err := engine.RegisterAll(sched); err != nil {
		log.Fatal("register jobs", zap.Error(err))
	}

	backups, err := backup.New(ctx, cfg, st, log)
	if err != nil {
		log.Fatal("init backups", zap.Error(err))
	}
	backupTrigger, err := schedule.Daily(cfg.BackupHour, cfg.BackupMinute, loc)
	if err != nil {
		log.Fatal("backup trigger", zap.Error(err))
	}
	if err := sched.Register(jobs.JobBackup, backupTrigger, jobs.Counted(jobs.JobBackup, backups.Run)); err != nil {
		log.Fatal("register backup", zap.Error(err))
	}

	sched.Start(ctx)
	go reportBreakerStates(ctx, breakers)

	server := api.New(cfg, sched, breakers, stats)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}
	go func() {
		log.Info("admin server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	sched.Stop(cfg.ShutdownGrace)
}

func newLogger(env string) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if env == "prod" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return log
}

func mustExecutor(log *zap.Logger, breakers *resilience.BreakerSet, stats *resilience.Stats, dep resilience.Dependency) *resilience.Executor {
	breaker, err := breakers.For(dep)
	if err != nil {
		log.Fatal("resolve breaker", zap.String("dependency", string(dep)), zap.Error(err))
	}
	exec, err := resilience.NewExecutor(dep, breaker, stats, log)
	if err != nil {
		log.Fatal("build executor", zap.String("dependency", string(dep)), zap.Error(err))
	}
	return exec
}

// reportBreakerStates mirrors breaker state into the Prometheus gauge.
func reportBreakerStates(ctx context.Context, breakers *resilience.BreakerSet) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range breakers.Statuses() {
				telemetry.SetBreakerState(st.Name, st.State)
			}
		}
	}
}
