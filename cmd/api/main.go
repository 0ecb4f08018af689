package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uber-go/tally/v4"
	tallyprom "github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sonzai/livepk/src/app/battles"
	"github.com/sonzai/livepk/src/app/fanout"
	"github.com/sonzai/livepk/src/app/invitations"
	"github.com/sonzai/livepk/src/app/outbox"
	"github.com/sonzai/livepk/src/app/scores"
	"github.com/sonzai/livepk/src/app/slots"
	"github.com/sonzai/livepk/src/app/timer"
	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/infra/cohost"
	"github.com/sonzai/livepk/src/infra/hub"
	"github.com/sonzai/livepk/src/infra/memory"
	"github.com/sonzai/livepk/src/infra/postgres"
	"github.com/sonzai/livepk/src/infra/push"
	"github.com/sonzai/livepk/src/infra/relay"
)

func main() {
	cfg, err := loadConfig(getEnv("PKB_CONFIG", ""))
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	baseCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	scope, scopeCloser := newMetricsScope(prometheus.DefaultRegisterer, logger)
	defer scopeCloser.Close()

	battleRepo, inviteRepo, closeStore, err := openStore(baseCtx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	clock := clockwork.NewRealClock()

	writer, err := outbox.New(battleRepo, inviteRepo, outbox.Config{SweepInterval: cfg.Outbox.SweepInterval}, clock, logger.Named("outbox"), scope)
	if err != nil {
		logger.Fatal("failed to create outbox", zap.Error(err))
	}
	writer.Start()

	wsHub := hub.New(hub.Config{}, logger.Named("hub"), scope)
	var transport fanout.Transport = wsHub
	if cfg.Redis.Addr != "" {
		rdb, err := relay.Connect(baseCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		rl := relay.New(rdb, wsHub, "", logger.Named("relay"), scope)
		transport = rl
		go func() {
			if err := rl.Run(baseCtx); err != nil {
				logger.Error("relay stopped", zap.Error(err))
			}
		}()
	}

	var pusher fanout.Pusher = push.Discard{}
	if cfg.Push.URL != "" {
		pusher = push.NewSender(cfg.Push.APIKey, cfg.Push.URL)
	}

	dispatcher := fanout.NewDispatcher(transport, pusher, fanout.Config{
		Workers:     cfg.Fanout.Workers,
		QueueSize:   cfg.Fanout.QueueSize,
		MaxAttempts: cfg.Fanout.MaxAttempts,
		Backoff:     cfg.Fanout.Backoff,
	}, clock, logger.Named("fanout"), scope)

	timers := timer.NewScheduler(clock, logger.Named("timer"))
	timers.Start()

	table := slots.NewTable()
	battleService := battles.NewService(table, scores.NewAggregator(scope), timers, dispatcher, writer, battles.Options{
		Rules:         cfg.Battle.rules(),
		ScoreThrottle: cfg.Battle.ScoreThrottle,
		MixerTimeout:  cfg.Mixer.Timeout,
	}, logger.Named("battles"), scope).WithArchive(writer)
	if cfg.Mixer.URL != "" {
		battleService.WithMixer(cohost.NewClient(cfg.Mixer.URL, cfg.Mixer.APIKey))
	}

	live, err := battleRepo.ListLive(baseCtx)
	if err != nil {
		logger.Fatal("failed to load live battles", zap.Error(err))
	}
	if err := battleService.Restore(live); err != nil {
		logger.Warn("some battles could not be restored", zap.Error(err))
	}

	inviteService := invitations.NewService(table, battleService, timers, dispatcher, writer, invitations.Options{
		Timeout:   cfg.Battle.InviteTimeout,
		Retention: cfg.Battle.InviteRetention,
	}, logger.Named("invitations"), scope).WithArchive(writer)

	server := NewServer(ServerConfig{
		Logger:         logger,
		Battles:        battleService,
		Invitations:    inviteService,
		Hub:            wsHub,
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		ServiceSecret:  []byte(cfg.Auth.ServiceSecret),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("PK battle API listening", zap.String("addr", cfg.HTTP.Addr), zap.Int("restored", len(live)))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-baseCtx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	wsHub.Close()
	timers.Stop()
	battleService.Wait()
	dispatcher.Close()
	if err := writer.Close(shutdownCtx); err != nil {
		logger.Error("outbox final flush failed", zap.Error(err), zap.Int("pending", writer.Pending()))
	}
}

// newLogger builds a JSON production logger. A configured file is written through lumberjack
// in addition to stdout.
func newLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	sink := zapcore.AddSync(os.Stdout)
	if cfg.File != "" {
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}))
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// newMetricsScope reports domain counters through the prometheus registry that also serves HTTP metrics.
func newMetricsScope(reg prometheus.Registerer, logger *zap.Logger) (tally.Scope, io.Closer) {
	reporter := tallyprom.NewReporter(tallyprom.Options{
		Registerer: reg,
		OnRegisterError: func(err error) {
			logger.Warn("metric registration failed", zap.Error(err))
		},
	})
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:         "livepk",
		CachedReporter: reporter,
		Separator:      tallyprom.DefaultSeparator,
	}, time.Second)
}

// openStore picks Postgres when a DSN is configured and falls back to process memory.
func openStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (battle.Repository, invitation.Repository, func(), error) {
	if cfg.DSN == "" {
		logger.Warn("no postgres dsn configured, battle records are kept in memory only")
		return memory.NewBattleRepository(), memory.NewInvitationRepository(), func() {}, nil
	}
	store, err := postgres.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return store.Battles(), store.Invitations(), store.Close, nil
}
