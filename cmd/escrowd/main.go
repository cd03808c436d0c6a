package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/park285/chess-escrow/internal/api"
	"github.com/park285/chess-escrow/internal/arbiter"
	appcfg "github.com/park285/chess-escrow/internal/config"
	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/park285/chess-escrow/internal/eventfeed"
	"github.com/park285/chess-escrow/internal/indexer"
	"github.com/park285/chess-escrow/internal/ledger"
	"github.com/park285/chess-escrow/internal/moveaudit"
	"github.com/park285/chess-escrow/internal/msgcat"
	"github.com/park285/chess-escrow/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store escrow.Ledger
		rdb   *redis.Client
	)
	if cfg.RedisURL != "" {
		rdb, err = ledger.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis_connect_error", zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
		store = ledger.NewRedis(rdb, ledger.RedisOptions{StreamMaxLen: cfg.EventStreamMaxLen})
	} else {
		logger.Warn("ledger_in_memory", zap.String("hint", "set REDIS_URL for a durable ledger"))
		store = ledger.NewMemory()
	}

	opts := escrow.Options{Fees: cfg.Fees(), MaxMoveHistory: cfg.MaxMoveHistory}
	if cfg.VerifyOutcomes {
		opts.Verifier = moveaudit.NewVerifier()
	}
	engine, err := escrow.NewEngine(store, opts)
	if err != nil {
		logger.Fatal("engine_init_error", zap.Error(err))
	}

	msgs, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("messages_init_error", zap.Error(err))
	}

	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(name+"_stopped", zap.Error(err))
			}
		}()
	}

	identity, err := arbiterIdentity(cfg.ArbiterKeyFile)
	if err != nil {
		logger.Fatal("arbiter_key_error", zap.Error(err))
	}
	if cfg.ArbiterInterval > 0 {
		arb := arbiter.New(engine, arbiter.Options{Identity: identity, Interval: cfg.ArbiterInterval, Logger: logger.Named("arbiter")})
		goRun("arbiter", func(ctx context.Context) error { arb.Run(ctx); return nil })
	}

	if rdb != nil && cfg.DatabaseURL != "" {
		sink, err := indexer.OpenSQLSink(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("indexer_db_error", zap.Error(err))
		}
		defer func() { _ = sink.Close() }()
		if err := sink.Migrate(ctx); err != nil {
			logger.Fatal("indexer_migrate_error", zap.Error(err))
		}
		ix := indexer.New(rdb, sink, indexer.Options{Logger: logger.Named("indexer")})
		goRun("indexer", ix.Run)
	}

	var feedSrv *http.Server
	if rdb != nil && cfg.EventsAddr != "" {
		feed := eventfeed.New(rdb, eventfeed.Options{Logger: logger.Named("eventfeed")})
		goRun("eventfeed", feed.Run)
		feedSrv = &http.Server{Addr: cfg.EventsAddr, Handler: feed, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("eventfeed_listening", zap.String("addr", cfg.EventsAddr))
			if err := feedSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("eventfeed_listen_error", zap.Error(err))
			}
		}()
	}

	apiOpts := api.Options{AdminToken: cfg.AdminToken, RateLimitRPS: cfg.RateLimitRPS, TrustedProxies: cfg.TrustedProxies, Messages: msgs}
	if rdb != nil {
		apiOpts.Ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	app := api.NewApp(engine, apiOpts)
	go func() {
		logger.Info("api_listening", zap.String("addr", cfg.HTTPAddr), zap.Uint64("fee_bps", cfg.FeeBps), zap.Bool("verify_outcomes", cfg.VerifyOutcomes))
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			logger.Error("api_listen_error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown_started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_error", zap.Error(err))
	}
	if feedSrv != nil {
		if err := feedSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("eventfeed_shutdown_error", zap.Error(err))
		}
	}
	wg.Wait()
	logger.Info("shutdown_complete")
}

// arbiterIdentity loads the arbiter key, or generates a throwaway one. Any identity may trigger timeouts.
func arbiterIdentity(path string) (string, error) {
	if path == "" {
		key, err := escrow.GenerateKey()
		if err != nil {
			return "", err
		}
		return escrow.IdentityOf(key), nil
	}
	key, err := escrow.LoadKeyFile(path)
	if err != nil {
		return "", err
	}
	return escrow.IdentityOf(key), nil
}
