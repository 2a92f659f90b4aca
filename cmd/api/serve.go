package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/punchamoorthee/payswitch/internal/api"
	"github.com/punchamoorthee/payswitch/internal/bank"
	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/punchamoorthee/payswitch/internal/directory"
	"github.com/punchamoorthee/payswitch/internal/health"
	"github.com/punchamoorthee/payswitch/internal/lock"
	"github.com/punchamoorthee/payswitch/internal/migrations"
	"github.com/punchamoorthee/payswitch/internal/outbox"
	"github.com/punchamoorthee/payswitch/internal/routing"
	"github.com/punchamoorthee/payswitch/internal/service"
	"github.com/punchamoorthee/payswitch/internal/settlement"
	"github.com/punchamoorthee/payswitch/internal/store"
	"github.com/punchamoorthee/payswitch/internal/telemetry"
	"github.com/punchamoorthee/payswitch/internal/verifier"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

// openStorage connects the configured store and, when REDIS_ADDR is set, Redis.
func openStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, *redis.Client, error) {
	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store, state is lost on exit")
		st = store.NewMemory()
	case "postgres":
		if err := migrations.Up(cfg.DBSource); err != nil {
			return nil, nil, err
		}
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			return nil, nil, err
		}
		st = pg
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	if cfg.RedisAddr == "" {
		return st, nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		st.Close()
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return st, rdb, nil
}

func openBus(ctx context.Context, cfg *config.Config, log *zap.Logger) (outbox.Bus, error) {
	switch cfg.BusDriver {
	case "kafka":
		kb, err := outbox.NewKafkaBus(cfg.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		if err := kb.Ping(ctx); err != nil {
			log.Warn("kafka not reachable yet, events stay in the outbox", zap.Error(err))
		}
		return kb, nil
	case "rabbitmq":
		rb, err := outbox.NewRabbitBus(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			return nil, err
		}
		return rb, nil
	case "log", "":
		return outbox.NewLogBus(log), nil
	default:
		return nil, fmt.Errorf("unknown BUS_DRIVER %q", cfg.BusDriver)
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.Env, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	st, rdb, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	clk := clock.System()
	var (
		locker lock.Locker          = lock.NewLocalLocker(clk)
		dedupe verifier.DedupeCache = verifier.NewMemoryDedupeCache(cfg.DedupeTTL, clk)
	)
	if rdb != nil {
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb)
		dedupe = verifier.NewRedisDedupeCache(rdb, cfg.DedupeTTL)
	}

	registry := health.NewRegistry(cfg.Breaker, clk, log)
	resolver := directory.NewResolver(st, rdb, cfg.VPACacheTTL, log)
	banks := service.NewBankService(st, registry, resolver, clk, log)
	n, err := banks.Load(ctx)
	if err != nil {
		return err
	}
	log.Info("banks loaded", zap.Int("count", n))

	ids, err := service.NewIDs(cfg.NodeID)
	if err != nil {
		return err
	}
	peers := bank.NewInstrumented(bank.NewHTTPClient(registry, &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
		},
	}), registry)
	saga := service.NewSaga(st, peers, registry, routing.NewDefaultEngine(cfg.CategoryRules), ids, clk, cfg.Saga, log)
	payments := service.NewPaymentService(service.PaymentDeps{
		Store:    st,
		Saga:     saga,
		Banks:    registry,
		Resolver: resolver,
		Dedupe:   dedupe,
		IDs:      ids,
		Clock:    clk,
		Config:   cfg.Saga,
		Fees:     cfg.Fees,
		Log:      log,
	})
	engine := settlement.NewEngine(st, locker, clk, cfg.Settle, log)

	bus, err := openBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()
	publisher := outbox.NewPublisher(st, bus, locker, clk, cfg.Outbox, log)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		payments.RunRecovery(ctx)
	}()
	go func() {
		defer workers.Done()
		publisher.Run(ctx)
	}()
	scheduled, err := engine.Schedule(ctx)
	if err != nil {
		return fmt.Errorf("settlement schedule: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.NewHandler(payments, banks, engine, st, log)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Saga.RequestWaitBudget + 5*time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr), zap.String("bus", cfg.BusDriver), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		stop()
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", zap.Error(serr))
	}
	if serr := payments.Shutdown(shutdownCtx); serr != nil {
		log.Warn("sagas interrupted, recovery resumes them", zap.Error(serr))
	}
	workers.Wait()
	<-scheduled
	return err
}
