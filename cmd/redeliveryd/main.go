// Command redeliveryd serves the admin API for a shared redelivery attempt
// store and its dead letters, replays dead letters through a bounded replay
// policy, and sweeps expired attempt records.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gomodule/redigo/redis"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	redelivery "github.com/DarlingtonDeveloper/swarm-redelivery"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := redelivery.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := redelivery.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("redeliveryd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *redelivery.Config, logger *slog.Logger) error {
	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		p, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer p.Close()
		pool = p
	}

	// One Redis pool serves both the store and the lock.
	var redisPool *redis.Pool
	if cfg.UsesRedis() {
		redisPool = redelivery.NewRedisPool(cfg.Redis)
		defer redisPool.Close()
	}

	provider, closeProvider, err := openProvider(ctx, cfg, pool, redisPool, logger)
	if err != nil {
		return err
	}
	defer closeProvider()

	locker, err := redelivery.NewKeyLocker(cfg.Lock, redisPool, logger)
	if err != nil {
		return fmt.Errorf("key locker: %w", err)
	}

	regionOpts := cfg.Policy.RegionOptions()
	attempts, err := provider.Region(ctx, cfg.Policy.RegionName(), regionOpts)
	if err != nil {
		return fmt.Errorf("open region %s: %w", cfg.Policy.RegionName(), err)
	}
	expirers := expirersOf(attempts)

	var dlq redelivery.DeadLetterStore
	if pool != nil {
		s := redelivery.NewPostgresDeadLetterStore(pool)
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		dlq = s
	}

	var (
		replay redelivery.Processor
		stats  []redelivery.StatsSource
	)
	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("redeliveryd"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer conn.Drain()

		policy, err := redelivery.NewPolicy(ctx, cfg.ReplayPolicy(), provider, locker,
			redelivery.NewRepublisher(conn), redelivery.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("replay policy: %w", err)
		}
		replay = policy
		stats = append(stats, policy)
		expirers = append(expirers, expirersOf(policy.Store())...)

		if cfg.NATS.IngestDeadLetters && dlq != nil {
			rec := redelivery.NewRecorder(dlq, cfg.NATS.DeadLetterRecoverable, logger)
			sub, err := conn.Subscribe("dlq.redelivery.>", func(m *nats.Msg) {
				rec.Ingest(ctx, m.Subject, m.Data)
			})
			if err != nil {
				return fmt.Errorf("subscribe dead letters: %w", err)
			}
			defer sub.Unsubscribe()
		}
	}

	admin := redelivery.NewHandler(attempts, dlq, replay,
		redelivery.WithPolicyStats(stats...),
		redelivery.WithAttemptLocker(locker),
		redelivery.WithHandlerLogger(logger),
	)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/admin", admin.Routes())

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if len(expirers) > 0 {
		sweeper := redelivery.NewSweeper(logger, regionOpts.ExpirationInterval, expirers...)
		sweeper.Start(gctx)
		g.Go(func() error {
			sweeper.Wait()
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("redeliveryd listening",
			"addr", cfg.HTTP.Addr,
			"store", cfg.Store.Type,
			"lock", cfg.Lock.Type,
			"region", cfg.Policy.RegionName(),
			"replay", replay != nil,
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func expirersOf(s redelivery.AttemptStore) []redelivery.Expirer {
	if exp, ok := s.(redelivery.Expirer); ok {
		return []redelivery.Expirer{exp}
	}
	return nil
}

func openProvider(ctx context.Context, cfg *redelivery.Config, pool *pgxpool.Pool, redisPool *redis.Pool, logger *slog.Logger) (redelivery.StoreProvider, func(), error) {
	noop := func() {}
	switch cfg.Store.Type {
	case redelivery.StoreMemory:
		return redelivery.NewMemoryProvider(), noop, nil
	case redelivery.StoreSerializing:
		return &redelivery.SerializingProvider{}, noop, nil
	case redelivery.StoreBadger:
		p, err := redelivery.OpenBadger(redelivery.BadgerConfig{Dir: cfg.Store.BadgerDir})
		if err != nil {
			return nil, nil, err
		}
		return p, func() {
			if err := p.Close(); err != nil {
				logger.Error("failed to close badger", "error", err)
			}
		}, nil
	case redelivery.StorePostgres:
		p := redelivery.NewPostgresProvider(pool)
		if err := p.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return p, noop, nil
	case redelivery.StoreRedis:
		return redelivery.NewRedisProvider(redisPool), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}
