package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/teerpro/result-engine/internal/api"
	"github.com/teerpro/result-engine/internal/auth"
	"github.com/teerpro/result-engine/internal/config"
	"github.com/teerpro/result-engine/internal/ingest"
	"github.com/teerpro/result-engine/internal/logger"
	"github.com/teerpro/result-engine/internal/publish"
	"github.com/teerpro/result-engine/internal/schedule"
	"github.com/teerpro/result-engine/internal/settlement"
	"github.com/teerpro/result-engine/internal/source"
	"github.com/teerpro/result-engine/internal/store"
)

const serviceName = "result-engine"

func main() {
	// .env is optional outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		panic(err)
	}

	log, err := logger.New(serviceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("result-engine exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if cfg.JWT.Secret == "" {
		return errors.New("jwt.secret (JWT_SECRET) must be set")
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	var rdb *redis.Client
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
		log.Info("redis cache enabled", zap.Duration("ttl", cfg.Store.CacheTTL))
	}

	// --- Event fan-out ---
	verifier := auth.NewVerifier(cfg.JWT.Secret)
	hub := publish.NewHub(verifier, log.Named("hub"))
	go hub.Run(ctx)

	// With Redis, every instance's hub is fed from the shared channel, so
	// events go to Redis only and are not also delivered locally.
	var pubs publish.Multi
	if rdb != nil {
		relay := publish.NewRedisRelay(rdb, cfg.Publish.RedisChannel, hub, log.Named("relay"))
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("redis relay stopped", zap.Error(err))
			}
		}()
		pubs = append(pubs, relay)
	} else {
		pubs = append(pubs, hub)
	}
	if len(cfg.Publish.KafkaBrokers) > 0 {
		sink := publish.NewKafkaSink(cfg.Publish.KafkaBrokers, cfg.Publish.KafkaTopic, log.Named("kafka"))
		cleanup = append(cleanup, func() {
			if err := sink.Close(); err != nil {
				log.Warn("kafka close", zap.Error(err))
			}
		})
		pubs = append(pubs, sink)
		log.Info("kafka sink enabled", zap.Strings("brokers", cfg.Publish.KafkaBrokers))
	}

	// --- Source, settlement, ingestion ---
	src, pages, err := newSource(cfg, log)
	if err != nil {
		return err
	}

	engine := settlement.NewEngine(st, pubs, log.Named("settlement"), settlement.WithWorkers(cfg.Settlement.Workers))
	coord := ingest.NewCoordinator(st, src, engine, pubs, log.Named("ingest"),
		ingest.WithSourceTimeout(cfg.Source.Timeout*time.Duration(pages)))

	sched, err := schedule.New(coord, cfg.Triggers, log.Named("schedule"))
	if err != nil {
		return err
	}
	sched.Start()

	// --- HTTP server ---
	svc := api.NewService(st, coord, loc, log.Named("api"), api.WithCalendar(sched))
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(svc, verifier, http.HandlerFunc(hub.ServeWS)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("result-engine listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errc:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	// In-flight firings finish before the stores close.
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler did not stop in time", zap.Error(err))
	}
	cancel()
	log.Info("result-engine stopped")
	return nil
}

// newSource builds the scraper over the primary pages, falling back to the
// mirror pages when any are configured. pages is how many fetches one
// ingestion may make.
func newSource(cfg *config.Config, log *zap.Logger) (src source.Adapter, pages int, err error) {
	urls, err := cfg.SourceURLs()
	if err != nil {
		return nil, 0, err
	}
	mirrors, err := cfg.MirrorURLs()
	if err != nil {
		return nil, 0, err
	}

	opts := []source.Option{
		source.WithTimeout(cfg.Source.Timeout),
		source.WithRateLimit(cfg.Source.RateLimit, cfg.Source.Burst),
		source.WithSelectors(cfg.Source.FRSelector, cfg.Source.SRSelector),
	}
	if cfg.Source.UserAgent != "" {
		opts = append(opts, source.WithUserAgent(cfg.Source.UserAgent))
	}

	primary := source.NewHTTPAdapter(urls, opts...)
	if len(mirrors) == 0 {
		return primary, 1, nil
	}
	log.Info("source mirrors enabled", zap.Int("games", len(mirrors)))
	return source.Fallback{primary, source.NewHTTPAdapter(mirrors, opts...)}, 2, nil
}

// openStore connects the configured backend and prepares its schema.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		ps := store.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("connected to PostgreSQL")
		return ps, pool.Close, nil

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(dctx)
		}
		ms := store.NewMongoStore(client, client.Database(cfg.Store.MongoDatabase))
		if err := ms.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		log.Info("connected to MongoDB", zap.String("database", cfg.Store.MongoDatabase))
		return ms, closeFn, nil

	default:
		log.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}
}
