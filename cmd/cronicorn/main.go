// Command cronicorn runs the adaptive endpoint scheduler: claim-and-dispatch
// workers, the zombie sweeper and (optionally) the AI planner loop, all
// against a shared PostgreSQL store.
//
// # Configuration
//
// Settings come from an optional YAML file (-config) with environment
// overrides:
//
//	POSTGRES_URL        - pgx connection string (required)
//	MONGO_URL           - planner session store (optional, in-memory when unset)
//	REDIS_ADDR          - distributed quota guard (optional, local when unset)
//	SCHEDULER_WORKERS   - number of claim loops (default: 2)
//	PLANNER_PROVIDER    - "anthropic" or "openai"
//	ANTHROPIC_API_KEY / OPENAI_API_KEY
//	HEALTH_ADDR         - health endpoint listen address (default: ":8081")
//
// # Example
//
//	POSTGRES_URL=postgres://localhost/cronicorn ./cronicorn -config cronicorn.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/cronicorn/cronicorn/config"
	"github.com/cronicorn/cronicorn/dispatch"
	"github.com/cronicorn/cronicorn/model"
	"github.com/cronicorn/cronicorn/model/anthropic"
	"github.com/cronicorn/cronicorn/model/openai"
	"github.com/cronicorn/cronicorn/planner"
	"github.com/cronicorn/cronicorn/quota"
	"github.com/cronicorn/cronicorn/scheduler"
	"github.com/cronicorn/cronicorn/store"
	"github.com/cronicorn/cronicorn/store/inmem"
	storemongo "github.com/cronicorn/cronicorn/store/mongo"
	"github.com/cronicorn/cronicorn/store/postgres"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf(ctx, err, "cronicorn exited")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	pg, err := postgres.New(postgres.Options{Pool: pool})
	if err != nil {
		return err
	}
	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	pingers := []health.Pinger{pg}

	sessions, mongoPinger, closeMongo, err := newSessions(ctx, cfg)
	if err != nil {
		return err
	}
	if closeMongo != nil {
		defer closeMongo()
	}
	if mongoPinger != nil {
		pingers = append(pingers, mongoPinger)
	}

	guard, closeRedis, err := newGuard(ctx, cfg)
	if err != nil {
		return err
	}
	if closeRedis != nil {
		defer closeRedis()
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Validator:  dispatch.NewValidator(nil),
		Keys:       pg.Keys,
		FailPolicy: dispatch.FailPolicy(cfg.Signing.FailPolicy),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Scheduler.Workers; i++ {
		w, err := scheduler.NewWorker(scheduler.Options{
			Endpoints:    pg.Endpoints,
			Runs:         pg.Runs,
			Executor:     dispatcher,
			Quota:        guard,
			Horizon:      cfg.Scheduler.Horizon,
			ClaimLimit:   cfg.Scheduler.ClaimLimit,
			TickInterval: cfg.Scheduler.TickInterval,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	sweeper, err := scheduler.NewSweeper(scheduler.SweeperOptions{
		Runs:     pg.Runs,
		Age:      cfg.Sweeper.Age,
		Interval: cfg.Sweeper.Interval,
	})
	if err != nil {
		return err
	}
	g.Go(func() error { return sweeper.Run(gctx) })

	if cfg.Planner.Enabled {
		llm, err := newModelClient(cfg)
		if err != nil {
			return err
		}
		pl, err := planner.New(planner.Options{
			Endpoints:    pg.Endpoints,
			Runs:         pg.Runs,
			Sessions:     sessions,
			Model:        llm,
			Quota:        guard,
			TickInterval: cfg.Planner.TickInterval,
			BatchLimit:   cfg.Planner.BatchLimit,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return pl.Run(gctx) })
	}

	g.Go(func() error { return serveHealth(gctx, cfg.HealthAddr, pingers) })

	log.Infof(ctx, "cronicorn started: %d workers, planner=%v, health on %s",
		cfg.Scheduler.Workers, cfg.Planner.Enabled, cfg.HealthAddr)
	return g.Wait()
}

func newSessions(ctx context.Context, cfg *config.Config) (store.Sessions, health.Pinger, func(), error) {
	if cfg.Mongo.URL == "" {
		log.Infof(ctx, "no mongo url configured, keeping planner sessions in memory")
		return inmem.New(nil), nil, nil, nil
	}
	client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URL))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to mongo: %w", err)
	}
	closer := func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}
	sessions, err := storemongo.New(storemongo.Options{
		Client:   client,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		closer()
		return nil, nil, nil, err
	}
	return sessions, sessions, closer, nil
}

func newGuard(ctx context.Context, cfg *config.Config) (quota.Guard, func(), error) {
	if !cfg.Quota.Enabled {
		return quota.Unlimited{}, nil, nil
	}
	if cfg.Redis.Addr == "" {
		log.Infof(ctx, "no redis addr configured, enforcing quotas per process")
		return quota.NewLocal(float64(cfg.Quota.Limit), int(cfg.Quota.Limit)), nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	guard, err := quota.NewRedis(quota.RedisOptions{
		Client: rdb,
		Limit:  cfg.Quota.Limit,
		Window: cfg.Quota.Window,
	})
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}
	return guard, closer, nil
}

func newModelClient(cfg *config.Config) (model.Client, error) {
	switch cfg.Planner.Provider {
	case "openai":
		return openai.NewFromAPIKey(cfg.Planner.APIKey, cfg.Planner.Model)
	default:
		return anthropic.NewFromAPIKey(cfg.Planner.APIKey, cfg.Planner.Model)
	}
}

func serveHealth(ctx context.Context, addr string, pingers []health.Pinger) error {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return ctx.Err()
}
