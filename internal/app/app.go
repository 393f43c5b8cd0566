package app

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codeground/internal/cache"
	"codeground/internal/config"
	"codeground/internal/metrics"
	"codeground/internal/registry"
	"codeground/internal/repository"
	"codeground/internal/service"
	"codeground/internal/transport/rest"
	"codeground/internal/transport/ws"
)

const shutdownTimeout = 30 * time.Second

// App is the wired relay process.
type App struct {
	cfg *config.Relay
	log *zap.Logger

	Registry  *registry.Registry
	Hub       *ws.Hub
	Snapshots *service.SnapshotService
	Auth      *service.AuthService
	Handler   http.Handler

	docs  repository.DocumentRepo
	redis *redis.Client
}

// New connects the persistence layer and wires every relay component.
// An unreachable store fails with merr.ErrPersistenceUnavailable.
func New(ctx context.Context, cfg *config.Relay, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	docs, err := openDocumentRepo(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.docs = docs

	var sessionCache cache.SessionCache
	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.redis = rdb
		sessionCache = cache.NewSessionCache(rdb, cfg.SnapshotTTL)
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	a.Registry = registry.New(cfg.DefaultLanguage)
	a.Snapshots, err = service.NewSnapshotService(a.Registry, sessionCache, docs,
		cfg.PersistWorkers, cfg.FlushInterval, log.Named("snapshots"))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Auth = service.NewAuthService(cfg.JWTSecret, cfg.TokenTTL)
	a.Hub = ws.NewHub(a.Registry, a.Snapshots, cfg.GracePeriod, log.Named("hub"))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(promReg)

	wsHandler := ws.NewHandler(a.Hub, a.Auth, a.Snapshots, ws.HandlerOptions{
		SendBuffer:     cfg.SendBufferSize,
		MaxMessageSize: int64(cfg.MaxMessageSize),
		AllowedOrigins: splitOrigins(cfg.CORSOrigins),
	}, log.Named("ws"))

	a.Handler = rest.NewRouter(&rest.Container{
		Registry:    a.Registry,
		Snapshots:   a.Snapshots,
		AuthService: a.Auth,
		WSHandler:   wsHandler,
		Gatherer:    promReg,
		CORSOrigins: cfg.CORSOrigins,
		Log:         log.Named("http"),
	})
	return a, nil
}

func openDocumentRepo(ctx context.Context, cfg *config.Relay, log *zap.Logger) (repository.DocumentRepo, error) {
	if cfg.MongoURI != "" {
		repo, err := repository.NewMongoDocumentRepo(ctx, repository.NewMongoConnector(cfg.MongoURI), cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		log.Info("connected to mongodb", zap.String("database", cfg.MongoDatabase))
		return repo, nil
	}

	db, err := repository.OpenBadger(cfg.BadgerPath)
	if err != nil {
		return nil, err
	}
	if cfg.BadgerPath == "" {
		log.Warn("MONGO_URI and BADGER_PATH not set, documents are kept in memory only")
	} else {
		log.Info("opened badger store", zap.String("path", cfg.BadgerPath))
	}
	return repository.NewBadgerDocumentRepo(db), nil
}

// Run serves until ctx is done, then shuts down the HTTP server, stops the
// hub (archiving live sessions) and flushes pending snapshots.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Hub.Run(gctx)
	})
	g.Go(func() error {
		return a.Snapshots.Run(gctx)
	})
	g.Go(func() error {
		a.log.Info("relay listening",
			zap.String("addr", srv.Addr),
			zap.Bool("auth", a.cfg.AuthEnabled()),
			zap.Duration("grace", a.cfg.GracePeriod))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close waits for background archives, then closes the cache and the store.
func (a *App) Close(ctx context.Context) {
	if a.Snapshots != nil {
		a.Snapshots.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.docs != nil {
		if err := a.docs.Close(ctx); err != nil {
			a.log.Warn("document store close failed", zap.Error(err))
		}
	}
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
