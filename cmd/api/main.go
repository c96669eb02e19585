package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"newsdesk.org/internal/auth"
	"newsdesk.org/internal/cache"
	"newsdesk.org/internal/config"
	"newsdesk.org/internal/content"
	"newsdesk.org/internal/httpapi"
	"newsdesk.org/internal/migrate"
	"newsdesk.org/internal/obs"
	"newsdesk.org/internal/ratelimit"
	"newsdesk.org/internal/token"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config_invalid")
	}
	obs.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("newsdesk_api_failed")
	}
}

// backends holds the optional external stores; nil members fall back to
// in-process implementations.
type backends struct {
	db    *sql.DB
	rdb   redis.UniversalClient
	mongo *mongo.Client
}

func (b *backends) Close(ctx context.Context) {
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.mongo != nil {
		_ = b.mongo.Disconnect(ctx)
	}
}

func connect(ctx context.Context, cfg config.Config) (*backends, error) {
	b := &backends{}
	if cfg.PGDSN != "" {
		db, err := sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		b.db = db
	}
	if cfg.RedisAddr != "" {
		b.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			b.Close(ctx)
			return nil, err
		}
		b.mongo = client
	}
	return b, nil
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close(context.Background())

	var checks []httpapi.Check

	// credentials
	var users auth.Store = auth.NewMemoryStore()
	if b.db != nil {
		if _, err := migrate.NewManager(b.db, nil, migrate.WithLogger(log)).Up(ctx); err != nil {
			return err
		}
		users = auth.NewPGStore(b.db)
		checks = append(checks, httpapi.Check{Name: "postgres", Fn: b.db.PingContext})
	}
	if b.rdb != nil {
		checks = append(checks, httpapi.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return b.rdb.Ping(ctx).Err()
		}})
	}

	issuer, err := token.NewIssuer(cfg.AccessTokenSecret, cfg.RefreshTokenSecret,
		token.WithIssuer(cfg.Issuer),
		token.WithAccessTTL(cfg.AccessTokenTTL),
		token.WithRefreshTTL(cfg.RefreshTokenTTL))
	if err != nil {
		return err
	}
	authOpts := []auth.ServiceOption{
		auth.WithHashCost(cfg.BcryptCost),
		auth.WithStoreTimeout(cfg.StoreTimeout),
		auth.WithLogger(log),
	}
	if cfg.RevokeRefresh {
		if b.rdb != nil {
			authOpts = append(authOpts, auth.WithRevocations(auth.NewRedisRevocations(b.rdb, "")))
		} else {
			authOpts = append(authOpts, auth.WithRevocations(auth.NewMemoryRevocations(time.Minute)))
		}
	}
	authSvc, err := auth.NewService(users, issuer, authOpts...)
	if err != nil {
		return err
	}
	if cfg.AdminEmail != "" {
		if err := bootstrapAdmin(ctx, authSvc, cfg, log); err != nil {
			return err
		}
	}

	// articles
	var articles content.Store = content.NewInMemory()
	if b.mongo != nil {
		ms := content.NewMongoStore(b.mongo.Database(cfg.MongoDatabase))
		if err := ms.EnsureIndexes(ctx); err != nil {
			return err
		}
		articles = ms
		checks = append(checks, httpapi.Check{Name: "mongo", Fn: func(ctx context.Context) error {
			return b.mongo.Ping(ctx, nil)
		}})
	}

	// request governance
	var counters ratelimit.Store
	var cacheStore cache.Store
	if b.rdb != nil {
		counters = ratelimit.NewRedisStore(b.rdb)
		cacheStore = cache.NewRedisStore(b.rdb, "")
	} else {
		mem := ratelimit.NewMemoryStore(time.Minute)
		defer mem.Close()
		counters = mem
		cacheStore = cache.NewMemoryStore(time.Minute)
	}
	limiter, err := ratelimit.New(counters, ratelimit.ClassesFromConfig(cfg.RateLimit), ratelimit.WithLogger(log))
	if err != nil {
		return err
	}
	layer, err := cache.New(cacheStore, cache.WithTimeout(cfg.CacheTimeout), cache.WithLogger(log))
	if err != nil {
		return err
	}

	ready := httpapi.ReadyProbe{Checks: checks, Timeout: 2 * time.Second}
	api, err := httpapi.New(httpapi.Deps{
		Auth:    authSvc,
		Content: articles,
		Limiter: limiter,
		Cache:   layer,
		Ready:   ready,
		Proxy:   ratelimit.ParseProxyTrust(cfg.TrustProxyHeaders, cfg.TrustedProxies),
		Logger:  log,
	}, httpapi.Options{
		Version:            version,
		Debug:              cfg.Development(),
		MaxBodyBytes:       cfg.MaxBodyBytes,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		AllowedUploadTypes: cfg.AllowedUploadTypes,
		UploadDir:          cfg.UploadDir,
		CacheTTLList:       cfg.CacheTTLList,
		CacheTTLDetail:     cfg.CacheTTLDetail,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcSrv, httpapi.NewGRPCServer(ready))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http_listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		log.WithField("addr", cfg.GRPCAddr).Info("grpc_listening")
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		log.WithError(err).Error("server_failed")
	}
	log.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

func bootstrapAdmin(ctx context.Context, svc *auth.Service, cfg config.Config, log logrus.FieldLogger) error {
	_, err := svc.Provision(ctx, auth.RegisterInput{
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
		Name:     "Administrator",
	}, auth.RoleAdmin)
	if errors.Is(err, auth.ErrDuplicateEmail) {
		log.Debug("admin_exists")
		return nil
	}
	return err
}
