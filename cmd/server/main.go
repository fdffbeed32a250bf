// @title           Inventory Auth API
// @version         1.0
// @description     Credential registration and bearer-token issuance for the inventory system.
// @host            localhost:8080
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in              header
// @name            Authorization
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/retail/inventory-auth/internal/api"
	"github.com/retail/inventory-auth/internal/api/handler"
	"github.com/retail/inventory-auth/internal/core/domain"
	"github.com/retail/inventory-auth/internal/core/ports"
	"github.com/retail/inventory-auth/internal/core/service"
	mongostore "github.com/retail/inventory-auth/internal/infrastructure/db/mongo"
	"github.com/retail/inventory-auth/internal/infrastructure/db/postgres"
	rediscache "github.com/retail/inventory-auth/internal/infrastructure/db/redis"
	"github.com/retail/inventory-auth/internal/infrastructure/db/sqlite"
	"github.com/retail/inventory-auth/internal/infrastructure/queue"
	"github.com/retail/inventory-auth/internal/pkg/config"
	"github.com/retail/inventory-auth/internal/pkg/password"
	"github.com/retail/inventory-auth/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  !cfg.IsProduction(),
		Service: "inventory-auth",
	})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx := context.Background()

	repo, checks, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Redis.Enabled {
		rdb, err := rediscache.Connect(ctx, rediscache.Config{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		defer rdb.Close()

		repo = rediscache.NewCachedCredentialRepository(repo, rdb, cfg.Redis.CacheTTL, logger.Component("credential-cache"))
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info().Str("addr", cfg.Redis.Addr).Msg("credential cache enabled")
	}

	key, err := cfg.SigningKeyBytes()
	if err != nil {
		return err
	}
	if key == nil {
		if key, err = service.GenerateSigningKey(); err != nil {
			return err
		}
		log.Warn().Msg("TOKEN_SIGNING_KEY not set, using a per-process key; tokens will not survive a restart")
	}
	tokens, err := service.NewTokenService(key, cfg.Token.TTL)
	if err != nil {
		return err
	}

	credentials := service.NewCredentialManager(
		repo,
		password.NewBcryptHasher(cfg.BcryptCost),
		logger.Component("credentials"),
	)

	if cfg.Admin.Enabled() {
		if err := seedAdmin(ctx, credentials, cfg.Admin); err != nil {
			return err
		}
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	dispatcher := queue.NewDispatcher(cfg.Workers, credentials, logger.Component("dispatcher"))
	dispatcher.Start(workerCtx)

	e := api.NewRouter(api.Deps{
		Credentials: dispatcher,
		Tokens:      tokens,
		Checks:      checks,
		Log:         logger.Component("http"),
	})

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("store", cfg.StoreDriver).
			Dur("token_ttl", cfg.Token.TTL).
			Msg("HTTP server listening")
		serverErrors <- e.Start(":" + cfg.Port)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-shutdownCtx.Done():
		log.Info().Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info().Msg("graceful shutdown completed")
	return nil
}

// seedAdmin registers the configured admin account unless it already exists.
func seedAdmin(ctx context.Context, credentials ports.CredentialService, admin config.AdminConfig) error {
	_, err := credentials.Register(ctx, admin.Username, admin.Password, domain.RoleAdmin)
	log := logger.Get()
	switch {
	case err == nil:
		log.Info().Str("username", admin.Username).Msg("admin account created")
	case errors.Is(err, domain.ErrUserExists):
		log.Debug().Str("username", admin.Username).Msg("admin account already present")
	default:
		return fmt.Errorf("seed admin: %w", err)
	}
	return nil
}

// openStore connects the configured credential store and returns it together
// with its readiness check and a close func.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (ports.CredentialRepository, map[string]handler.PingFunc, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		log.Info().Msg("connected to postgres")
		return postgres.NewCredentialRepository(db.Pool),
			map[string]handler.PingFunc{"postgres": db.Ping},
			db.Close,
			nil

	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info().Str("path", cfg.SQLite.Path).Msg("opened sqlite store")
		return store,
			map[string]handler.PingFunc{"sqlite": store.Ping},
			func() { _ = store.Close() },
			nil

	default:
		client, db, err := mongostore.Connect(ctx, mongostore.Config{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
			AppName:  "inventory-auth",
		})
		if err != nil {
			return nil, nil, nil, err
		}
		repo := mongostore.NewCredentialRepository(db)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, err
		}
		log.Info().Str("database", cfg.Mongo.Database).Msg("connected to mongodb")
		return repo,
			map[string]handler.PingFunc{"mongodb": func(ctx context.Context) error { return client.Ping(ctx, nil) }},
			func() { _ = client.Disconnect(context.Background()) },
			nil
	}
}
