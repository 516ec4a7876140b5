// Package bootstrap wires the services shared by the HTTP server and the
// operator CLI.
package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"experimenter/business/buckets"
	"experimenter/business/lifecycle"
	"experimenter/business/publisher"
	"experimenter/business/targeting"
	"experimenter/domain"
	psqlRepo "experimenter/internal/repository/postgres"
	redisRepo "experimenter/internal/repository/redis"
	"experimenter/internal/repository/remotesettings"
	"experimenter/pkg/config"
	"experimenter/pkg/database"
	redisdb "experimenter/pkg/database/redis"
	"experimenter/pkg/logger"
)

type App struct {
	DB           *gorm.DB
	Redis        *goredis.Client
	Lifecycle    *lifecycle.Service
	Dialect      *targeting.Dialect
	Synchronizer *publisher.Synchronizer
	Worker       *publisher.Worker
}

func New(cfg *config.Config) (*App, error) {
	db, err := database.InitPostgres(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Database connected successfully")

	dialect, err := targeting.NewDialect()
	if err != nil {
		return nil, err
	}

	store := psqlRepo.NewStore(db)
	svc := lifecycle.NewService(
		store,
		buckets.NewAllocator(cfg.Publisher.BucketTotal),
		lifecycle.NewValidator(),
		lifecycle.Config{LaunchingDisabled: cfg.Features.LaunchingDisabled},
	)

	records := remotesettings.NewClient(remotesettings.Config{
		URL:             cfg.RemoteSettings.URL,
		User:            cfg.RemoteSettings.User,
		Password:        cfg.RemoteSettings.Password,
		WorkspaceBucket: cfg.RemoteSettings.WorkspaceBucket,
		MainBucket:      cfg.RemoteSettings.MainBucket,
		Timeout:         cfg.RemoteSettings.Timeout,
	})

	collections, err := collectionsFor(cfg.RemoteSettings.CollectionOverrides)
	if err != nil {
		return nil, err
	}
	sync := publisher.NewSynchronizer(records, svc, dialect, publisher.Config{
		Collections:       collections,
		PreviewCollection: cfg.RemoteSettings.PreviewCollection,
		ReviewTimeout:     cfg.Publisher.ReviewTimeout,
	})

	app := &App{
		DB:           db,
		Lifecycle:    svc,
		Dialect:      dialect,
		Synchronizer: sync,
	}

	workerCfg := publisher.WorkerConfig{Interval: cfg.Publisher.PollInterval}
	if cfg.Redis.Enabled() {
		client, err := redisdb.Open(context.Background(), cfg.Redis)
		if err != nil {
			return nil, err
		}
		app.Redis = client
		workerCfg.Locker = redisRepo.NewLockRepository(client)
		logger.Info("Redis connected, collection scans are locked across replicas")
	}
	app.Worker = publisher.NewWorker(sync, workerCfg)
	svc.Subscribe(app.Worker)

	return app, nil
}

func (a *App) Close() {
	if err := redisdb.Close(a.Redis); err != nil {
		logger.Warn("failed to close redis", "error", err)
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func collectionsFor(overrides map[string]string) (map[string][]domain.Application, error) {
	typed := make(map[domain.Application]string, len(overrides))
	for app, collection := range overrides {
		if !domain.Application(app).Valid() {
			return nil, fmt.Errorf("collection override for unknown application %q", app)
		}
		typed[domain.Application(app)] = collection
	}
	return domain.CollectionsByName(typed), nil
}
