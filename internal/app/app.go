// Package app wires configuration into the services shared by every
// command.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mesikahq/postop-tracker/internal/audit"
	"github.com/mesikahq/postop-tracker/internal/clinical"
	"github.com/mesikahq/postop-tracker/internal/config"
	"github.com/mesikahq/postop-tracker/internal/db/migrate"
	"github.com/mesikahq/postop-tracker/internal/kv"
	"github.com/mesikahq/postop-tracker/internal/metrics"
	"github.com/mesikahq/postop-tracker/internal/patient"
)

type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    kv.Store
	Audit    audit.Service
	Metrics  *metrics.Metrics
	Engine   *clinical.Engine
	Patients patient.Service
	Migrator *migrate.Manager

	closeStore kv.CloseFunc
}

// NewLogger builds the application logger from the log section.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// New opens the configured store and builds every service on top of it.
// Migrations are not run.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	table, err := clinical.LoadThresholds(cfg.Clinical.ThresholdsFile)
	if err != nil {
		return nil, err
	}
	engine := clinical.NewEngine(table, cfg.Clinical.TrendWindow)

	auditService, err := newAuditService(cfg.Audit)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := kv.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}

	m := metrics.New()
	clock, ids := patient.SystemClock(), patient.RandomIDs()
	patients := patient.NewService(store, engine, patient.Options{
		Logger:  logger,
		Audit:   auditService,
		Metrics: m,
		Clock:   clock,
		IDs:     ids,
	})
	migrator := migrate.NewManager(store, patients, patient.NewNormalizer(clock, ids, engine), migrate.Options{
		Logger:      logger,
		Metrics:     m,
		MaxAttempts: cfg.Migrations.MaxAttempts,
	})

	logger.Info("Store opened",
		zap.String("backend", cfg.Storage.Backend),
		zap.Bool("encrypted", cfg.Storage.EncryptionKey != ""),
		zap.String("thresholds_version", table.Version))

	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Audit:      auditService,
		Metrics:    m,
		Engine:     engine,
		Patients:   patients,
		Migrator:   migrator,
		closeStore: closeStore,
	}, nil
}

func (a *App) Close(ctx context.Context) error {
	return a.closeStore(ctx)
}

func newAuditService(cfg config.AuditConfig) (audit.Service, error) {
	if !cfg.Enabled {
		return audit.NewLogService(os.Stderr), nil
	}
	esClient, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.ElasticsearchURL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}
	return audit.NewElasticService(esClient, cfg.IndexPrefix, os.Stderr), nil
}

// Bootstrap loads .env and configuration from configPath and builds the
// App. A missing .env file is ignored.
func Bootstrap(ctx context.Context, configPath string) (*App, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, logger)
}
