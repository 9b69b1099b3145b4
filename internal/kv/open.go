package kv

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/mesikahq/postop-tracker/internal/config"
	"github.com/mesikahq/postop-tracker/internal/database"
	"github.com/mesikahq/postop-tracker/internal/encryption"
)

// CloseFunc releases the connections behind a Store.
type CloseFunc func(ctx context.Context) error

func noopClose(context.Context) error { return nil }

// Open builds the Store selected by cfg.Backend, wrapped in an
// EncryptedStore when an encryption key is configured.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, CloseFunc, error) {
	store, closeFn, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.EncryptionKey == "" {
		return store, closeFn, nil
	}

	svc, err := encryption.NewService(cfg.EncryptionKey)
	if err != nil {
		_ = closeFn(ctx)
		return nil, nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	return NewEncryptedStore(store, svc), closeFn, nil
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (Store, CloseFunc, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryStore(), noopClose, nil

	case config.BackendFile:
		store, err := NewFileStore(afero.NewOsFs(), cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, noopClose, nil

	case config.BackendPostgres:
		pool, err := database.ConnectPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		store := NewPostgresStore(pool, cfg.Postgres.Table)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func(context.Context) error { pool.Close(); return nil }, nil

	case config.BackendMongo:
		client, err := database.ConnectMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, err
		}
		coll := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
		return NewMongoStore(coll), client.Disconnect, nil

	case config.BackendCouchbase:
		cluster, bucket, err := database.ConnectCouchbase(cfg.Couchbase)
		if err != nil {
			return nil, nil, err
		}
		return NewCouchbaseStore(bucket.DefaultCollection()),
			func(context.Context) error { return cluster.Close(nil) }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
