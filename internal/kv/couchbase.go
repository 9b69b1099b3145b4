package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"
)

// CouchbaseStore keeps values as raw binary documents so the stored bytes
// are exactly what was written.
type CouchbaseStore struct {
	coll       *gocb.Collection
	transcoder gocb.Transcoder
}

func NewCouchbaseStore(coll *gocb.Collection) *CouchbaseStore {
	return &CouchbaseStore{coll: coll, transcoder: gocb.NewRawBinaryTranscoder()}
}

func (c *CouchbaseStore) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := c.coll.Get(key, &gocb.GetOptions{Transcoder: c.transcoder, Context: ctx})
	if errors.Is(err, gocb.ErrDocumentNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", key, err)
	}
	var value []byte
	if err := res.Content(&value); err != nil {
		return nil, fmt.Errorf("failed to parse document content: %w", err)
	}
	return value, nil
}

func (c *CouchbaseStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.coll.Upsert(key, value, &gocb.UpsertOptions{Transcoder: c.transcoder, Context: ctx})
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", key, err)
	}
	return nil
}

func (c *CouchbaseStore) Delete(ctx context.Context, key string) error {
	_, err := c.coll.Remove(key, &gocb.RemoveOptions{Context: ctx})
	if err != nil && !errors.Is(err, gocb.ErrDocumentNotFound) {
		return fmt.Errorf("failed to delete document %s: %w", key, err)
	}
	return nil
}
