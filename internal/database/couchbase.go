package database

import (
	"fmt"

	"github.com/couchbase/gocb/v2"

	"github.com/mesikahq/postop-tracker/internal/config"
)

// ConnectCouchbase connects to the cluster and waits until the configured
// bucket is usable. The bucket must already exist.
func ConnectCouchbase(cfg config.CouchbaseConfig) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(cfg.ConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	if err := cluster.WaitUntilReady(cfg.ReadyTimeout, nil); err != nil {
		_ = cluster.Close(nil)
		return nil, nil, fmt.Errorf("failed to wait for cluster: %w", err)
	}

	bucket := cluster.Bucket(cfg.Bucket)
	if err := bucket.WaitUntilReady(cfg.ReadyTimeout, nil); err != nil {
		_ = cluster.Close(nil)
		return nil, nil, fmt.Errorf("bucket %q is not accessible: %w", cfg.Bucket, err)
	}

	return cluster, bucket, nil
}
