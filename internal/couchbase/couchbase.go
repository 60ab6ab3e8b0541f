// Package couchbase wraps the Couchbase Go SDK for read access to policy
// data sources: typed document gets, N1QL queries and transactional
// multi-document reads. Data sources are never written through this path.
package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// Connect opens a cluster connection with the timeouts used for source
// access and waits for the named bucket to come up.
func Connect(connString, username, password, bucketName string) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(connString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: username,
			Password: password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
			QueryTimeout:   30 * time.Second,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(bucketName)
	if err := bucket.WaitUntilReady(5*time.Second, nil); err != nil {
		cluster.Close(nil)
		return nil, nil, fmt.Errorf("bucket %s not ready: %w", bucketName, err)
	}

	return cluster, bucket, nil
}

// Reader reads documents of type T from one collection.
type Reader[T any] struct {
	cluster    *gocb.Cluster
	collection *gocb.Collection
}

func NewReader[T any](cluster *gocb.Cluster, collection *gocb.Collection) (*Reader[T], error) {
	if cluster == nil || collection == nil {
		return nil, errors.New("reader requires a cluster and a collection")
	}

	return &Reader[T]{cluster: cluster, collection: collection}, nil
}

// Get retrieves one document by key.
func (r *Reader[T]) Get(ctx context.Context, key string) (*T, error) {
	res, err := r.collection.Get(key, &gocb.GetOptions{Context: ctx})
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", key, err)
	}

	var v T
	if err := res.Content(&v); err != nil {
		return nil, fmt.Errorf("failed to parse document %s: %w", key, err)
	}

	return &v, nil
}

// Query runs a N1QL statement and collects every row as a T.
func (r *Reader[T]) Query(ctx context.Context, statement string, opts *gocb.QueryOptions) ([]T, error) {
	if opts == nil {
		opts = new(gocb.QueryOptions)
	}
	opts.Context = ctx

	result, err := r.cluster.Query(statement, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	var items []T
	for result.Next() {
		var item T
		if err := result.Row(&item); err != nil {
			return nil, fmt.Errorf("failed to parse query row: %w", err)
		}
		items = append(items, item)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("query stream failed: %w", err)
	}

	return items, nil
}

// Collection exposes the underlying collection for transactional reads.
func (r *Reader[T]) Collection() *gocb.Collection {
	return r.collection
}
