package couchbase

import (
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// ReadSet retrieves the given keys inside one Couchbase transaction, so the
// returned documents form a mutually consistent set even while the source is
// being written to.
func ReadSet[T any](cluster *gocb.Cluster, reader *Reader[T], keys []string) (map[string]T, error) {
	if cluster == nil {
		return nil, fmt.Errorf("couchbase cluster cannot be nil")
	}

	opts := gocb.TransactionOptions{
		DurabilityLevel: gocb.DurabilityLevelNone,
		Timeout:         10 * time.Second,
	}

	docs := make(map[string]T, len(keys))
	_, err := cluster.Transactions().Run(func(actx *gocb.TransactionAttemptContext) error {
		for _, key := range keys {
			res, err := actx.Get(reader.Collection(), key)
			if err != nil {
				return fmt.Errorf("failed to get document %s: %w", key, err)
			}
			var doc T
			if err := res.Content(&doc); err != nil {
				return fmt.Errorf("failed to decode document %s: %w", key, err)
			}
			docs[key] = doc
		}
		return nil
	}, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to run read transaction: %w", err)
	}

	return docs, nil
}
