package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"psync/internal/couchbase"
	"psync/internal/psync"
)

// CouchbaseConfig is the config blob understood by the couchbase provider.
// Either Query (N1QL) or Keys (document gets) must be set.
type CouchbaseConfig struct {
	Bucket     string   `json:"bucket"`
	Scope      string   `json:"scope"`
	Collection string   `json:"collection"`
	Query      string   `json:"query,omitempty"`
	Keys       []string `json:"keys,omitempty"`
}

// CouchbaseProvider fetches policy data from a Couchbase collection. Keyed
// gets run inside a Couchbase transaction so multi-document reads are
// consistent with each other.
type CouchbaseProvider struct{}

func NewCouchbaseProvider() *CouchbaseProvider {
	return &CouchbaseProvider{}
}

// Fetch implements Provider. The entry url is the connection string and the
// credential reference is "username:password".
func (p *CouchbaseProvider) Fetch(ctx context.Context, entry psync.DataSourceEntry) (any, error) {
	var cfg CouchbaseConfig
	if err := json.Unmarshal(entry.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse couchbase fetcher config: %w", err)
	}
	if cfg.Bucket == "" || cfg.Collection == "" {
		return nil, fmt.Errorf("couchbase fetcher config requires bucket and collection")
	}
	if cfg.Query == "" && len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("couchbase fetcher config requires a query or keys")
	}

	username, password, ok := strings.Cut(entry.Credentials, ":")
	if !ok {
		return nil, fmt.Errorf("couchbase credentials must be username:password")
	}

	cluster, bucket, err := couchbase.Connect(entry.URL, username, password, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to couchbase source: %w", err)
	}
	defer cluster.Close(nil)

	scope := cfg.Scope
	if scope == "" {
		scope = "_default"
	}
	collection := bucket.Scope(scope).Collection(cfg.Collection)

	reader, err := couchbase.NewReader[map[string]any](cluster, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap couchbase collection: %w", err)
	}

	if cfg.Query != "" {
		docs, err := reader.Query(ctx, cfg.Query, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to run fetch query: %w", err)
		}
		out := make([]any, 0, len(docs))
		for _, d := range docs {
			out = append(out, d)
		}
		return out, nil
	}

	docs, err := couchbase.ReadSet(cluster, reader, cfg.Keys)
	if err != nil {
		return nil, fmt.Errorf("failed to read documents transactionally: %w", err)
	}

	out := make(map[string]any, len(docs))
	for k, d := range docs {
		out[k] = d
	}
	return out, nil
}
