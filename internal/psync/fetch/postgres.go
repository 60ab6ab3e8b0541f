package fetch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"psync/internal/psync"
)

// PostgresConfig is the config blob understood by the postgres provider.
type PostgresConfig struct {
	// Query is the SELECT whose rows become the fetched document.
	Query string `json:"query"`
}

// PostgresProvider fetches policy data by running a SELECT against a
// postgres database. The query runs in a read-only transaction: the sync
// client must never be able to write through a fetch, whatever the
// configured query says.
type PostgresProvider struct{}

func NewPostgresProvider() *PostgresProvider {
	return &PostgresProvider{}
}

// Fetch implements Provider. The entry url is the DSN; rows come back as a
// list of column-keyed documents.
func (p *PostgresProvider) Fetch(ctx context.Context, entry psync.DataSourceEntry) (any, error) {
	var cfg PostgresConfig
	if err := json.Unmarshal(entry.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse postgres fetcher config: %w", err)
	}
	if cfg.Query == "" {
		return nil, fmt.Errorf("postgres fetcher config requires a query")
	}

	conn, err := pgx.Connect(ctx, entry.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres source: %w", err)
	}
	defer conn.Close(context.Background())

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	rows, err := tx.Query(ctx, cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to run fetch query: %w", err)
	}

	docs, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to collect fetch rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to close read-only transaction: %w", err)
	}

	out := make([]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, d)
	}
	return out, nil
}
