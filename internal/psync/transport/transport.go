package transport

import (
	"context"
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"psync/internal/psync"
)

// New selects a broadcast backend from a scheme-qualified URI:
//
//	mem://                          in-process hub
//	redis://host:port/db            redis streams
//	postgres://user:pw@host/db      LISTEN/NOTIFY
//
// The URI is configuration only; nothing about the chosen backend leaks into
// the client-facing protocol.
func New(ctx context.Context, uri string, logger *zap.Logger) (psync.Transport, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse broadcast uri: %w", err)
	}

	switch u.Scheme {
	case "mem", "memory":
		return NewMemory(), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(uri)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis uri: %w", err)
		}
		return NewRedis(ctx, opts, logger)
	case "postgres", "postgresql":
		return NewPostgres(ctx, uri, logger)
	default:
		return nil, fmt.Errorf("unsupported broadcast scheme %q", u.Scheme)
	}
}
