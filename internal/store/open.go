package store

import (
	"context"
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"
)

// Open returns the backend selected by the connection string's scheme:
// memory://, redis:// or rediss://, postgres:// or postgresql://.
func Open(ctx context.Context, rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing store url: %w", err)
	}

	switch u.Scheme {
	case "memory", "":
		return NewMemoryStore(), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		st, err := NewRedisStore(opts)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return st, nil
	case "postgres", "postgresql":
		db, err := InitPostgres(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		st, err := NewPostgresStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store scheme %q (must be memory, redis or postgres)", u.Scheme)
	}
}
