package hostfunc

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared Redis connection used by the cache
// and lock backends.
type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	TLSConfig *tls.Config
	// KeyPrefix namespaces every key written by this host.
	KeyPrefix string
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Address:   "localhost:6379",
		KeyPrefix: "cube:",
	}
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:      opts.Address,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Address, err)
	}
	return client, nil
}
