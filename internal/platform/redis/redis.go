package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
)

// NewClient connects to redis when redis.addr is configured. It returns a nil
// client otherwise, and callers fall back to in-process coordination.
func NewClient(lc fx.Lifecycle, l *zap.SugaredLogger, cfg *cfgpkg.Config) (*goredis.Client, error) {
	if cfg.Redis.Addr == "" {
		l.Infow("redis not configured, entity locks are process local")
		return nil, nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	l.Infow("connected to redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			l.Infow("closing redis client")
			return client.Close()
		},
	})
	return client, nil
}

var Module = fx.Options(
	fx.Provide(NewClient),
)
