package lock

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("lock",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	DB        *gorm.DB
	Clock     clock.Clock
	Log       *zap.Logger
}

// New prefers Redis and falls back to the payment_locks table when REDIS_ADDR is unset.
func New(p Params) Locker {
	log := p.Log.Named("lock")
	if p.Cfg.Redis.Addr == "" {
		log.Info("redis not configured, using datastore locks")
		return NewStoreLocker(p.DB, p.Clock)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     p.Cfg.Redis.Addr,
		Password: p.Cfg.Redis.Password,
		DB:       p.Cfg.Redis.DB,
	})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	log.Info("using redis locks", zap.String("addr", p.Cfg.Redis.Addr))
	return NewRedisLocker(client)
}
