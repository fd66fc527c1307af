package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/escrowd/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	Log       *zap.Logger
}

// New returns a nil Limiter when RATE_LIMIT_ENABLED is off.
func New(p Params) (*Limiter, error) {
	log := p.Log.Named("ratelimit")
	if !p.Cfg.RateLimit.Enabled {
		log.Info("rate limiting disabled")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     p.Cfg.Redis.Addr,
		Password: p.Cfg.Redis.Password,
		DB:       p.Cfg.Redis.DB,
	})
	limiter, err := NewLimiter(NewTokenBucket(client), p.Cfg.RateLimit)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	log.Info("rate limiting enabled", zap.String("addr", p.Cfg.Redis.Addr))
	return limiter, nil
}
