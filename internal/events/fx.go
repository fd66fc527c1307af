package events

import (
	"context"

	"github.com/smallbiznis/escrowd/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(New),
)

func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	log = log.Named("events")
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("kafka brokers not configured, escrow events disabled")
		return NewNoopPublisher()
	}

	publisher := NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.EscrowTopic)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	log.Info("publishing escrow events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.EscrowTopic))
	return publisher
}
