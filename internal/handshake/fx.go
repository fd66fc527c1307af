package handshake

import (
	"github.com/smallbiznis/escrowd/internal/handshake/domain"
	"github.com/smallbiznis/escrowd/internal/handshake/relay"
	"github.com/smallbiznis/escrowd/internal/handshake/repository"
	"github.com/smallbiznis/escrowd/internal/handshake/service"
	"go.uber.org/fx"
)

var Module = fx.Module("handshake.service",
	fx.Provide(repository.Provide),
	fx.Provide(relay.New),
	fx.Provide(func(r *relay.Relay) domain.WalletClient { return r }),
	fx.Provide(service.New),
)
