package escrow

import (
	"github.com/smallbiznis/escrowd/internal/escrow/funding"
	"github.com/smallbiznis/escrowd/internal/escrow/repository"
	"github.com/smallbiznis/escrowd/internal/escrow/service"
	"go.uber.org/fx"
)

var Module = fx.Module("escrow",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(funding.NewHooks),
	fx.Provide(funding.NewStarter),
)
