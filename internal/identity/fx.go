package identity

import (
	"github.com/smallbiznis/escrowd/internal/identity/domain"
	"github.com/smallbiznis/escrowd/internal/identity/repository"
	"github.com/smallbiznis/escrowd/internal/identity/service"
	"github.com/smallbiznis/escrowd/internal/reconciler"
	"go.uber.org/fx"
)

var Module = fx.Module("identity",
	fx.Provide(repository.Provide),
	fx.Provide(func(r *reconciler.Reconciler) domain.Reconciler { return r }),
	fx.Provide(service.New),
)
