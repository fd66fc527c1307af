package paymentnetwork

import (
	"github.com/smallbiznis/escrowd/internal/paymentnetwork/client"
	"github.com/smallbiznis/escrowd/internal/paymentnetwork/stellar"
	"go.uber.org/fx"
)

var Module = fx.Module("paymentnetwork",
	fx.Provide(stellar.New),
	fx.Provide(client.New),
)
