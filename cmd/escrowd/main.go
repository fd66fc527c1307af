package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/config"
	"github.com/smallbiznis/escrowd/internal/escrow"
	"github.com/smallbiznis/escrowd/internal/events"
	"github.com/smallbiznis/escrowd/internal/handshake"
	"github.com/smallbiznis/escrowd/internal/identity"
	"github.com/smallbiznis/escrowd/internal/lock"
	"github.com/smallbiznis/escrowd/internal/migration"
	"github.com/smallbiznis/escrowd/internal/observability"
	"github.com/smallbiznis/escrowd/internal/paymentnetwork"
	"github.com/smallbiznis/escrowd/internal/payout"
	"github.com/smallbiznis/escrowd/internal/ratelimit"
	"github.com/smallbiznis/escrowd/internal/reconciler"
	"github.com/smallbiznis/escrowd/internal/scheduler"
	"github.com/smallbiznis/escrowd/internal/server"
	"github.com/smallbiznis/escrowd/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		lock.Module,
		events.Module,
		ratelimit.Module,

		// Payment domain
		paymentnetwork.Module,
		payout.Module,
		escrow.Module,
		reconciler.Module,
		handshake.Module,
		identity.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

// RegisterSnowflake reads the node id from SNOWFLAKE_NODE so replicas never mint the same id.
func RegisterSnowflake() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		nodeID = parsed
	}
	return snowflake.NewNode(nodeID)
}
