package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hourmeter/internal/clock"
	"github.com/smallbiznis/hourmeter/internal/config"
	"github.com/smallbiznis/hourmeter/internal/instance"
	"github.com/smallbiznis/hourmeter/internal/ledger"
	"github.com/smallbiznis/hourmeter/internal/metering"
	"github.com/smallbiznis/hourmeter/internal/migration"
	"github.com/smallbiznis/hourmeter/internal/observability"
	"github.com/smallbiznis/hourmeter/internal/rate"
	"github.com/smallbiznis/hourmeter/internal/scheduler"
	"github.com/smallbiznis/hourmeter/internal/server"
	"github.com/smallbiznis/hourmeter/pkg/db"
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

		// Functional domains
		ledger.Module,
		rate.Module,
		metering.Module,
		instance.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
