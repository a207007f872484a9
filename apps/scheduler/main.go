package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/audit"
	"github.com/smallbiznis/depositrecon/internal/authorization"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/smallbiznis/depositrecon/internal/config"
	"github.com/smallbiznis/depositrecon/internal/events"
	"github.com/smallbiznis/depositrecon/internal/flexreview"
	"github.com/smallbiznis/depositrecon/internal/notification"
	"github.com/smallbiznis/depositrecon/internal/observability"
	"github.com/smallbiznis/depositrecon/internal/providers"
	"github.com/smallbiznis/depositrecon/internal/ratelimit"
	"github.com/smallbiznis/depositrecon/internal/reconciliation"
	"github.com/smallbiznis/depositrecon/internal/scheduler"
	"github.com/smallbiznis/depositrecon/internal/settings"
	"github.com/smallbiznis/depositrecon/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by the digest and suggestion jobs
		authorization.Module,
		audit.Module,
		events.Module,
		providers.Module,
		ratelimit.Module,
		settings.Module,
		notification.Module,
		reconciliation.Module,
		flexreview.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
