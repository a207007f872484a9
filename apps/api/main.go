package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/smallbiznis/depositrecon/internal/config"
	"github.com/smallbiznis/depositrecon/internal/migration"
	"github.com/smallbiznis/depositrecon/internal/observability"
	"github.com/smallbiznis/depositrecon/internal/server"
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
		migration.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
