package reconciliation

import (
	"github.com/smallbiznis/depositrecon/internal/reconciliation/recompute"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/repository"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(repository.Provide),
	recompute.Module,
	fx.Provide(service.NewService),
)
