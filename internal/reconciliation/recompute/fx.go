package recompute

import (
	"github.com/smallbiznis/depositrecon/internal/reconciliation/flex"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.recompute",
	fx.Provide(flex.NewClassifier),
	fx.Provide(NewEngine),
)
