package flexreview

import (
	"github.com/smallbiznis/depositrecon/internal/flexreview/queue"
	"github.com/smallbiznis/depositrecon/internal/flexreview/repository"
	"github.com/smallbiznis/depositrecon/internal/flexreview/service"
	"go.uber.org/fx"
)

var Module = fx.Module("flexreview.service",
	fx.Provide(repository.Provide),
	fx.Provide(queue.New),
	fx.Provide(service.NewService),
)
