package instance

import (
	"github.com/smallbiznis/hourmeter/internal/instance/repository"
	"github.com/smallbiznis/hourmeter/internal/instance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("instance",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
