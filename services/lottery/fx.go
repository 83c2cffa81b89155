package lottery

import (
	"rewards-engine/pkg/repository"

	"go.uber.org/fx"
)

var Module = fx.Module("lottery",
	fx.Provide(
		repository.ProvideStore[Lottery],
		repository.ProvideStore[Ticket],
		NewService,
	),
)
