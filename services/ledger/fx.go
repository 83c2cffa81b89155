package ledger

import (
	"rewards-engine/pkg/repository"

	"go.uber.org/fx"
)

var Module = fx.Module("ledger",
	fx.Provide(
		repository.ProvideStore[UserPoints],
		repository.ProvideStore[PointTransaction],
		NewService,
	),
)
