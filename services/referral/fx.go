package referral

import (
	"rewards-engine/pkg/repository"

	"go.uber.org/fx"
)

var Module = fx.Module("referral",
	fx.Provide(
		repository.ProvideStore[ReferralCode],
		repository.ProvideStore[Referral],
		NewService,
	),
)
