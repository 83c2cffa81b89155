package notification

import (
	"rewards-engine/pkg/repository"
	"rewards-engine/services/lottery"
	"rewards-engine/services/referral"

	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(
		repository.ProvideStore[Notification],
		NewService,
		func(s *Service) lottery.Notifier { return s },
		func(s *Service) referral.Notifier { return s },
	),
)
