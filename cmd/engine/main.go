package main

import (
	"log"

	"rewards-engine/internal/api"
	"rewards-engine/pkg/config"
	"rewards-engine/pkg/db"
	"rewards-engine/pkg/health"
	"rewards-engine/pkg/id"
	"rewards-engine/pkg/logger"
	"rewards-engine/pkg/redis"
	"rewards-engine/pkg/sequence"
	"rewards-engine/pkg/server"
	"rewards-engine/pkg/task"
	"rewards-engine/services/ledger"
	"rewards-engine/services/lottery"
	"rewards-engine/services/notification"
	"rewards-engine/services/referral"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		task.Client,
		id.Module,
		health.Module,
		ledger.Module,
		referral.Module,
		lottery.Module,
		notification.Module,
		api.Module,
		server.ProvideHTTPServer,
		fx.Invoke(
			db.Otel,
			db.Metric,
			migrate,
		),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func migrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&ledger.UserPoints{},
		&ledger.PointTransaction{},
		&referral.ReferralCode{},
		&referral.Referral{},
		&lottery.Lottery{},
		&lottery.Ticket{},
		&notification.Notification{},
	)
}
