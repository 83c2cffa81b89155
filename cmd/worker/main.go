package main

import (
	"fmt"
	"log"

	"rewards-engine/pkg/config"
	"rewards-engine/pkg/db"
	"rewards-engine/pkg/id"
	"rewards-engine/pkg/logger"
	"rewards-engine/pkg/redis"
	"rewards-engine/pkg/sequence"
	"rewards-engine/pkg/task"
	"rewards-engine/services/ledger"
	"rewards-engine/services/lottery"
	"rewards-engine/services/notification"
	"rewards-engine/services/referral"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		id.Module,
		task.Client,
		task.Server,
		task.Scheduler,
		ledger.Module,
		referral.Module,
		lottery.Module,
		notification.Module,
		fx.Invoke(
			db.Otel,
			registerHandlers,
			registerPeriodic,
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

func registerHandlers(
	mux *asynq.ServeMux,
	ref *referral.Service,
	lot *lottery.Service,
	notif *notification.Service,
) {
	mux.HandleFunc(referral.TypeUserRegistered, ref.HandleUserRegisteredTask)
	mux.HandleFunc(referral.TypeOrderCompleted, ref.HandleOrderCompletedTask)
	mux.HandleFunc(lottery.TypeCloseExpired, lot.HandleCloseExpiredTask)
	mux.HandleFunc(notification.TypeDeliver, notif.HandleDeliverTask)
}

func registerPeriodic(scheduler *asynq.Scheduler, cfg *config.Config) error {
	spec := fmt.Sprintf("@every %s", cfg.Lottery.CloseInterval)
	if _, err := scheduler.Register(spec, lottery.NewCloseExpiredTask()); err != nil {
		return err
	}
	zap.L().Info("[Scheduler] lottery close sweep registered", zap.String("spec", spec))
	return nil
}
