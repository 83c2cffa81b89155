package api

import (
	"rewards-engine/pkg/config"
	"rewards-engine/pkg/health"
	"rewards-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("api",
	fx.Provide(
		NewHandler,
		NewRouter,
	),
)

type RouterParams struct {
	fx.In

	Config  *config.Config
	Handler *Handler
	Health  health.HealthService
}

func NewRouter(p RouterParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error(), middleware.Role())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)

	admin := middleware.RequireAdmin(p.Config.AdminAPIKey)

	v1 := r.Group("/v1")
	{
		users := v1.Group("/users/:user_id")
		users.GET("/points", p.Handler.GetBalance)
		users.GET("/points/history", p.Handler.GetHistory)
		users.GET("/referral-code", p.Handler.GetReferralCode)
		users.GET("/referrals", p.Handler.ListReferrals)

		v1.POST("/points/award", admin, p.Handler.AwardPoints)

		lotteries := v1.Group("/lotteries")
		lotteries.POST("", admin, p.Handler.CreateLottery)
		lotteries.GET("", p.Handler.ListLotteries)
		lotteries.GET("/:lottery_id", p.Handler.GetLottery)
		lotteries.POST("/:lottery_id/activate", admin, p.Handler.ActivateLottery)
		lotteries.POST("/:lottery_id/end", admin, p.Handler.EndLottery)
		lotteries.POST("/:lottery_id/cancel", admin, p.Handler.CancelLottery)
		lotteries.POST("/:lottery_id/tickets", p.Handler.BuyTickets)
		lotteries.GET("/:lottery_id/tickets", p.Handler.ListTickets)
		lotteries.POST("/:lottery_id/draw", admin, p.Handler.DrawLottery)

		events := v1.Group("/events")
		events.POST("/user-registered", p.Handler.UserRegisteredEvent)
		events.POST("/order-completed", p.Handler.OrderCompletedEvent)
	}

	return r
}
