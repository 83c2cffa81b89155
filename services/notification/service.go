package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"rewards-engine/pkg/repository"
	"rewards-engine/pkg/task"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Service struct {
	node          *snowflake.Node
	notifications repository.Repository[Notification]
	enqueuer      task.Enqueuer
}

type ServiceParams struct {
	fx.In

	Node          *snowflake.Node
	Notifications repository.Repository[Notification]
	Enqueuer      task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		node:          p.Node,
		notifications: p.Notifications,
		enqueuer:      p.Enqueuer,
	}
}

// Notify writes an outbox row and schedules delivery. It never returns an
// error: reward flows must not fail because a notification could not be
// queued, so failures are only logged.
func (s *Service) Notify(ctx context.Context, userID, topic, title, body string, metadata datatypes.JSON) {
	row := &Notification{
		ID:       s.node.Generate(),
		UserID:   userID,
		Topic:    topic,
		Title:    title,
		Body:     body,
		Status:   StatusPending,
		Metadata: metadata,
	}
	if err := s.notifications.Create(ctx, row); err != nil {
		zap.L().Error("notification outbox write failed",
			zap.String("user_id", userID),
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	if s.enqueuer == nil {
		return
	}
	t, err := NewDeliverTask(DeliverPayload{NotificationID: row.ID.String()})
	if err == nil {
		_, err = s.enqueuer.Enqueue(t)
	}
	if err != nil {
		// The row stays pending; a redelivery sweep can pick it up.
		zap.L().Error("notification enqueue failed",
			zap.String("notification_id", row.ID.String()),
			zap.Error(err),
		)
	}
}

// NotifyReferralAwarded tells both sides their referral bonus landed.
func (s *Service) NotifyReferralAwarded(ctx context.Context, referrerID, referredID, referralID string) {
	meta, _ := json.Marshal(map[string]string{"referral_id": referralID})
	s.Notify(ctx, referrerID,
		TopicReferralAwarded,
		"Referral bonus earned",
		"Your referral completed their first order. Bonus points are on your balance.",
		datatypes.JSON(meta),
	)
	s.Notify(ctx, referredID,
		TopicReferralAwarded,
		"Welcome bonus earned",
		"Your first order is complete. Referral bonus points are on your balance.",
		datatypes.JSON(meta),
	)
}

// NotifyWinner announces a lottery win to the winner.
func (s *Service) NotifyWinner(ctx context.Context, userID, lotteryID, lotteryName string) {
	meta, _ := json.Marshal(map[string]string{"lottery_id": lotteryID})
	s.Notify(ctx, userID,
		TopicLotteryWinner,
		"You won!",
		fmt.Sprintf("Congratulations, you are the winner of %q.", lotteryName),
		datatypes.JSON(meta),
	)
}
