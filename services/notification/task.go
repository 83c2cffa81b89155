package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeDeliver = "notification:deliver"
)

type DeliverPayload struct {
	NotificationID string `json:"notification_id"`
}

func NewDeliverTask(p DeliverPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDeliver, payload, asynq.Queue("low")), nil
}

// HandleDeliverTask pushes one outbox row to the delivery channel and marks
// it sent. There is no real provider wired yet, so delivery is a log line.
func (s *Service) HandleDeliverTask(ctx context.Context, t *asynq.Task) error {
	var p DeliverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w: %w", TypeDeliver, err, asynq.SkipRetry)
	}

	id, err := snowflake.ParseString(p.NotificationID)
	if err != nil {
		return fmt.Errorf("invalid notification_id: %w: %w", err, asynq.SkipRetry)
	}

	row, err := s.notifications.FindOne(ctx, &Notification{ID: id})
	if err != nil {
		return err
	}
	if row == nil || row.Status == StatusSent {
		return nil
	}

	zap.L().Info("notification delivered",
		zap.String("notification_id", p.NotificationID),
		zap.String("user_id", row.UserID),
		zap.String("topic", row.Topic),
	)

	return s.notifications.Update(ctx, id, map[string]any{
		"status":  StatusSent,
		"sent_at": time.Now(),
	})
}
