package referral

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

func NewUserRegisteredTask(p UserRegisteredPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeUserRegistered, payload, asynq.Queue("default")), nil
}

func NewOrderCompletedTask(p OrderCompletedPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeOrderCompleted, payload, asynq.Queue("critical")), nil
}

func (s *Service) HandleUserRegisteredTask(ctx context.Context, t *asynq.Task) error {
	var p UserRegisteredPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w: %w", TypeUserRegistered, err, asynq.SkipRetry)
	}
	return s.OnUserRegistered(ctx, p.UserID, p.ReferralCode)
}

func (s *Service) HandleOrderCompletedTask(ctx context.Context, t *asynq.Task) error {
	var p OrderCompletedPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w: %w", TypeOrderCompleted, err, asynq.SkipRetry)
	}
	return s.OnFirstOrderCompleted(ctx, p.UserID, p.OrderID)
}
