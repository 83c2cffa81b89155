package lottery

import (
	"context"

	"github.com/hibiken/asynq"
)

const (
	// TypeCloseExpired is the periodic sweep settling lotteries whose end
	// time has passed.
	TypeCloseExpired = "lottery:close_expired"
)

func NewCloseExpiredTask() *asynq.Task {
	return asynq.NewTask(TypeCloseExpired, nil, asynq.Queue("low"))
}

func (s *Service) HandleCloseExpiredTask(ctx context.Context, _ *asynq.Task) error {
	return s.CloseExpired(ctx)
}
