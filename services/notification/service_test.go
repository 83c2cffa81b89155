package notification

import (
	"context"
	"testing"

	"rewards-engine/pkg/repository"
	"rewards-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type captureEnqueuer struct {
	tasks []*asynq.Task
}

func (c *captureEnqueuer) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func newTestService(t *testing.T) (*Service, *captureEnqueuer) {
	t.Helper()

	db := testutil.NewTestDB(t, &Notification{})
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	enq := &captureEnqueuer{}
	svc := NewService(ServiceParams{
		Node:          node,
		Notifications: repository.ProvideStore[Notification](db),
		Enqueuer:      enq,
	})
	return svc, enq
}

func TestNotifyWritesOutboxAndEnqueues(t *testing.T) {
	svc, enq := newTestService(t)
	ctx := context.Background()

	svc.NotifyWinner(ctx, "user-1", "42", "weekly draw")

	rows, err := svc.notifications.Find(ctx, &Notification{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, TopicLotteryWinner, rows[0].Topic)
	require.Equal(t, StatusPending, rows[0].Status)

	require.Len(t, enq.tasks, 1)
	require.Equal(t, TypeDeliver, enq.tasks[0].Type())
}

func TestDeliverMarksSentOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.NotifyWinner(ctx, "user-1", "42", "weekly draw")

	rows, err := svc.notifications.Find(ctx, &Notification{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	task, err := NewDeliverTask(DeliverPayload{NotificationID: rows[0].ID.String()})
	require.NoError(t, err)

	require.NoError(t, svc.HandleDeliverTask(ctx, task))
	// Redelivery is a no-op.
	require.NoError(t, svc.HandleDeliverTask(ctx, task))

	got, err := svc.notifications.FindOne(ctx, &Notification{ID: rows[0].ID})
	require.NoError(t, err)
	require.Equal(t, StatusSent, got.Status)
	require.NotNil(t, got.SentAt)
}

func TestDeliverUnknownNotification(t *testing.T) {
	svc, _ := newTestService(t)

	task, err := NewDeliverTask(DeliverPayload{NotificationID: "987654321"})
	require.NoError(t, err)
	require.NoError(t, svc.HandleDeliverTask(context.Background(), task))
}
