package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"rewards-engine/pkg/db/pagination"
	"rewards-engine/pkg/repository"
	"rewards-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &UserPoints{}, &PointTransaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{
		DB:           db,
		Node:         node,
		Points:       repository.ProvideStore[UserPoints](db),
		Transactions: repository.ProvideStore[PointTransaction](db),
	})
}

func TestGetBalanceUnknownUser(t *testing.T) {
	svc := newTestService(t)

	bal, err := svc.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", bal.UserID)
	require.Zero(t, bal.Balance)
	require.Zero(t, bal.LifetimeEarned)
	require.Zero(t, bal.LifetimeSpent)
}

func TestCreditThenDebit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	after, err := svc.Credit(ctx, Entry{UserID: "user-1", Amount: 100, Source: SourceOrder, ReferenceID: "order-1"})
	require.NoError(t, err)
	require.EqualValues(t, 100, after)

	after, err = svc.Debit(ctx, Entry{UserID: "user-1", Amount: 30, Source: SourceLottery, ReferenceID: "ticket-1"})
	require.NoError(t, err)
	require.EqualValues(t, 70, after)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 70, bal.Balance)
	require.EqualValues(t, 100, bal.LifetimeEarned)
	require.EqualValues(t, 30, bal.LifetimeSpent)
}

func TestDebitInsufficient(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Debit(ctx, Entry{UserID: "user-1", Amount: 10, Source: SourceLottery, ReferenceID: "ticket-1"})
	require.ErrorIs(t, err, ErrInsufficientPoints)

	_, err = svc.Credit(ctx, Entry{UserID: "user-1", Amount: 50, Source: SourceOrder, ReferenceID: "order-1"})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, Entry{UserID: "user-1", Amount: 51, Source: SourceLottery, ReferenceID: "ticket-2"})
	require.ErrorIs(t, err, ErrInsufficientPoints)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 50, bal.Balance)
}

func TestCreditIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry := Entry{UserID: "user-1", Amount: 100, Source: SourceReferral, ReferenceID: "ref-1"}

	first, err := svc.Credit(ctx, entry)
	require.NoError(t, err)
	second, err := svc.Credit(ctx, entry)
	require.NoError(t, err)
	require.Equal(t, first, second)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, bal.Balance)
	require.EqualValues(t, 100, bal.LifetimeEarned)

	rows, _, err := svc.History(ctx, "user-1", "", pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestSameReferenceDifferentUsers(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Two users rewarded off the same event must both get their credit.
	_, err := svc.Credit(ctx, Entry{UserID: "referrer", Amount: 100, Source: SourceReferral, ReferenceID: "ref-1"})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, Entry{UserID: "referred", Amount: 50, Source: SourceReferral, ReferenceID: "ref-1"})
	require.NoError(t, err)

	a, err := svc.GetBalance(ctx, "referrer")
	require.NoError(t, err)
	require.EqualValues(t, 100, a.Balance)

	b, err := svc.GetBalance(ctx, "referred")
	require.NoError(t, err)
	require.EqualValues(t, 50, b.Balance)
}

func TestEntryValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, Entry{UserID: "", Amount: 10, Source: SourceOrder, ReferenceID: "o1"})
	require.Error(t, err)

	_, err = svc.Credit(ctx, Entry{UserID: "u1", Amount: 0, Source: SourceOrder, ReferenceID: "o1"})
	require.Error(t, err)

	_, err = svc.Credit(ctx, Entry{UserID: "u1", Amount: -5, Source: SourceOrder, ReferenceID: "o1"})
	require.Error(t, err)

	_, err = svc.Credit(ctx, Entry{UserID: "u1", Amount: 10, Source: "bogus", ReferenceID: "o1"})
	require.Error(t, err)

	_, err = svc.Credit(ctx, Entry{UserID: "u1", Amount: 10, Source: SourceOrder, ReferenceID: ""})
	require.Error(t, err)
}

func TestConcurrentDebits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, Entry{UserID: "user-1", Amount: 100, Source: SourceOrder, ReferenceID: "order-1"})
	require.NoError(t, err)

	var g errgroup.Group
	results := make([]error, 10)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, results[i] = svc.Debit(ctx, Entry{
				UserID:      "user-1",
				Amount:      30,
				Source:      SourceLottery,
				ReferenceID: fmt.Sprintf("ticket-%d", i),
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrInsufficientPoints)
		}
	}
	require.Equal(t, 3, succeeded)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 10, bal.Balance)
	require.EqualValues(t, 90, bal.LifetimeSpent)
}

func TestHistoryPagination(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Credit(ctx, Entry{
			UserID:      "user-1",
			Amount:      int64(10 * (i + 1)),
			Source:      SourceOrder,
			ReferenceID: fmt.Sprintf("order-%d", i),
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct created_at, newest-first order is observable
	}

	page1, info, err := svc.History(ctx, "user-1", "", pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.True(t, info.HasMore)
	require.EqualValues(t, 50, page1[0].Amount)
	require.EqualValues(t, 40, page1[1].Amount)

	page2, info, err := svc.History(ctx, "user-1", "", pagination.Pagination{Limit: 2, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.True(t, info.HasMore)
	require.EqualValues(t, 30, page2[0].Amount)

	page3, info, err := svc.History(ctx, "user-1", "", pagination.Pagination{Limit: 2, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	require.False(t, info.HasMore)
	require.EqualValues(t, 10, page3[0].Amount)
}

func TestHistorySourceFilter(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, Entry{UserID: "user-1", Amount: 100, Source: SourceOrder, ReferenceID: "order-1"})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, Entry{UserID: "user-1", Amount: 25, Source: SourceReferral, ReferenceID: "ref-1"})
	require.NoError(t, err)

	rows, _, err := svc.History(ctx, "user-1", SourceReferral, pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, SourceReferral, rows[0].Source)
}
