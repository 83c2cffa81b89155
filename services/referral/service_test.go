package referral

import (
	"context"
	"testing"

	"rewards-engine/pkg/config"
	"rewards-engine/pkg/db/pagination"
	"rewards-engine/pkg/repository"
	"rewards-engine/services/ledger"
	"rewards-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recordingNotifier struct {
	awards []string
}

func (n *recordingNotifier) NotifyReferralAwarded(_ context.Context, referrerID, referredID, _ string) {
	n.awards = append(n.awards, referrerID+"->"+referredID)
}

func newTestService(t *testing.T) (*Service, *ledger.Service, *recordingNotifier) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.UserPoints{}, &ledger.PointTransaction{},
		&ReferralCode{}, &Referral{},
	)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Rewards.ReferrerBonus = 100
	cfg.Rewards.ReferredBonus = 50
	cfg.Rewards.WelcomeBonus = 100

	led := ledger.NewService(ledger.ServiceParams{
		DB:           db,
		Node:         node,
		Points:       repository.ProvideStore[ledger.UserPoints](db),
		Transactions: repository.ProvideStore[ledger.PointTransaction](db),
	})

	notifier := &recordingNotifier{}
	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Codes:     repository.ProvideStore[ReferralCode](db),
		Referrals: repository.ProvideStore[Referral](db),
		Ledger:    led,
		Notifier:  notifier,
	})
	return svc, led, notifier
}

func TestGetOrCreateCodeStable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreateCode(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, first.Code, codeLength)
	for _, c := range first.Code {
		require.NotContains(t, "0O1I", string(c))
	}

	second, err := svc.GetOrCreateCode(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, first.Code, second.Code)
	require.Equal(t, first.ID, second.ID)

	other, err := svc.GetOrCreateCode(ctx, "user-2")
	require.NoError(t, err)
	require.NotEqual(t, first.Code, other.Code)
}

func TestRegisterReferralUnknownCode(t *testing.T) {
	svc, _, _ := newTestService(t)

	row, err := svc.RegisterReferral(context.Background(), "NOSUCHCD", "user-2")
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestRegisterReferralSelf(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.RegisterReferral(ctx, code.Code, "user-1")
	require.ErrorIs(t, err, ErrReferralNotEligible)
}

func TestRegisterReferralDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, "user-1")
	require.NoError(t, err)

	first, err := svc.RegisterReferral(ctx, code.Code, "user-2")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, StatusPending, first.Status)

	again, err := svc.RegisterReferral(ctx, code.Code, "user-2")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	rows, _, err := svc.ListByReferrer(ctx, "user-1", pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestAwardExactlyOnce(t *testing.T) {
	svc, led, notifier := newTestService(t)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, "referrer")
	require.NoError(t, err)
	_, err = svc.RegisterReferral(ctx, code.Code, "referred")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.OnFirstOrderCompleted(ctx, "referred", "order-1"))
	}

	referrerBal, err := led.GetBalance(ctx, "referrer")
	require.NoError(t, err)
	require.EqualValues(t, 100, referrerBal.Balance)

	referredBal, err := led.GetBalance(ctx, "referred")
	require.NoError(t, err)
	require.EqualValues(t, 50, referredBal.Balance)

	rows, _, err := svc.ListByReferrer(ctx, "referrer", pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, StatusAwarded, rows[0].Status)
	require.True(t, rows[0].ReferrerAwarded)
	require.True(t, rows[0].ReferredAwarded)
	require.NotNil(t, rows[0].CompletedAt)

	require.Len(t, notifier.awards, 1)
	require.Equal(t, "referrer->referred", notifier.awards[0])
}

func TestAwardUnknownReferredIsNoop(t *testing.T) {
	svc, _, _ := newTestService(t)

	require.NoError(t, svc.OnFirstOrderCompleted(context.Background(), "stranger", "order-9"))
}

func TestAwardHealsFromCompletedState(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, "referrer")
	require.NoError(t, err)
	row, err := svc.RegisterReferral(ctx, code.Code, "referred")
	require.NoError(t, err)

	// Simulate a crash after the status flip but before the credits landed.
	err = svc.db.Model(&Referral{}).Where("id = ?", row.ID).
		Update("status", StatusCompleted).Error
	require.NoError(t, err)

	require.NoError(t, svc.OnFirstOrderCompleted(ctx, "referred", "order-1"))

	referrerBal, err := led.GetBalance(ctx, "referrer")
	require.NoError(t, err)
	require.EqualValues(t, 100, referrerBal.Balance)

	updated, err := svc.referrals.FindOne(ctx, &Referral{ReferredID: "referred"})
	require.NoError(t, err)
	require.Equal(t, StatusAwarded, updated.Status)
}

func TestOnUserRegistered(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, "referrer")
	require.NoError(t, err)

	require.NoError(t, svc.OnUserRegistered(ctx, "newcomer", code.Code))
	// Redelivery of the registration event changes nothing.
	require.NoError(t, svc.OnUserRegistered(ctx, "newcomer", code.Code))

	bal, err := led.GetBalance(ctx, "newcomer")
	require.NoError(t, err)
	require.EqualValues(t, 100, bal.Balance)

	rows, _, err := svc.ListByReferrer(ctx, "referrer", pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "newcomer", rows[0].ReferredID)
}

func TestOnUserRegisteredSelfCodeIgnored(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, "user-1")
	require.NoError(t, err)

	// Using your own code still grants the welcome bonus, just no referral.
	require.NoError(t, svc.OnUserRegistered(ctx, "user-1", code.Code))

	bal, err := led.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, bal.Balance)

	rows, _, err := svc.ListByReferrer(ctx, "user-1", pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, rows)
}
