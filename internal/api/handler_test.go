package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"rewards-engine/pkg/config"
	"rewards-engine/pkg/health"
	"rewards-engine/pkg/repository"
	"rewards-engine/services/ledger"
	"rewards-engine/services/lottery"
	"rewards-engine/services/referral"
	"rewards-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

const adminKey = "admin_test_key"

func newTestRouter(t *testing.T) (*gin.Engine, *ledger.Service) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.UserPoints{}, &ledger.PointTransaction{},
		&referral.ReferralCode{}, &referral.Referral{},
		&lottery.Lottery{}, &lottery.Ticket{},
	)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	cfg := &config.Config{AdminAPIKey: adminKey}
	cfg.Rewards.ReferrerBonus = 100
	cfg.Rewards.ReferredBonus = 50
	cfg.Rewards.WelcomeBonus = 100

	led := ledger.NewService(ledger.ServiceParams{
		DB:           db,
		Node:         node,
		Points:       repository.ProvideStore[ledger.UserPoints](db),
		Transactions: repository.ProvideStore[ledger.PointTransaction](db),
	})
	ref := referral.NewService(referral.ServiceParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Codes:     repository.ProvideStore[referral.ReferralCode](db),
		Referrals: repository.ProvideStore[referral.Referral](db),
		Ledger:    led,
	})
	lot := lottery.NewService(lottery.ServiceParams{
		DB:        db,
		Node:      node,
		Lotteries: repository.ProvideStore[lottery.Lottery](db),
		Tickets:   repository.ProvideStore[lottery.Ticket](db),
		Ledger:    led,
	})

	handler := NewHandler(HandlerParams{
		Node:     node,
		Ledger:   led,
		Referral: ref,
		Lottery:  lot,
	})
	router := NewRouter(RouterParams{
		Config:  cfg,
		Handler: handler,
		Health:  health.ProvideHealth(health.HealthParams{DB: db}),
	})
	return router, led
}

func do(t *testing.T, router *gin.Engine, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	require.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/readyz", "", nil).Code)
}

func TestGetBalanceZeroState(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodGet, "/v1/users/user-1/points", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var bal ledger.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	require.Equal(t, "user-1", bal.UserID)
	require.Zero(t, bal.Balance)
}

func TestAwardPointsRequiresAdmin(t *testing.T) {
	router, _ := newTestRouter(t)
	body := map[string]any{"user_id": "user-1", "amount": 50}

	require.Equal(t, http.StatusForbidden,
		do(t, router, http.MethodPost, "/v1/points/award", "", body).Code)
	require.Equal(t, http.StatusForbidden,
		do(t, router, http.MethodPost, "/v1/points/award", "admin_wrong", body).Code)

	w := do(t, router, http.MethodPost, "/v1/points/award", adminKey, body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.EqualValues(t, 50, resp.Balance)
}

func TestAwardPointsIdempotentWithReference(t *testing.T) {
	router, _ := newTestRouter(t)
	body := map[string]any{"user_id": "user-1", "amount": 50, "reference_id": "grant-1"}

	first := do(t, router, http.MethodPost, "/v1/points/award", adminKey, body)
	require.Equal(t, http.StatusOK, first.Code)
	second := do(t, router, http.MethodPost, "/v1/points/award", adminKey, body)
	require.Equal(t, http.StatusOK, second.Code)

	w := do(t, router, http.MethodGet, "/v1/users/user-1/points", "", nil)
	var bal ledger.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	require.EqualValues(t, 50, bal.Balance)
}

func TestLotteryFlow(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodPost, "/v1/lotteries", adminKey, map[string]any{
		"name":                "weekly",
		"ticket_price_points": 10,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created lottery.Lottery
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.ID.String()

	// Sales before activation fail.
	w = do(t, router, http.MethodPost, "/v1/lotteries/"+id+"/tickets", "", map[string]any{
		"user_id": "user-1", "count": 1,
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	require.Equal(t, http.StatusOK,
		do(t, router, http.MethodPost, "/v1/lotteries/"+id+"/activate", adminKey, nil).Code)

	// No points yet.
	w = do(t, router, http.MethodPost, "/v1/lotteries/"+id+"/tickets", "", map[string]any{
		"user_id": "user-1", "count": 1,
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	require.Equal(t, http.StatusOK,
		do(t, router, http.MethodPost, "/v1/points/award", adminKey, map[string]any{
			"user_id": "user-1", "amount": 100,
		}).Code)

	w = do(t, router, http.MethodPost, "/v1/lotteries/"+id+"/tickets", "", map[string]any{
		"user_id": "user-1", "count": 3,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, router, http.MethodPost, "/v1/lotteries/"+id+"/draw", adminKey, map[string]any{
		"method": "random",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var drawn lottery.Lottery
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &drawn))
	require.Equal(t, lottery.StatusDrawn, drawn.Status)
	require.Equal(t, "user-1", *drawn.WinnerUserID)

	// Second draw conflicts.
	w = do(t, router, http.MethodPost, "/v1/lotteries/"+id+"/draw", adminKey, map[string]any{
		"method": "random",
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestLotteryNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodGet, "/v1/lotteries/123456789", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestReferralCodeAndList(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodGet, "/v1/users/user-1/referral-code", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Code, 8)

	again := do(t, router, http.MethodGet, "/v1/users/user-1/referral-code", "", nil)
	require.Equal(t, http.StatusOK, again.Code)
	require.JSONEq(t, w.Body.String(), again.Body.String())

	list := do(t, router, http.MethodGet, "/v1/users/user-1/referrals", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
}

func TestHistoryPaginationOverHTTP(t *testing.T) {
	router, led := newTestRouter(t)

	for i := 0; i < 3; i++ {
		_, err := led.Credit(context.Background(), ledger.Entry{
			UserID:      "user-1",
			Amount:      10,
			Source:      ledger.SourceOrder,
			ReferenceID: fmt.Sprintf("order-%d", i),
		})
		require.NoError(t, err)
	}

	w := do(t, router, http.MethodGet, "/v1/users/user-1/points/history?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data     []json.RawMessage `json:"data"`
		PageInfo struct {
			HasMore    bool   `json:"has_more"`
			NextCursor string `json:"next_cursor"`
		} `json:"page_info"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	require.True(t, resp.PageInfo.HasMore)
}
