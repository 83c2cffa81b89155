package api

import (
	"context"
	"errors"
	"net/http"

	"rewards-engine/pkg/db/pagination"
	"rewards-engine/pkg/errutil"
	"rewards-engine/pkg/task"
	"rewards-engine/services/ledger"
	"rewards-engine/services/lottery"
	"rewards-engine/services/referral"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	node     *snowflake.Node
	ledger   *ledger.Service
	referral *referral.Service
	lottery  *lottery.Service
	enqueuer task.Enqueuer
}

type HandlerParams struct {
	fx.In

	Node     *snowflake.Node
	Ledger   *ledger.Service
	Referral *referral.Service
	Lottery  *lottery.Service
	Enqueuer task.Enqueuer `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		node:     p.Node,
		ledger:   p.Ledger,
		referral: p.Referral,
		lottery:  p.Lottery,
		enqueuer: p.Enqueuer,
	}
}

// mapDomainErr lifts service sentinel errors into the HTTP error taxonomy.
// BaseError values pass through untouched.
func mapDomainErr(err error) error {
	var base errutil.BaseError
	if errors.As(err, &base) {
		return base
	}

	switch {
	case errors.Is(err, ledger.ErrInsufficientPoints),
		errors.Is(err, referral.ErrReferralNotEligible),
		errors.Is(err, lottery.ErrLotteryNotActive),
		errors.Is(err, lottery.ErrLotteryNotDrawable),
		errors.Is(err, lottery.ErrNoTicketsSold),
		errors.Is(err, lottery.ErrNotEligible),
		errors.Is(err, lottery.ErrTicketLimitExceeded):
		return errutil.UnprocessableEntity(err.Error())
	case errors.Is(err, lottery.ErrLotteryAlreadyDrawn),
		errors.Is(err, lottery.ErrInvalidTransition):
		return errutil.Conflict(err.Error())
	case errors.Is(err, lottery.ErrInvalidDrawMethod):
		return errutil.BadRequest(err.Error())
	case errors.Is(err, lottery.ErrLotteryNotFound):
		return errutil.NotFound(err.Error())
	default:
		return errutil.Internal("internal error", errutil.WithErr(err))
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	_ = c.Error(mapDomainErr(err))
}

func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (h *Handler) GetHistory(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		h.fail(c, errutil.BadRequest("invalid pagination", errutil.WithErr(err)))
		return
	}

	rows, pageInfo, err := h.ledger.History(c.Request.Context(),
		c.Param("user_id"),
		ledger.Source(c.Query("source")),
		p,
	)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": pageInfo})
}

type awardRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	ReferenceID string `json:"reference_id"`
	Description string `json:"description"`
}

// AwardPoints is the operator escape hatch for manual grants. Passing a
// reference_id makes the grant idempotent; omitting it always credits.
func (h *Handler) AwardPoints(c *gin.Context) {
	var req awardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	if req.ReferenceID == "" {
		req.ReferenceID = h.node.Generate().String()
	}

	balance, err := h.ledger.Credit(c.Request.Context(), ledger.Entry{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Source:      ledger.SourceManual,
		ReferenceID: req.ReferenceID,
		Description: req.Description,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      req.UserID,
		"balance":      balance,
		"reference_id": req.ReferenceID,
	})
}

func (h *Handler) GetReferralCode(c *gin.Context) {
	code, err := h.referral.GetOrCreateCode(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": code.UserID, "code": code.Code})
}

func (h *Handler) ListReferrals(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		h.fail(c, errutil.BadRequest("invalid pagination", errutil.WithErr(err)))
		return
	}

	rows, pageInfo, err := h.referral.ListByReferrer(c.Request.Context(), c.Param("user_id"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": pageInfo})
}

func (h *Handler) CreateLottery(c *gin.Context) {
	var in lottery.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.fail(c, errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	row, err := h.lottery.Create(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

func (h *Handler) GetLottery(c *gin.Context) {
	row, err := h.lottery.Get(c.Request.Context(), c.Param("lottery_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *Handler) ListLotteries(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		h.fail(c, errutil.BadRequest("invalid pagination", errutil.WithErr(err)))
		return
	}

	rows, pageInfo, err := h.lottery.List(c.Request.Context(), lottery.Status(c.Query("status")), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": pageInfo})
}

func (h *Handler) ActivateLottery(c *gin.Context) { h.transitionLottery(c, h.lottery.Activate) }
func (h *Handler) EndLottery(c *gin.Context)      { h.transitionLottery(c, h.lottery.End) }
func (h *Handler) CancelLottery(c *gin.Context)   { h.transitionLottery(c, h.lottery.Cancel) }

func (h *Handler) transitionLottery(c *gin.Context, fn func(ctx context.Context, id string) (*lottery.Lottery, error)) {
	row, err := fn(c.Request.Context(), c.Param("lottery_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

type buyTicketsRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Count  int    `json:"count" binding:"required"`
}

func (h *Handler) BuyTickets(c *gin.Context) {
	var req buyTicketsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	ticket, err := h.lottery.BuyTickets(c.Request.Context(), c.Param("lottery_id"), req.UserID, req.Count)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

func (h *Handler) ListTickets(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		h.fail(c, errutil.BadRequest("invalid pagination", errutil.WithErr(err)))
		return
	}

	rows, pageInfo, err := h.lottery.ListTickets(c.Request.Context(), c.Param("lottery_id"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": pageInfo})
}

func (h *Handler) DrawLottery(c *gin.Context) {
	var req lottery.DrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	row, err := h.lottery.DrawWinner(c.Request.Context(), c.Param("lottery_id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

// Event ingress. Events are acknowledged once queued; processing happens on
// the worker so redeliveries from upstream never block the producer.

func (h *Handler) UserRegisteredEvent(c *gin.Context) {
	var p referral.UserRegisteredPayload
	if err := c.ShouldBindJSON(&p); err != nil || p.UserID == "" {
		h.fail(c, errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	if h.enqueuer == nil {
		h.fail(c, errutil.Internal("event queue unavailable"))
		return
	}
	t, err := referral.NewUserRegisteredTask(p)
	if err == nil {
		_, err = h.enqueuer.Enqueue(t)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handler) OrderCompletedEvent(c *gin.Context) {
	var p referral.OrderCompletedPayload
	if err := c.ShouldBindJSON(&p); err != nil || p.UserID == "" {
		h.fail(c, errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	if h.enqueuer == nil {
		h.fail(c, errutil.Internal("event queue unavailable"))
		return
	}
	t, err := referral.NewOrderCompletedTask(p)
	if err == nil {
		_, err = h.enqueuer.Enqueue(t)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
