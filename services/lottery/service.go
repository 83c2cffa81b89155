package lottery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rewards-engine/pkg/db/option"
	"rewards-engine/pkg/db/pagination"
	"rewards-engine/pkg/errutil"
	"rewards-engine/pkg/repository"
	"rewards-engine/pkg/sequence"
	"rewards-engine/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrLotteryNotFound     = errors.New("lottery not found")
	ErrLotteryNotActive    = errors.New("lottery is not open for ticket sales")
	ErrLotteryNotDrawable  = errors.New("lottery cannot be drawn in its current state")
	ErrLotteryAlreadyDrawn = errors.New("lottery winner already drawn")
	ErrNoTicketsSold       = errors.New("lottery has no tickets")
	ErrInvalidTransition   = errors.New("invalid lottery state transition")
	ErrInvalidDrawMethod   = errors.New("unknown draw method")
	ErrNotEligible         = errors.New("user is not eligible to win")
	ErrTicketLimitExceeded = errors.New("ticket limit for this lottery reached")
)

// Notifier delivers winner announcements. Fire-and-forget: a draw never
// fails because a notification could not be sent.
type Notifier interface {
	NotifyWinner(ctx context.Context, userID, lotteryID, lotteryName string)
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	lotteries repository.Repository[Lottery]
	tickets   repository.Repository[Ticket]
	ledger    *ledger.Service
	codes     sequence.Generator
	notifier  Notifier
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Lotteries repository.Repository[Lottery]
	Tickets   repository.Repository[Ticket]
	Ledger    *ledger.Service
	Codes     sequence.Generator `optional:"true"`
	Notifier  Notifier           `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		lotteries: p.Lotteries,
		tickets:   p.Tickets,
		ledger:    p.Ledger,
		codes:     p.Codes,
		notifier:  p.Notifier,
	}
}

// Create stores a lottery in draft. Ticket sales start on Activate.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Lottery, error) {
	if in.Name == "" {
		return nil, errutil.BadRequest("name is required")
	}
	if in.TicketPricePoints <= 0 {
		return nil, errutil.ValidationFailed("ticket_price_points must be greater than zero")
	}
	if in.MaxTicketsPerUser < 0 {
		return nil, errutil.ValidationFailed("max_tickets_per_user must not be negative")
	}
	if in.StartsAt != nil && in.EndsAt != nil && !in.EndsAt.After(*in.StartsAt) {
		return nil, errutil.ValidationFailed("ends_at must be after starts_at")
	}

	row := &Lottery{
		ID:                s.node.Generate(),
		Name:              in.Name,
		Description:       in.Description,
		TicketPricePoints: in.TicketPricePoints,
		MaxTicketsPerUser: in.MaxTicketsPerUser,
		Status:            StatusDraft,
		StartsAt:          in.StartsAt,
		EndsAt:            in.EndsAt,
		Metadata:          in.Metadata,
	}
	if err := s.lotteries.Create(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) Get(ctx context.Context, lotteryID string) (*Lottery, error) {
	id, err := parseID(lotteryID)
	if err != nil {
		return nil, err
	}
	row, err := s.lotteries.FindOne(ctx, &Lottery{ID: id})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrLotteryNotFound
	}
	return row, nil
}

// List pages through lotteries, newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, p pagination.Pagination) ([]*Lottery, *pagination.PageInfo, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 250 {
		limit = 250
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc", Allow: map[string]bool{"created_at": true}}),
		option.WithLimit(limit + 1),
	}
	if p.Cursor != "" {
		cursor, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", errutil.WithErr(err))
		}
		at, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", errutil.WithErr(err))
		}
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LT, Value: at}))
	}

	rows, err := s.lotteries.Find(ctx, &Lottery{Status: status}, opts...)
	if err != nil {
		return nil, nil, err
	}

	rows, pageInfo := pagination.BuildCursorPageInfo(rows, limit, func(l *Lottery) pagination.Cursor {
		return pagination.Cursor{CreatedAt: l.CreatedAt.UTC().Format(time.RFC3339Nano), ID: l.ID.String()}
	})
	return rows, pageInfo, nil
}

// Activate opens ticket sales. Only a draft lottery whose window has not
// already closed can be activated.
func (s *Service) Activate(ctx context.Context, lotteryID string) (*Lottery, error) {
	row, err := s.Get(ctx, lotteryID)
	if err != nil {
		return nil, err
	}
	if row.EndsAt != nil && time.Now().After(*row.EndsAt) {
		return nil, fmt.Errorf("%w: ends_at already passed", ErrInvalidTransition)
	}
	return s.transition(ctx, lotteryID, StatusActive, StatusDraft)
}

// End closes ticket sales without drawing. Only an active lottery can end.
func (s *Service) End(ctx context.Context, lotteryID string) (*Lottery, error) {
	return s.transition(ctx, lotteryID, StatusEnded, StatusActive)
}

// Cancel voids a lottery that has not been drawn.
func (s *Service) Cancel(ctx context.Context, lotteryID string) (*Lottery, error) {
	return s.transition(ctx, lotteryID, StatusCancelled, StatusDraft, StatusActive, StatusEnded)
}

func (s *Service) transition(ctx context.Context, lotteryID string, to Status, from ...Status) (*Lottery, error) {
	id, err := parseID(lotteryID)
	if err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Model(&Lottery{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		row, err := s.lotteries.FindOne(ctx, &Lottery{ID: id})
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, ErrLotteryNotFound
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, row.Status, to)
	}

	row, err := s.lotteries.FindOne(ctx, &Lottery{ID: id})
	if err != nil {
		return nil, err
	}
	zap.L().Info("lottery transitioned",
		zap.String("lottery_id", lotteryID),
		zap.String("status", string(to)),
	)
	return row, nil
}

// BuyTickets debits the points and creates the ticket in one transaction;
// a failed debit leaves no ticket behind.
func (s *Service) BuyTickets(ctx context.Context, lotteryID, userID string, count int) (*Ticket, error) {
	id, err := parseID(lotteryID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required")
	}
	if count <= 0 {
		return nil, errutil.ValidationFailed("ticket count must be greater than zero")
	}

	span := trace.SpanFromContext(ctx)
	zap.L().Info("lottery.buy_tickets",
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("lottery_id", lotteryID),
		zap.String("user_id", userID),
		zap.Int("count", count),
	)

	var ticket *Ticket
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lotteries := s.lotteries.WithTrx(tx)
		tickets := s.tickets.WithTrx(tx)

		lot, err := lotteries.FindOne(ctx, &Lottery{ID: id}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if lot == nil {
			return ErrLotteryNotFound
		}
		now := time.Now()
		if lot.Status != StatusActive {
			return ErrLotteryNotActive
		}
		if lot.StartsAt != nil && now.Before(*lot.StartsAt) {
			return ErrLotteryNotActive
		}
		if lot.EndsAt != nil && now.After(*lot.EndsAt) {
			return ErrLotteryNotActive
		}

		if lot.MaxTicketsPerUser > 0 {
			owned, err := tickets.Find(ctx, &Ticket{LotteryID: id, UserID: userID})
			if err != nil {
				return err
			}
			held := 0
			for _, t := range owned {
				held += t.TicketCount
			}
			if held+count > lot.MaxTicketsPerUser {
				return ErrTicketLimitExceeded
			}
		}

		cost := lot.TicketPricePoints * int64(count)
		ticketID := s.node.Generate()

		if _, err := s.ledger.ApplyDebit(ctx, tx, ledger.Entry{
			UserID:      userID,
			Amount:      cost,
			Source:      ledger.SourceLottery,
			ReferenceID: ticketID.String(),
			Description: fmt.Sprintf("%d ticket(s) for %s", count, lot.Name),
		}); err != nil {
			return err
		}

		ticket = &Ticket{
			ID:          ticketID,
			LotteryID:   id,
			UserID:      userID,
			TicketCount: count,
			PointsSpent: cost,
			TicketCode:  s.ticketCode(ctx, lotteryID),
		}
		return tickets.Create(ctx, ticket)
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

func (s *Service) ticketCode(ctx context.Context, lotteryID string) string {
	if s.codes != nil {
		if code, err := s.codes.NextTicketCode(ctx, lotteryID); err == nil {
			return code
		}
		zap.L().Warn("sequence generator unavailable, falling back to random ticket code")
	}
	suffix, err := sequence.RandomCode(6)
	if err != nil {
		return ""
	}
	return "TKT-" + suffix
}

// ListTickets pages through a lottery's tickets, oldest first.
func (s *Service) ListTickets(ctx context.Context, lotteryID string, p pagination.Pagination) ([]*Ticket, *pagination.PageInfo, error) {
	id, err := parseID(lotteryID)
	if err != nil {
		return nil, nil, err
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 250 {
		limit = 250
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", Allow: map[string]bool{"created_at": true}}),
		option.WithLimit(limit + 1),
	}
	if p.Cursor != "" {
		cursor, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", errutil.WithErr(err))
		}
		at, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", errutil.WithErr(err))
		}
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.GT, Value: at}))
	}

	rows, err := s.tickets.Find(ctx, &Ticket{LotteryID: id}, opts...)
	if err != nil {
		return nil, nil, err
	}

	rows, pageInfo := pagination.BuildCursorPageInfo(rows, limit, func(t *Ticket) pagination.Cursor {
		return pagination.Cursor{CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano), ID: t.ID.String()}
	})
	return rows, pageInfo, nil
}

// DrawWinner settles the lottery. Exactly one draw can ever succeed: the
// final status flip is guarded, so of two concurrent draws one commits and
// the other sees ErrLotteryAlreadyDrawn.
func (s *Service) DrawWinner(ctx context.Context, lotteryID string, req DrawRequest) (*Lottery, error) {
	id, err := parseID(lotteryID)
	if err != nil {
		return nil, err
	}
	if req.Method != DrawRandom && req.Method != DrawManual {
		return nil, ErrInvalidDrawMethod
	}
	if req.Method == DrawManual && req.WinnerUserID == "" {
		return nil, errutil.BadRequest("winner_user_id is required for a manual draw")
	}

	span := trace.SpanFromContext(ctx)
	zap.L().Info("lottery.draw",
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("lottery_id", lotteryID),
		zap.String("method", string(req.Method)),
	)

	var (
		winnerTicket *Ticket
		lotteryName  string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lotteries := s.lotteries.WithTrx(tx)
		tickets := s.tickets.WithTrx(tx)

		lot, err := lotteries.FindOne(ctx, &Lottery{ID: id}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if lot == nil {
			return ErrLotteryNotFound
		}
		switch lot.Status {
		case StatusActive, StatusEnded:
		case StatusDrawn:
			return ErrLotteryAlreadyDrawn
		default:
			return ErrLotteryNotDrawable
		}
		lotteryName = lot.Name

		all, err := tickets.Find(ctx, &Ticket{LotteryID: id})
		if err != nil {
			return err
		}
		if len(all) == 0 {
			return ErrNoTicketsSold
		}

		switch req.Method {
		case DrawRandom:
			idx, err := pickWeighted(all)
			if err != nil {
				return err
			}
			winnerTicket = all[idx]
		case DrawManual:
			for _, t := range all {
				if t.UserID == req.WinnerUserID {
					winnerTicket = t
					break
				}
			}
			if winnerTicket == nil {
				return fmt.Errorf("%w: no tickets held", ErrNotEligible)
			}
			if req.MinPoints > 0 {
				balance, err := s.ledger.BalanceWithTrx(ctx, tx, req.WinnerUserID)
				if err != nil {
					return err
				}
				if balance < req.MinPoints {
					return fmt.Errorf("%w: balance below %d", ErrNotEligible, req.MinPoints)
				}
			}
		}

		if err := tx.WithContext(ctx).Model(&Ticket{}).
			Where("id = ?", winnerTicket.ID).
			Update("is_winner", true).Error; err != nil {
			return err
		}

		now := time.Now()
		winnerID := winnerTicket.UserID
		winnerTicketID := winnerTicket.ID.String()
		res := tx.WithContext(ctx).Model(&Lottery{}).
			Where("id = ? AND status IN ?", id, []Status{StatusActive, StatusEnded}).
			Updates(map[string]any{
				"status":           StatusDrawn,
				"draw_method":      req.Method,
				"winner_user_id":   winnerID,
				"winner_ticket_id": winnerTicketID,
				"drawn_at":         now,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLotteryAlreadyDrawn
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("lottery drawn",
		zap.String("lottery_id", lotteryID),
		zap.String("winner_user_id", winnerTicket.UserID),
		zap.String("winner_ticket_id", winnerTicket.ID.String()),
	)

	if s.notifier != nil {
		s.notifier.NotifyWinner(ctx, winnerTicket.UserID, lotteryID, lotteryName)
	}

	return s.Get(ctx, lotteryID)
}

// CloseExpired sweeps active lotteries past their end time: lotteries with
// tickets are ended and drawn, ticketless ones are cancelled.
func (s *Service) CloseExpired(ctx context.Context) error {
	expired, err := s.lotteries.Find(ctx, &Lottery{Status: StatusActive},
		option.ApplyOperator(option.Condition{Field: "ends_at", Operator: option.LTE, Value: time.Now()}),
	)
	if err != nil {
		return err
	}

	for _, lot := range expired {
		lotteryID := lot.ID.String()

		sold, err := s.tickets.Count(ctx, &Ticket{LotteryID: lot.ID})
		if err != nil {
			return err
		}
		if sold == 0 {
			if _, err := s.Cancel(ctx, lotteryID); err != nil && !errors.Is(err, ErrInvalidTransition) {
				return err
			}
			zap.L().Info("expired lottery cancelled, no tickets sold", zap.String("lottery_id", lotteryID))
			continue
		}

		if _, err := s.End(ctx, lotteryID); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
		if _, err := s.DrawWinner(ctx, lotteryID, DrawRequest{Method: DrawRandom}); err != nil {
			if errors.Is(err, ErrLotteryAlreadyDrawn) || errors.Is(err, ErrLotteryNotDrawable) {
				continue
			}
			return err
		}
	}
	return nil
}

func parseID(lotteryID string) (snowflake.ID, error) {
	if lotteryID == "" {
		return 0, errutil.BadRequest("lottery_id is required")
	}
	id, err := snowflake.ParseString(lotteryID)
	if err != nil {
		return 0, errutil.BadRequest("invalid lottery_id", errutil.WithErr(err))
	}
	return id, nil
}
