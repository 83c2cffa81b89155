package ledger

import (
	"context"
	"errors"
	"time"

	"rewards-engine/pkg/db/option"
	"rewards-engine/pkg/db/pagination"
	"rewards-engine/pkg/errutil"
	"rewards-engine/pkg/repository"
	"rewards-engine/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientPoints means a debit would take the balance below zero.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrLedgerCorrupt means a balance row no longer satisfies
	// balance == lifetime_earned - lifetime_spent. The enclosing
	// transaction is rolled back.
	ErrLedgerCorrupt = errors.New("ledger balance out of sync with lifetime totals")
)

type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	points       repository.Repository[UserPoints]
	transactions repository.Repository[PointTransaction]
	codes        sequence.Generator
}

type ServiceParams struct {
	fx.In

	DB           *gorm.DB
	Node         *snowflake.Node
	Points       repository.Repository[UserPoints]
	Transactions repository.Repository[PointTransaction]
	Codes        sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:           p.DB,
		node:         p.Node,
		points:       p.Points,
		transactions: p.Transactions,
		codes:        p.Codes,
	}
}

// GetBalance returns the user's balance. Users with no ledger activity
// resolve to an all-zero balance rather than not-found.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required")
	}

	row, err := s.points.FindOne(ctx, &UserPoints{UserID: userID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &Balance{UserID: userID}, nil
	}

	return &Balance{
		UserID:         row.UserID,
		Balance:        row.Balance,
		LifetimeEarned: row.LifetimeEarned,
		LifetimeSpent:  row.LifetimeSpent,
	}, nil
}

// Credit adds points in its own transaction and returns the balance after.
// Redelivery of the same (user, source, reference) settles on the first
// outcome without a second transaction row.
func (s *Service) Credit(ctx context.Context, e Entry) (int64, error) {
	if err := validateEntry(e); err != nil {
		return 0, err
	}

	span := trace.SpanFromContext(ctx)
	zap.L().Info("ledger.credit",
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("user_id", e.UserID),
		zap.Int64("amount", e.Amount),
		zap.String("source", string(e.Source)),
		zap.String("reference_id", e.ReferenceID),
	)

	var balanceAfter int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balanceAfter, err = s.apply(ctx, tx, e, KindEarned)
		return err
	})
	return balanceAfter, err
}

// Debit removes points in its own transaction. The check-and-deduct is a
// single guarded UPDATE, so a balance can never go negative even under
// concurrent debits.
func (s *Service) Debit(ctx context.Context, e Entry) (int64, error) {
	if err := validateEntry(e); err != nil {
		return 0, err
	}

	span := trace.SpanFromContext(ctx)
	zap.L().Info("ledger.debit",
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("user_id", e.UserID),
		zap.Int64("amount", e.Amount),
		zap.String("source", string(e.Source)),
		zap.String("reference_id", e.ReferenceID),
	)

	var balanceAfter int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balanceAfter, err = s.apply(ctx, tx, e, KindSpent)
		return err
	})
	return balanceAfter, err
}

// ApplyCredit records a credit inside a caller-owned transaction.
func (s *Service) ApplyCredit(ctx context.Context, tx *gorm.DB, e Entry) (int64, error) {
	if err := validateEntry(e); err != nil {
		return 0, err
	}
	return s.apply(ctx, tx, e, KindEarned)
}

// ApplyDebit records a debit inside a caller-owned transaction, so a spend
// and its side effect (e.g. a lottery ticket) commit or roll back together.
func (s *Service) ApplyDebit(ctx context.Context, tx *gorm.DB, e Entry) (int64, error) {
	if err := validateEntry(e); err != nil {
		return 0, err
	}
	return s.apply(ctx, tx, e, KindSpent)
}

// BalanceWithTrx reads a balance through an open transaction. Callers already
// holding a transaction must use this instead of GetBalance or they would
// need a second connection mid-transaction.
func (s *Service) BalanceWithTrx(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	row, err := s.points.WithTrx(tx).FindOne(ctx, &UserPoints{UserID: userID})
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return row.Balance, nil
}

func validateEntry(e Entry) error {
	if e.UserID == "" {
		return errutil.BadRequest("user_id is required")
	}
	if e.Amount <= 0 {
		return errutil.ValidationFailed("amount must be greater than zero")
	}
	if !e.Source.Valid() {
		return errutil.ValidationFailed("unknown source: " + string(e.Source))
	}
	if e.ReferenceID == "" {
		return errutil.BadRequest("reference_id is required")
	}
	return nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, e Entry, kind Kind) (int64, error) {
	points := s.points.WithTrx(tx)
	transactions := s.transactions.WithTrx(tx)

	// Idempotency first: a redelivered event returns the original outcome.
	existing, err := transactions.FindOne(ctx, &PointTransaction{
		UserID:      e.UserID,
		Source:      e.Source,
		ReferenceID: e.ReferenceID,
		Kind:        kind,
	})
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.BalanceAfter, nil
	}

	row, err := points.FindOne(ctx, &UserPoints{UserID: e.UserID}, option.WithLockingUpdate())
	if err != nil {
		return 0, err
	}
	if row == nil {
		if kind == KindSpent {
			return 0, ErrInsufficientPoints
		}
		row = &UserPoints{ID: s.node.Generate(), UserID: e.UserID}
		if err := points.Create(ctx, row); err != nil {
			if !errors.Is(err, gorm.ErrDuplicatedKey) {
				return 0, err
			}
			// Another registration won the race; lock its row instead.
			row, err = points.FindOne(ctx, &UserPoints{UserID: e.UserID}, option.WithLockingUpdate())
			if err != nil {
				return 0, err
			}
			if row == nil {
				return 0, errutil.Internal("user points row vanished after duplicate insert")
			}
		}
	}

	switch kind {
	case KindEarned:
		err = tx.WithContext(ctx).Model(&UserPoints{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{
				"balance":         gorm.Expr("balance + ?", e.Amount),
				"lifetime_earned": gorm.Expr("lifetime_earned + ?", e.Amount),
				"updated_at":      time.Now(),
			}).Error
		if err != nil {
			return 0, err
		}
	case KindSpent:
		res := tx.WithContext(ctx).Model(&UserPoints{}).
			Where("id = ? AND balance >= ?", row.ID, e.Amount).
			Updates(map[string]any{
				"balance":        gorm.Expr("balance - ?", e.Amount),
				"lifetime_spent": gorm.Expr("lifetime_spent + ?", e.Amount),
				"updated_at":     time.Now(),
			})
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 0 {
			return 0, ErrInsufficientPoints
		}
	default:
		return 0, errutil.Internal("unknown transaction kind: " + string(kind))
	}

	current, err := points.FindOne(ctx, &UserPoints{UserID: e.UserID})
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 0, errutil.Internal("user points row vanished mid-transaction")
	}
	if current.Balance < 0 || current.Balance != current.LifetimeEarned-current.LifetimeSpent {
		zap.L().Error("ledger invariant violated, rolling back",
			zap.String("user_id", current.UserID),
			zap.Int64("balance", current.Balance),
			zap.Int64("lifetime_earned", current.LifetimeEarned),
			zap.Int64("lifetime_spent", current.LifetimeSpent),
		)
		return 0, ErrLedgerCorrupt
	}

	code := s.transactionCode(ctx)
	txn := &PointTransaction{
		ID:              s.node.Generate(),
		UserID:          e.UserID,
		Amount:          e.Amount,
		Kind:            kind,
		Source:          e.Source,
		ReferenceID:     e.ReferenceID,
		Description:     e.Description,
		BalanceAfter:    current.Balance,
		TransactionCode: code,
		Metadata:        e.Metadata,
	}
	if err := transactions.Create(ctx, txn); err != nil {
		return 0, err
	}

	return current.Balance, nil
}

func (s *Service) transactionCode(ctx context.Context) string {
	if s.codes != nil {
		if code, err := s.codes.NextTransactionCode(ctx); err == nil {
			return code
		}
		zap.L().Warn("sequence generator unavailable, falling back to random transaction code")
	}
	code, err := GenerateTransactionCode()
	if err != nil {
		return ""
	}
	return code
}

// History lists a user's transactions newest first with cursor pagination.
// source narrows the listing when non-empty.
func (s *Service) History(ctx context.Context, userID string, source Source, p pagination.Pagination) ([]*PointTransaction, *pagination.PageInfo, error) {
	if userID == "" {
		return nil, nil, errutil.BadRequest("user_id is required")
	}
	if source != "" && !source.Valid() {
		return nil, nil, errutil.ValidationFailed("unknown source: " + string(source))
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 250 {
		limit = 250
	}

	query := &PointTransaction{UserID: userID, Source: source}
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

	rows, err := s.transactions.Find(ctx, query, opts...)
	if err != nil {
		return nil, nil, err
	}

	rows, pageInfo := pagination.BuildCursorPageInfo(rows, limit, func(t *PointTransaction) pagination.Cursor {
		return pagination.Cursor{
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        t.ID.String(),
		}
	})
	return rows, pageInfo, nil
}
