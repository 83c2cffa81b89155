package referral

import (
	"context"
	"errors"
	"time"

	"rewards-engine/pkg/config"
	"rewards-engine/pkg/db/option"
	"rewards-engine/pkg/db/pagination"
	"rewards-engine/pkg/errutil"
	"rewards-engine/pkg/repository"
	"rewards-engine/pkg/sequence"
	"rewards-engine/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const codeLength = 8

// ErrReferralNotEligible covers self-referral and other rejected signups.
var ErrReferralNotEligible = errors.New("referral not eligible")

// Notifier announces a settled award to both sides. Fire-and-forget: an
// award never fails because a notification could not be sent.
type Notifier interface {
	NotifyReferralAwarded(ctx context.Context, referrerID, referredID, referralID string)
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	cfg       *config.Config
	codes     repository.Repository[ReferralCode]
	referrals repository.Repository[Referral]
	ledger    *ledger.Service
	notifier  Notifier
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Codes     repository.Repository[ReferralCode]
	Referrals repository.Repository[Referral]
	Ledger    *ledger.Service
	Notifier  Notifier `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		cfg:       p.Config,
		codes:     p.Codes,
		referrals: p.Referrals,
		ledger:    p.Ledger,
		notifier:  p.Notifier,
	}
}

// GetOrCreateCode returns the user's referral code, minting one on first
// call. Collisions on the 8-char code space are retried with a fresh draw.
func (s *Service) GetOrCreateCode(ctx context.Context, userID string) (*ReferralCode, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required")
	}

	existing, err := s.codes.FindOne(ctx, &ReferralCode{UserID: userID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err := sequence.RandomCode(codeLength)
		if err != nil {
			return nil, err
		}

		row := &ReferralCode{ID: s.node.Generate(), UserID: userID, Code: code}
		err = s.codes.Create(ctx, row)
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}

		// Either the code collided or a concurrent call minted the
		// user's code first. The latter wins.
		existing, ferr := s.codes.FindOne(ctx, &ReferralCode{UserID: userID})
		if ferr != nil {
			return nil, ferr
		}
		if existing != nil {
			return existing, nil
		}
	}

	return nil, errutil.Internal("could not mint a unique referral code")
}

// RegisterReferral records that referredID signed up through code. Unknown
// codes and repeat registrations are no-ops so event redelivery stays safe;
// self-referral is rejected.
func (s *Service) RegisterReferral(ctx context.Context, code, referredID string) (*Referral, error) {
	if code == "" || referredID == "" {
		return nil, errutil.BadRequest("code and referred_id are required")
	}

	owner, err := s.codes.FindOne(ctx, &ReferralCode{Code: code})
	if err != nil {
		return nil, err
	}
	if owner == nil {
		zap.L().Info("referral code unknown, ignoring", zap.String("code", code))
		return nil, nil
	}
	if owner.UserID == referredID {
		return nil, ErrReferralNotEligible
	}

	row := &Referral{
		ID:         s.node.Generate(),
		ReferrerID: owner.UserID,
		ReferredID: referredID,
		Code:       code,
		Status:     StatusPending,
	}
	if err := s.referrals.Create(ctx, row); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.referrals.FindOne(ctx, &Referral{ReferredID: referredID})
		}
		return nil, err
	}
	return row, nil
}

// OnUserRegistered grants the welcome bonus and, when a referral code was
// supplied, records the referral. Both halves are idempotent on their own.
func (s *Service) OnUserRegistered(ctx context.Context, userID, code string) error {
	if userID == "" {
		return errutil.BadRequest("user_id is required")
	}

	if bonus := s.cfg.Rewards.WelcomeBonus; bonus > 0 {
		_, err := s.ledger.Credit(ctx, ledger.Entry{
			UserID:      userID,
			Amount:      bonus,
			Source:      ledger.SourceWelcomeBonus,
			ReferenceID: userID,
			Description: "welcome bonus",
		})
		if err != nil {
			return err
		}
	}

	if code == "" {
		return nil
	}
	_, err := s.RegisterReferral(ctx, code, userID)
	if errors.Is(err, ErrReferralNotEligible) {
		zap.L().Warn("self-referral rejected", zap.String("user_id", userID), zap.String("code", code))
		return nil
	}
	return err
}

// OnFirstOrderCompleted advances the referred user's referral to awarded and
// credits both sides. Safe to call any number of times: once awarded, later
// deliveries are no-ops, and a crash between the credits and the final state
// flip is healed on the next delivery because the ledger credits are
// idempotent.
func (s *Service) OnFirstOrderCompleted(ctx context.Context, referredID, orderID string) error {
	if referredID == "" {
		return errutil.BadRequest("referred_id is required")
	}

	row, err := s.referrals.FindOne(ctx, &Referral{ReferredID: referredID})
	if err != nil {
		return err
	}
	if row == nil || row.Status == StatusAwarded {
		return nil
	}

	var awarded *Referral
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		referrals := s.referrals.WithTrx(tx)

		locked, err := referrals.FindOne(ctx, &Referral{ReferredID: referredID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if locked == nil || locked.Status == StatusAwarded {
			return nil
		}

		if locked.Status == StatusPending {
			now := time.Now()
			res := tx.WithContext(ctx).Model(&Referral{}).
				Where("id = ? AND status = ?", locked.ID, StatusPending).
				Updates(map[string]any{
					"status":       StatusCompleted,
					"completed_at": now,
					"updated_at":   now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Lost a race with another delivery; it owns the award.
				return nil
			}
		}

		ref := locked.ID.String()
		if _, err := s.ledger.ApplyCredit(ctx, tx, ledger.Entry{
			UserID:      locked.ReferrerID,
			Amount:      s.cfg.Rewards.ReferrerBonus,
			Source:      ledger.SourceReferral,
			ReferenceID: ref,
			Description: "referral bonus",
		}); err != nil {
			return err
		}
		if _, err := s.ledger.ApplyCredit(ctx, tx, ledger.Entry{
			UserID:      locked.ReferredID,
			Amount:      s.cfg.Rewards.ReferredBonus,
			Source:      ledger.SourceReferral,
			ReferenceID: ref,
			Description: "referred signup bonus",
		}); err != nil {
			return err
		}

		res := tx.WithContext(ctx).Model(&Referral{}).
			Where("id = ? AND status = ?", locked.ID, StatusCompleted).
			Updates(map[string]any{
				"status":           StatusAwarded,
				"referrer_awarded": true,
				"referred_awarded": true,
				"updated_at":       time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("referral state changed mid-award")
		}

		zap.L().Info("referral awarded",
			zap.String("referral_id", ref),
			zap.String("referrer_id", locked.ReferrerID),
			zap.String("referred_id", locked.ReferredID),
			zap.String("order_id", orderID),
		)
		awarded = locked
		return nil
	})
	if err != nil {
		return err
	}

	if awarded != nil && s.notifier != nil {
		s.notifier.NotifyReferralAwarded(ctx, awarded.ReferrerID, awarded.ReferredID, awarded.ID.String())
	}
	return nil
}

// ListByReferrer pages through a referrer's referrals, newest first.
func (s *Service) ListByReferrer(ctx context.Context, referrerID string, p pagination.Pagination) ([]*Referral, *pagination.PageInfo, error) {
	if referrerID == "" {
		return nil, nil, errutil.BadRequest("referrer_id is required")
	}

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

	rows, err := s.referrals.Find(ctx, &Referral{ReferrerID: referrerID}, opts...)
	if err != nil {
		return nil, nil, err
	}

	rows, pageInfo := pagination.BuildCursorPageInfo(rows, limit, func(r *Referral) pagination.Cursor {
		return pagination.Cursor{
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        r.ID.String(),
		}
	})
	return rows, pageInfo, nil
}
