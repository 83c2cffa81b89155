package ledger

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Kind tells whether a transaction added or removed points.
type Kind string

const (
	KindEarned Kind = "earned"
	KindSpent  Kind = "spent"
)

// Source identifies the event class that produced a transaction. Together
// with ReferenceID and Kind it forms the idempotency key for a user.
type Source string

const (
	SourceOrder        Source = "order"
	SourceReferral     Source = "referral"
	SourceLottery      Source = "lottery"
	SourceManual       Source = "manual"
	SourceWelcomeBonus Source = "welcome_bonus"
)

func (s Source) Valid() bool {
	switch s {
	case SourceOrder, SourceReferral, SourceLottery, SourceManual, SourceWelcomeBonus:
		return true
	default:
		return false
	}
}

// UserPoints is the materialized balance row, one per user, created lazily on
// the first credit. balance == lifetime_earned - lifetime_spent at all times.
type UserPoints struct {
	ID             snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID         string       `gorm:"column:user_id;uniqueIndex;not null"`
	Balance        int64        `gorm:"column:balance;not null;default:0"`
	LifetimeEarned int64        `gorm:"column:lifetime_earned;not null;default:0"`
	LifetimeSpent  int64        `gorm:"column:lifetime_spent;not null;default:0"`
	CreatedAt      time.Time    `gorm:"column:created_at"`
	UpdatedAt      time.Time    `gorm:"column:updated_at"`
}

func (UserPoints) TableName() string { return "user_points" }

// PointTransaction is the append-only audit row. Never updated or deleted.
type PointTransaction struct {
	ID              snowflake.ID   `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID          string         `gorm:"column:user_id;not null;index:idx_point_transactions_user_created;uniqueIndex:idx_point_transactions_event"`
	Amount          int64          `gorm:"column:amount;not null"`
	Kind            Kind           `gorm:"column:kind;type:varchar(10);not null;uniqueIndex:idx_point_transactions_event"`
	Source          Source         `gorm:"column:source;type:varchar(20);not null;uniqueIndex:idx_point_transactions_event"`
	ReferenceID     string         `gorm:"column:reference_id;not null;uniqueIndex:idx_point_transactions_event"`
	Description     string         `gorm:"column:description;type:text"`
	BalanceAfter    int64          `gorm:"column:balance_after;not null"`
	TransactionCode string         `gorm:"column:transaction_code"`
	Metadata        datatypes.JSON `gorm:"column:metadata"`
	CreatedAt       time.Time      `gorm:"column:created_at;index:idx_point_transactions_user_created"`
}

func (PointTransaction) TableName() string { return "point_transactions" }

// Entry is the input to Credit and Debit.
type Entry struct {
	UserID      string
	Amount      int64
	Source      Source
	ReferenceID string
	Description string
	Metadata    datatypes.JSON
}

// Balance is the public projection of UserPoints.
type Balance struct {
	UserID         string `json:"user_id"`
	Balance        int64  `json:"balance"`
	LifetimeEarned int64  `json:"lifetime_earned"`
	LifetimeSpent  int64  `json:"lifetime_spent"`
}

// GenerateTransactionCode builds a date-prefixed random code, used when no
// sequence generator is wired.
func GenerateTransactionCode() (string, error) {
	datePart := time.Now().UTC().Format("20060102")

	r := make([]byte, 3) // 3 bytes = 6 hex chars
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	randomPart := strings.ToUpper(fmt.Sprintf("%x", r))

	return fmt.Sprintf("TXN-%s-%s", datePart, randomPart), nil
}
