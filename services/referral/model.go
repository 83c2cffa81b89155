package referral

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	// StatusPending: the referred user registered through a code but has
	// not completed a first order yet.
	StatusPending Status = "pending"
	// StatusCompleted: the first order landed; bonuses may still be
	// mid-flight.
	StatusCompleted Status = "completed"
	// StatusAwarded: both bonuses are on the ledger. Terminal.
	StatusAwarded Status = "awarded"
)

// ReferralCode maps a user to their shareable code. One per user, minted
// lazily on first request.
type ReferralCode struct {
	ID        snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID    string       `gorm:"column:user_id;uniqueIndex;not null"`
	Code      string       `gorm:"column:code;uniqueIndex;not null"`
	CreatedAt time.Time    `gorm:"column:created_at"`
}

func (ReferralCode) TableName() string { return "referral_codes" }

// Referral links a referrer to a referred user. A user can be referred at
// most once, enforced by the unique index on referred_id.
type Referral struct {
	ID              snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false"`
	ReferrerID      string       `gorm:"column:referrer_id;not null;index"`
	ReferredID      string       `gorm:"column:referred_id;not null;uniqueIndex"`
	Code            string       `gorm:"column:code;not null"`
	Status          Status       `gorm:"column:status;type:varchar(10);not null;default:pending"`
	ReferrerAwarded bool         `gorm:"column:referrer_awarded;not null;default:false"`
	ReferredAwarded bool         `gorm:"column:referred_awarded;not null;default:false"`
	CompletedAt     *time.Time   `gorm:"column:completed_at"`
	CreatedAt       time.Time    `gorm:"column:created_at"`
	UpdatedAt       time.Time    `gorm:"column:updated_at"`
}

func (Referral) TableName() string { return "referrals" }
