package notification

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
)

const (
	TopicLotteryWinner   = "lottery_winner"
	TopicReferralAwarded = "referral_awarded"
)

// Notification is an outbox row. Writes are fire-and-forget from the
// caller's perspective; delivery happens asynchronously.
type Notification struct {
	ID        snowflake.ID   `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID    string         `gorm:"column:user_id;not null;index"`
	Topic     string         `gorm:"column:topic;not null"`
	Title     string         `gorm:"column:title"`
	Body      string         `gorm:"column:body;type:text"`
	Status    Status         `gorm:"column:status;type:varchar(10);not null;default:pending"`
	SentAt    *time.Time     `gorm:"column:sent_at"`
	Metadata  datatypes.JSON `gorm:"column:metadata"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (Notification) TableName() string { return "notifications" }
