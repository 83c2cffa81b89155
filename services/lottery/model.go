package lottery

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusDrawn     Status = "drawn"
	StatusCancelled Status = "cancelled"
)

type DrawMethod string

const (
	// DrawRandom picks a winner at random, each ticket purchase weighted
	// by its ticket count.
	DrawRandom DrawMethod = "random"
	// DrawManual lets an operator name the winner, who must hold at least
	// one ticket and clear the request's minimum balance.
	DrawManual DrawMethod = "manual"
)

type Lottery struct {
	ID                snowflake.ID   `gorm:"column:id;primaryKey;autoIncrement:false"`
	Name              string         `gorm:"column:name;not null"`
	Description       string         `gorm:"column:description;type:text"`
	TicketPricePoints int64          `gorm:"column:ticket_price_points;not null"`
	MaxTicketsPerUser int            `gorm:"column:max_tickets_per_user;not null;default:0"` // 0 = unlimited
	Status            Status         `gorm:"column:status;type:varchar(10);not null;default:draft;index"`
	StartsAt          *time.Time     `gorm:"column:starts_at"`
	EndsAt            *time.Time     `gorm:"column:ends_at;index"`
	DrawMethod        DrawMethod     `gorm:"column:draw_method;type:varchar(10)"`
	WinnerUserID      *string        `gorm:"column:winner_user_id"`
	WinnerTicketID    *string        `gorm:"column:winner_ticket_id"`
	DrawnAt           *time.Time     `gorm:"column:drawn_at"`
	Metadata          datatypes.JSON `gorm:"column:metadata"`
	CreatedAt         time.Time      `gorm:"column:created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at"`
}

func (Lottery) TableName() string { return "lotteries" }

// Ticket records one purchase. A purchase can carry several tickets; the
// count is the user's weight in a weighted draw.
type Ticket struct {
	ID          snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false"`
	LotteryID   snowflake.ID `gorm:"column:lottery_id;not null;index:idx_tickets_lottery_user"`
	UserID      string       `gorm:"column:user_id;not null;index:idx_tickets_lottery_user"`
	TicketCount int          `gorm:"column:ticket_count;not null"`
	PointsSpent int64        `gorm:"column:points_spent;not null"`
	TicketCode  string       `gorm:"column:ticket_code"`
	IsWinner    bool         `gorm:"column:is_winner;not null;default:false"`
	CreatedAt   time.Time    `gorm:"column:created_at"`
}

func (Ticket) TableName() string { return "lottery_tickets" }

type CreateInput struct {
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	TicketPricePoints int64          `json:"ticket_price_points"`
	MaxTicketsPerUser int            `json:"max_tickets_per_user"`
	StartsAt          *time.Time     `json:"starts_at"`
	EndsAt            *time.Time     `json:"ends_at"`
	Metadata          datatypes.JSON `json:"metadata"`
}

// DrawRequest selects the winner. WinnerUserID and MinPoints apply to manual
// draws only: the named user must hold a ticket and, when MinPoints is set,
// a current balance of at least that many points.
type DrawRequest struct {
	Method       DrawMethod `json:"method"`
	WinnerUserID string     `json:"winner_user_id"`
	MinPoints    int64      `json:"min_points"`
}
