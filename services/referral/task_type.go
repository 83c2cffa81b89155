package referral

const (
	// TypeUserRegistered is enqueued when a new user signs up, optionally
	// carrying the referral code they used.
	TypeUserRegistered = "referral:user_registered"

	// TypeOrderCompleted is enqueued when a user completes their first
	// order. Redelivery is expected and harmless.
	TypeOrderCompleted = "referral:order_completed"
)

type UserRegisteredPayload struct {
	UserID       string `json:"user_id"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type OrderCompletedPayload struct {
	UserID  string `json:"user_id"`
	OrderID string `json:"order_id"`
}
