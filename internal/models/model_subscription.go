package models

import (
	"time"

	"github.com/fatflowers/entitlement/pkg/types"
)

// Subscription is the single row describing a user's paid plan.
// The unique index on user_id keeps it one row per user at the storage level.
type Subscription struct {
	ID       string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID   string                   `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	PlanType types.PlanType           `gorm:"column:plan_type;type:varchar(16);not null" json:"plan_type"`
	Status   types.SubscriptionStatus `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	Price    float64                  `gorm:"column:price;type:numeric(12,2);not null;default:0" json:"price"`
	Currency string                   `gorm:"column:currency;type:varchar(3);not null;default:'USD'" json:"currency"`
	// StartedAt is set once when the row is first created and survives resubscription.
	StartedAt time.Time `gorm:"column:started_at;not null" json:"started_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null" json:"expires_at"`
	// CancelledAt is non-null iff Status is cancelled.
	CancelledAt *time.Time `gorm:"column:cancelled_at;default:null" json:"cancelled_at"`
	// Source records which writer touched the row last.
	Source    types.WriteSource `gorm:"column:source;type:varchar(16);not null" json:"source"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// Entitled reports whether the row grants premium access at now.
func (s *Subscription) Entitled(now time.Time) bool {
	return s != nil &&
		s.Status == types.SubscriptionStatusActive &&
		s.ExpiresAt.After(now)
}

// HasAccess reports whether premium features stay unlocked at now. A
// cancelled row keeps access until its expiry.
func (s *Subscription) HasAccess(now time.Time) bool {
	return s != nil &&
		s.Status != types.SubscriptionStatusExpired &&
		s.ExpiresAt.After(now)
}

// Clone returns a shallow copy safe to mutate without touching s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}
