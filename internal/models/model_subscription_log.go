package models

import (
	"time"

	"github.com/fatflowers/entitlement/pkg/types"
	"gorm.io/datatypes"
)

// SubscriptionLog is the append-only history of subscription writes.
// Use case: troubleshooting disputes between client and provider writes.
type SubscriptionLog struct {
	ID             string                         `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID         string                         `gorm:"column:user_id;type:varchar(64);index:idx_subscription_log_user_id_id,priority:1;not null" json:"user_id"`
	SubscriptionID string                         `gorm:"column:subscription_id;type:uuid;not null" json:"subscription_id"`
	Reason         types.SubscriptionChangeReason `gorm:"column:reason;type:varchar(32);not null" json:"reason"`
	Source         types.WriteSource              `gorm:"column:source;type:varchar(16);not null" json:"source"`
	// Before is null for the first write of a user.
	Before    datatypes.JSONType[*Subscription] `gorm:"column:before;type:jsonb;default:'null'" json:"before"`
	After     datatypes.JSONType[*Subscription] `gorm:"column:after;type:jsonb;default:'null'" json:"after"`
	Extra     datatypes.JSONMap                 `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time                         `json:"created_at"`
}

func (SubscriptionLog) TableName() string {
	return "subscription_log"
}
