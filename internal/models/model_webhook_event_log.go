package models

import (
	"time"

	"github.com/fatflowers/entitlement/pkg/types"
	"gorm.io/datatypes"
)

type WebhookEventLogStatus string

const (
	WebhookEventLogStatusReceived WebhookEventLogStatus = "received"
	WebhookEventLogStatusHandled  WebhookEventLogStatus = "handled"
	WebhookEventLogStatusIgnored  WebhookEventLogStatus = "ignored"
	WebhookEventLogStatusFailed   WebhookEventLogStatus = "failed"
)

// WebhookEventLog records every inbound billing provider notification.
// EventID is unique per provider so replays can be detected.
type WebhookEventLog struct {
	ID             string                `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Provider       types.BillingProvider `gorm:"column:provider;type:varchar(32);not null;uniqueIndex:idx_webhook_event_provider_event,priority:1" json:"provider"`
	EventID        string                `gorm:"column:event_id;type:varchar(128);not null;uniqueIndex:idx_webhook_event_provider_event,priority:2" json:"event_id"`
	EventType      string                `gorm:"column:event_type;type:varchar(64)" json:"event_type"`
	ExternalUserID string                `gorm:"column:external_user_id;type:varchar(128)" json:"external_user_id"`
	UserID         *string               `gorm:"column:user_id;type:varchar(64)" json:"user_id"`
	TraceID        string                `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	OccurredAt     *time.Time            `gorm:"column:occurred_at" json:"occurred_at"`
	Data           datatypes.JSON        `gorm:"column:data;type:jsonb" json:"data"`
	Result         *datatypes.JSON       `gorm:"column:result;type:jsonb" json:"result"`
	Status         WebhookEventLogStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func (WebhookEventLog) TableName() string { return "webhook_event_log" }
