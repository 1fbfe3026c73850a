package subscription

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fatflowers/entitlement/internal/models"
	"github.com/fatflowers/entitlement/internal/platform/kafka"
	"github.com/fatflowers/entitlement/pkg/logctx"
	"github.com/fatflowers/entitlement/pkg/types"
)

// ChangeEvent is published after every successful subscription write.
type ChangeEvent struct {
	UserID         string                         `json:"user_id"`
	SubscriptionID string                         `json:"subscription_id"`
	Status         types.SubscriptionStatus       `json:"status"`
	PlanType       types.PlanType                 `json:"plan_type"`
	ExpiresAt      time.Time                      `json:"expires_at"`
	Reason         types.SubscriptionChangeReason `json:"reason"`
	Source         types.WriteSource              `json:"source"`
	OccurredAt     time.Time                      `json:"occurred_at"`
}

func newChangeEvent(row *models.Subscription, reason types.SubscriptionChangeReason, source types.WriteSource, at time.Time) ChangeEvent {
	return ChangeEvent{
		UserID:         row.UserID,
		SubscriptionID: row.ID,
		Status:         row.Status,
		PlanType:       row.PlanType,
		ExpiresAt:      row.ExpiresAt,
		Reason:         reason,
		Source:         source,
		OccurredAt:     at,
	}
}

// Notifier fans subscription changes out to other systems. Implementations
// must not fail the write that triggered them.
type Notifier interface {
	Notify(ctx context.Context, ev ChangeEvent)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, ChangeEvent) {}

type kafkaNotifier struct {
	pub *kafka.Publisher
	log *zap.SugaredLogger
}

func (n *kafkaNotifier) Notify(ctx context.Context, ev ChangeEvent) {
	if err := n.pub.Publish(ctx, ev.UserID, string(ev.Reason), ev); err != nil {
		logctx.FromCtx(ctx, n.log).Warnw("subscription change not published", "subscription_id", ev.SubscriptionID, "reason", ev.Reason, "err", err)
	}
}

// NewNotifier publishes to Kafka when a publisher is configured.
func NewNotifier(pub *kafka.Publisher, log *zap.SugaredLogger) Notifier {
	if pub == nil {
		return nopNotifier{}
	}
	return &kafkaNotifier{pub: pub, log: log}
}
