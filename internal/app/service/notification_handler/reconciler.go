package notification_handler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fatflowers/entitlement/internal/app/service/subscription"
	"github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/logctx"
	"github.com/fatflowers/entitlement/pkg/types"
)

// Reconciler applies normalized provider events to the subscription row.
// Every path is safe to replay.
type Reconciler struct {
	cfg   *config.Config
	repo  *subscription.Repository
	users UserResolver
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewReconciler(cfg *config.Config, repo *subscription.Repository, users UserResolver, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{cfg: cfg, repo: repo, users: users, log: log, now: time.Now}
}

// Apply resolves the event's user and performs the matching repository
// write. ev.UserID is set when the user is found. Validation failures come
// back as OutcomeRejected and store failures as OutcomeFailed, both with the
// underlying error.
func (r *Reconciler) Apply(ctx context.Context, ev *Event) (Outcome, error) {
	lg := logctx.FromCtx(ctx, r.log).With("provider", ev.Provider, "event_id", ev.EventID, "event_type", ev.Type, "raw_type", ev.RawType)

	switch ev.Type {
	case EventTypeIgnored:
		lg.Infow("event ignored")
		return OutcomeIgnored, nil
	case EventTypeBillingIssue:
		// access is kept until the provider reports expiration
		lg.Warnw("billing issue reported", "external_user_id", ev.ExternalUserID, "product_id", ev.ProductID)
		return OutcomeRecorded, nil
	}

	userID, err := r.users.Resolve(ctx, ev.UserCandidates())
	if err != nil {
		return OutcomeFailed, err
	}
	if userID == "" {
		lg.Warnw("webhook user not found", "external_user_id", ev.ExternalUserID, "aliases", ev.Aliases)
		return OutcomeUserNotFound, nil
	}
	ev.UserID = userID
	lg = lg.With("user_id", userID)

	var outcome Outcome
	switch ev.Type {
	case EventTypePurchase, EventTypeRenewal, EventTypePlanChange:
		outcome, err = r.upsert(ctx, lg, ev)
	case EventTypeCancellation:
		outcome, err = r.cancel(ctx, lg, ev)
	case EventTypeExpiration:
		outcome, err = r.expire(ctx, lg, ev)
	default:
		lg.Warnw("unhandled event type")
		return OutcomeIgnored, nil
	}
	if err != nil {
		return outcomeForError(err), err
	}
	return outcome, nil
}

func (r *Reconciler) upsert(ctx context.Context, lg *zap.SugaredLogger, ev *Event) (Outcome, error) {
	now := r.now()
	plan := ev.PlanType
	if !plan.Valid() {
		plan = r.cfg.PlanTypeFor(ev.Provider, ev.ProductID)
	}
	expiresAt := ev.ExpiresAt
	if expiresAt.IsZero() {
		from := ev.PurchasedAt
		if from.IsZero() {
			from = now
		}
		expiresAt = plan.ExpiresFrom(from)
	}
	if !expiresAt.After(now) {
		lg.Infow("stale event skipped", "expires_at", expiresAt)
		return OutcomeStale, nil
	}

	price, currency := ev.Price, ev.Currency
	if p := r.cfg.GetProduct(ev.Provider, ev.ProductID); p != nil && price == 0 && currency == "" {
		price, currency = p.Price, p.Currency
	}

	row, err := r.repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
		UserID:    ev.UserID,
		PlanType:  plan,
		Price:     price,
		Currency:  currency,
		ExpiresAt: expiresAt,
		Source:    types.WriteSourceWebhook,
	})
	if err != nil {
		return OutcomeFailed, err
	}
	lg.Infow("webhook applied", "subscription_id", row.ID, "status", row.Status, "expires_at", row.ExpiresAt)
	return OutcomeApplied, nil
}

func (r *Reconciler) cancel(ctx context.Context, lg *zap.SugaredLogger, ev *Event) (Outcome, error) {
	row, err := r.repo.GetActiveSubscription(ctx, ev.UserID)
	if err != nil {
		return OutcomeFailed, err
	}
	if row == nil {
		lg.Infow("no active subscription to cancel")
		return OutcomeNoop, nil
	}
	if _, err := r.repo.Cancel(ctx, row.ID, types.WriteSourceWebhook); err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) || errors.Is(err, subscription.ErrInvalidTransition) {
			return OutcomeNoop, nil
		}
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) expire(ctx context.Context, lg *zap.SugaredLogger, ev *Event) (Outcome, error) {
	row, err := r.repo.GetUserSubscription(ctx, ev.UserID)
	if err != nil {
		return OutcomeFailed, err
	}
	if row == nil || row.Status == types.SubscriptionStatusExpired {
		return OutcomeNoop, nil
	}
	// A provider renewal that landed first moved the boundary past this event's
	// period. Client-written expiries are optimistic and never outrank the provider.
	if !ev.ExpiresAt.IsZero() && row.Status == types.SubscriptionStatusActive &&
		row.Source == types.WriteSourceWebhook && row.ExpiresAt.After(ev.ExpiresAt) {
		lg.Infow("stale expiration skipped", "row_expires_at", row.ExpiresAt, "event_expires_at", ev.ExpiresAt)
		return OutcomeStale, nil
	}
	if _, err := r.repo.Expire(ctx, row.ID); err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return OutcomeNoop, nil
		}
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func outcomeForError(err error) Outcome {
	if subscription.IsValidationError(err) {
		return OutcomeRejected
	}
	return OutcomeFailed
}
