package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/entitlement/internal/models"
	"github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/logctx"
	"github.com/fatflowers/entitlement/pkg/metrics"
	"github.com/fatflowers/entitlement/pkg/tool"
	"github.com/fatflowers/entitlement/pkg/types"
)

const DefaultCurrency = "USD"

var currencyValidator = validator.New()

// Repository is the only component that reads or writes subscription rows.
// One instance is constructed per process and shared by every caller.
type Repository struct {
	store    Store
	notifier Notifier
	metrics  *metrics.Business
	policy   types.ConflictPolicy
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewRepository builds the process-wide repository over store.
func NewRepository(cfg *config.Config, store Store, notifier Notifier, m *metrics.Business, log *zap.SugaredLogger) *Repository {
	policy := types.ConflictPolicyLastWriterWins
	if cfg != nil && cfg.Reconcile.ConflictPolicy != "" {
		policy = cfg.Reconcile.ConflictPolicy
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Repository{store: store, notifier: notifier, metrics: m, policy: policy, log: log, now: time.Now}
}

// CreateOrUpdateParams describes a purchase-like write. ExpiresAt defaults to
// one plan period from now and Currency to USD.
type CreateOrUpdateParams struct {
	UserID    string
	PlanType  types.PlanType
	Price     float64
	Currency  string
	ExpiresAt time.Time
	Source    types.WriteSource
	// Reason overrides the audit reason derived from the transition.
	Reason types.SubscriptionChangeReason
}

// PlanUpdate is a targeted mutation. Nil fields are left untouched.
type PlanUpdate struct {
	PlanType  *types.PlanType
	Status    *types.SubscriptionStatus
	ExpiresAt *time.Time
}

// GetActiveSubscription returns the user's active row, or nil when there is none.
func (r *Repository) GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	defer r.metrics.ObserveStore("find_active", r.now())
	row, err := r.store.FindActiveByUserID(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		logctx.FromCtx(ctx, r.log).Errorw("get active subscription failed", "user_id", userID, "err", err)
		return nil, err
	}
	return row, nil
}

// GetMostRecentSubscription returns the user's row in any status, or nil.
// Store failures are logged and reported as nil.
func (r *Repository) GetMostRecentSubscription(ctx context.Context, userID string) *models.Subscription {
	defer r.metrics.ObserveStore("find_by_user", r.now())
	row, err := r.store.FindByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrSubscriptionNotFound) {
			logctx.FromCtx(ctx, r.log).Errorw("get most recent subscription failed", "user_id", userID, "err", err)
		}
		return nil
	}
	return row
}

// GetUserSubscription returns the user's row in any status, or nil when the
// user never subscribed. Unlike GetMostRecentSubscription it surfaces store
// failures, for callers that write based on the result.
func (r *Repository) GetUserSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	defer r.metrics.ObserveStore("find_by_user", r.now())
	row, err := r.store.FindByUserID(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		logctx.FromCtx(ctx, r.log).Errorw("get user subscription failed", "user_id", userID, "err", err)
		return nil, err
	}
	return row, nil
}

// GetSubscription loads a row by id or returns ErrSubscriptionNotFound.
func (r *Repository) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	row, err := r.store.FindByID(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrSubscriptionNotFound) {
			logctx.FromCtx(ctx, r.log).Errorw("get subscription failed", "subscription_id", id, "err", err)
		}
		return nil, err
	}
	return row, nil
}

// CreateOrUpdate inserts the user's row or reactivates it in place. Repeated
// calls never produce a second row; concurrent calls resolve last-writer-wins.
func (r *Repository) CreateOrUpdate(ctx context.Context, p CreateOrUpdateParams) (row *models.Subscription, err error) {
	lg := logctx.FromCtx(ctx, r.log).With("op", "create_or_update", "user_id", p.UserID, "source", p.Source)
	defer func() { r.metrics.SubscriptionWrite("create_or_update", string(p.Source), err) }()

	now := r.now()
	if p.Currency == "" {
		p.Currency = DefaultCurrency
	}
	if p.ExpiresAt.IsZero() && p.PlanType.Valid() {
		p.ExpiresAt = p.PlanType.ExpiresFrom(now)
	}
	if err := validateCreateOrUpdate(p); err != nil {
		return nil, err
	}

	existing, err := r.store.FindByUserID(ctx, p.UserID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		lg.Errorw("load existing subscription failed", "err", err)
		return nil, err
	}
	startedAt := now
	if existing != nil {
		startedAt = existing.StartedAt
	}
	if !p.ExpiresAt.After(startedAt) {
		return nil, &ValidationError{Field: "expires_at", Message: "must be after started_at"}
	}

	if r.policy == types.ConflictPolicyProviderWins && p.Source == types.WriteSourceClient &&
		existing != nil && existing.Source == types.WriteSourceWebhook && existing.Entitled(now) {
		lg.Infow("client write skipped, provider state is authoritative", "subscription_id", existing.ID)
		return existing, nil
	}

	var from *types.SubscriptionStatus
	if existing != nil {
		from = &existing.Status
	}
	reason := p.Reason
	if reason == "" {
		reason = changeReason(from, eventPurchase)
		if existing != nil && existing.Status == types.SubscriptionStatusActive {
			reason = types.SubscriptionChangeReasonRenewal
			if existing.PlanType != p.PlanType {
				reason = types.SubscriptionChangeReasonPlanChange
			}
		}
	}

	candidate := &models.Subscription{
		ID:        tool.GenerateUUIDV7(),
		UserID:    p.UserID,
		PlanType:  p.PlanType,
		Status:    types.SubscriptionStatusActive,
		Price:     p.Price,
		Currency:  p.Currency,
		StartedAt: now,
		ExpiresAt: p.ExpiresAt,
		Source:    p.Source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	start := r.now()
	row, err = r.store.Upsert(ctx, candidate)
	r.metrics.ObserveStore("upsert", start)
	if err != nil {
		lg.Errorw("upsert subscription failed", "plan_type", p.PlanType, "price", p.Price, "currency", p.Currency, "expires_at", p.ExpiresAt, "err", err)
		return nil, err
	}

	lg.Infow("subscription upserted", "subscription_id", row.ID, "plan_type", row.PlanType, "expires_at", row.ExpiresAt, "reason", reason)
	r.record(ctx, existing, row, reason, p.Source)
	return row, nil
}

// UpdatePlan mutates an existing row. Changing the plan without an explicit
// expiry resets the billing anchor to now.
func (r *Repository) UpdatePlan(ctx context.Context, id string, u PlanUpdate, source types.WriteSource) (row *models.Subscription, err error) {
	lg := logctx.FromCtx(ctx, r.log).With("op", "update_plan", "subscription_id", id, "source", source)
	defer func() { r.metrics.SubscriptionWrite("update_plan", string(source), err) }()

	if u.PlanType == nil && u.Status == nil && u.ExpiresAt == nil {
		return nil, &ValidationError{Field: "update", Message: "nothing to update"}
	}
	if u.PlanType != nil && !u.PlanType.Valid() {
		return nil, &ValidationError{Field: "plan_type", Message: fmt.Sprintf("unknown plan %q", *u.PlanType)}
	}
	if u.Status != nil {
		switch *u.Status {
		case types.SubscriptionStatusActive, types.SubscriptionStatusCancelled:
		case types.SubscriptionStatusExpired:
			return nil, &ValidationError{Field: "status", Message: "expiration is reported by the billing provider only"}
		default:
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", *u.Status)}
		}
	}

	current, err := r.store.FindByID(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrSubscriptionNotFound) {
			lg.Errorw("load subscription failed", "err", err)
		}
		return nil, err
	}

	ev := eventRenew
	switch {
	case u.Status != nil && *u.Status == types.SubscriptionStatusCancelled:
		ev = eventCancel
	case u.Status != nil && current.Status == types.SubscriptionStatusCancelled:
		ev = eventResubscribe
	case u.PlanType != nil:
		ev = eventPlanChange
	}
	to, err := nextStatus(current.Status, ev)
	if err != nil {
		return nil, err
	}

	now := r.now()
	next := current.Clone()
	next.Status = to
	next.Source = source
	next.UpdatedAt = now
	if u.PlanType != nil {
		next.PlanType = *u.PlanType
	}
	switch {
	case to == types.SubscriptionStatusCancelled && current.Status != types.SubscriptionStatusCancelled:
		next.CancelledAt = &now
	case to == types.SubscriptionStatusActive:
		next.CancelledAt = nil
	}
	switch {
	case u.ExpiresAt != nil:
		next.ExpiresAt = *u.ExpiresAt
	case ev == eventPlanChange || ev == eventResubscribe,
		u.PlanType != nil && *u.PlanType != current.PlanType:
		next.ExpiresAt = next.PlanType.ExpiresFrom(now)
	}
	if !next.ExpiresAt.After(next.StartedAt) {
		return nil, &ValidationError{Field: "expires_at", Message: "must be after started_at"}
	}

	start := r.now()
	err = r.store.Update(ctx, next)
	r.metrics.ObserveStore("update", start)
	if err != nil {
		if !errors.Is(err, ErrSubscriptionNotFound) {
			lg.Errorw("update subscription failed", "user_id", current.UserID, "status", to, "plan_type", next.PlanType, "expires_at", next.ExpiresAt, "err", err)
		}
		return nil, err
	}

	reason := changeReason(&current.Status, ev)
	lg.Infow("subscription updated", "user_id", next.UserID, "from", current.Status, "to", to, "reason", reason)
	r.record(ctx, current, next, reason, source)
	return next, nil
}

// Cancel keeps expires_at so access continues until the end of the period.
func (r *Repository) Cancel(ctx context.Context, id string, source types.WriteSource) (*models.Subscription, error) {
	status := types.SubscriptionStatusCancelled
	return r.UpdatePlan(ctx, id, PlanUpdate{Status: &status}, source)
}

// Expire moves an active or cancelled row to expired. Only the billing
// provider path calls it; expiring an expired row is a no-op.
func (r *Repository) Expire(ctx context.Context, id string) (row *models.Subscription, err error) {
	lg := logctx.FromCtx(ctx, r.log).With("op", "expire", "subscription_id", id)
	defer func() { r.metrics.SubscriptionWrite("expire", string(types.WriteSourceWebhook), err) }()

	current, err := r.store.FindByID(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrSubscriptionNotFound) {
			lg.Errorw("load subscription failed", "err", err)
		}
		return nil, err
	}
	if current.Status == types.SubscriptionStatusExpired {
		return current, nil
	}
	to, err := nextStatus(current.Status, eventExpire)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	next.Status = to
	next.CancelledAt = nil
	next.Source = types.WriteSourceWebhook
	next.UpdatedAt = r.now()

	start := r.now()
	err = r.store.Update(ctx, next)
	r.metrics.ObserveStore("update", start)
	if err != nil {
		if !errors.Is(err, ErrSubscriptionNotFound) {
			lg.Errorw("expire subscription failed", "user_id", current.UserID, "err", err)
		}
		return nil, err
	}

	lg.Infow("subscription expired", "user_id", next.UserID, "from", current.Status)
	r.record(ctx, current, next, types.SubscriptionChangeReasonExpire, types.WriteSourceWebhook)
	return next, nil
}

// ScanSubscriptions lists rows for admin pages.
func (r *Repository) ScanSubscriptions(ctx context.Context, req *ScanRequest) (*ScanResponse, error) {
	if req == nil {
		return nil, &ValidationError{Field: "request", Message: "required"}
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	if req.From < 0 {
		req.From = 0
	}
	for _, f := range req.Filters {
		if err := f.Validate(ScanFilterFields); err != nil {
			return nil, &ValidationError{Field: "filters", Message: err.Error()}
		}
	}
	if req.SortBy != "" && !lo.Contains(ScanFilterFields, req.SortBy) {
		return nil, &ValidationError{Field: "sort_by", Message: fmt.Sprintf("%q is not sortable", req.SortBy)}
	}

	rows, total, err := r.store.Scan(ctx, req)
	if err != nil {
		logctx.FromCtx(ctx, r.log).Errorw("scan subscriptions failed", "err", err)
		return nil, err
	}
	return &ScanResponse{Items: rows, Total: total}, nil
}

// record appends the audit row and notifies listeners. Failures are logged.
func (r *Repository) record(ctx context.Context, before, after *models.Subscription, reason types.SubscriptionChangeReason, source types.WriteSource) {
	entry := &models.SubscriptionLog{
		ID:             tool.GenerateUUIDV7(),
		UserID:         after.UserID,
		SubscriptionID: after.ID,
		Reason:         reason,
		Source:         source,
		Before:         datatypes.NewJSONType(before.Clone()),
		After:          datatypes.NewJSONType(after.Clone()),
		Extra:          datatypes.JSONMap{},
	}
	if tid := logctx.TraceID(ctx); tid != "" {
		entry.Extra["trace_id"] = tid
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		logctx.FromCtx(ctx, r.log).Errorw("failed to save subscription log", "subscription_id", after.ID, "err", err)
	}
	r.notifier.Notify(ctx, newChangeEvent(after, reason, source, r.now()))
}

func validateCreateOrUpdate(p CreateOrUpdateParams) error {
	switch {
	case strings.TrimSpace(p.UserID) == "":
		return &ValidationError{Field: "user_id", Message: "required"}
	case !p.PlanType.Valid():
		return &ValidationError{Field: "plan_type", Message: fmt.Sprintf("unknown plan %q", p.PlanType)}
	case p.Price < 0:
		return &ValidationError{Field: "price", Message: "must not be negative"}
	case currencyValidator.Var(p.Currency, "iso4217") != nil:
		return &ValidationError{Field: "currency", Message: "must be a 3-letter ISO 4217 code"}
	}
	switch p.Source {
	case types.WriteSourceClient, types.WriteSourceWebhook, types.WriteSourceUser:
	default:
		return &ValidationError{Field: "source", Message: fmt.Sprintf("unknown source %q", p.Source)}
	}
	return nil
}

