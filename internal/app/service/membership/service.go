package membership

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/entitlement/internal/app/service/subscription"
	"github.com/fatflowers/entitlement/internal/models"
	"github.com/fatflowers/entitlement/pkg/logctx"
	"github.com/fatflowers/entitlement/pkg/types"
)

// ErrNoActiveSubscription is returned by user flows that need an active row.
var ErrNoActiveSubscription = errors.New("no active subscription")

type State string

const (
	StateNone      State = "none"
	StateActive    State = "active"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// PurchaseRequest is sent by the app right after a store purchase succeeds.
type PurchaseRequest struct {
	UserID    string         `json:"-" validate:"required"`
	PlanType  types.PlanType `json:"plan_type" validate:"required,oneof=monthly yearly"`
	Price     float64        `json:"price" validate:"gte=0"`
	Currency  string         `json:"currency,omitempty" validate:"omitempty,iso4217"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

type ChangePlanRequest struct {
	UserID   string         `json:"-" validate:"required"`
	PlanType types.PlanType `json:"plan_type" validate:"required,oneof=monthly yearly"`
}

// MembershipStatus drives the premium gate and the profile badge.
type MembershipStatus struct {
	State        State                `json:"state"`
	Entitled     bool                 `json:"entitled"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
}

type Service struct {
	repo     *subscription.Repository
	validate *validator.Validate
	log      *zap.SugaredLogger
}

func NewService(repo *subscription.Repository, log *zap.SugaredLogger) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{repo: repo, validate: v, log: log}
}

// ConfirmPurchase records a client-optimistic purchase. Failures surface to
// the caller; there is no retry.
func (s *Service) ConfirmPurchase(ctx context.Context, req *PurchaseRequest) (*models.Subscription, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	params := subscription.CreateOrUpdateParams{
		UserID:   req.UserID,
		PlanType: req.PlanType,
		Price:    req.Price,
		Currency: req.Currency,
		Source:   types.WriteSourceClient,
	}
	if req.ExpiresAt != nil {
		params.ExpiresAt = *req.ExpiresAt
	}
	row, err := s.repo.CreateOrUpdate(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("confirm purchase: %w", err)
	}
	return row, nil
}

// ChangePlan switches the active row to planType and resets its billing anchor.
func (s *Service) ChangePlan(ctx context.Context, req *ChangePlanRequest) (*models.Subscription, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	active, err := s.requireActive(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	planType := req.PlanType
	row, err := s.repo.UpdatePlan(ctx, active.ID, subscription.PlanUpdate{PlanType: &planType}, types.WriteSourceUser)
	if err != nil {
		return nil, fmt.Errorf("change plan: %w", err)
	}
	return row, nil
}

// Cancel stops renewal while keeping access until expires_at.
func (s *Service) Cancel(ctx context.Context, userID string) (*models.Subscription, error) {
	active, err := s.requireActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	row, err := s.repo.Cancel(ctx, active.ID, types.WriteSourceUser)
	if err != nil {
		return nil, fmt.Errorf("cancel: %w", err)
	}
	return row, nil
}

// Status reads the premium gate strictly and the lapsed/new distinction on a
// best-effort basis.
func (s *Service) Status(ctx context.Context, userID string) (*MembershipStatus, error) {
	now := time.Now()
	active, err := s.repo.GetActiveSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("membership status: %w", err)
	}
	if active != nil {
		return &MembershipStatus{State: StateActive, Entitled: active.HasAccess(now), Subscription: active}, nil
	}

	recent := s.repo.GetMostRecentSubscription(ctx, userID)
	if recent == nil {
		return &MembershipStatus{State: StateNone}, nil
	}
	st := &MembershipStatus{State: StateExpired, Entitled: recent.HasAccess(now), Subscription: recent}
	if recent.Status == types.SubscriptionStatusCancelled {
		st.State = StateCancelled
	}
	return st, nil
}

func (s *Service) requireActive(ctx context.Context, userID string) (*models.Subscription, error) {
	if userID == "" {
		return nil, &subscription.ValidationError{Field: "user_id", Message: "required"}
	}
	active, err := s.repo.GetActiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		logctx.FromCtx(ctx, s.log).Infow("no active subscription", "user_id", userID)
		return nil, ErrNoActiveSubscription
	}
	return active, nil
}

// check converts validator failures into the repository's ValidationError.
func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &subscription.ValidationError{Field: fe.Field(), Message: fmt.Sprintf("failed %q validation", fe.Tag())}
	}
	return &subscription.ValidationError{Field: "request", Message: err.Error()}
}

var Module = fx.Options(
	fx.Provide(NewService),
)
