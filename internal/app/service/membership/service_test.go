package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/entitlement/internal/app/service/subscription"
	"github.com/fatflowers/entitlement/internal/app/service/subscription/subscriptiontest"
	"github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/types"
)

func newTestService(t *testing.T) (*Service, *subscriptiontest.MemoryStore) {
	t.Helper()
	store := subscriptiontest.NewMemoryStore()
	repo := subscription.NewRepository(&config.Config{}, store, nil, nil, zap.NewNop().Sugar())
	return NewService(repo, zap.NewNop().Sugar()), store
}

func TestConfirmPurchase_Defaults(t *testing.T) {
	svc, store := newTestService(t)
	row, err := svc.ConfirmPurchase(context.Background(), &PurchaseRequest{UserID: "u-1", PlanType: types.PlanTypeMonthly, Price: 9.99})
	require.NoError(t, err)
	require.Equal(t, "USD", row.Currency)
	require.Equal(t, types.WriteSourceClient, row.Source)
	require.WithinDuration(t, time.Now().AddDate(0, 1, 0), row.ExpiresAt, 5*time.Second)
	require.Len(t, store.Rows("u-1"), 1)
}

func TestConfirmPurchase_ExplicitExpiry(t *testing.T) {
	svc, _ := newTestService(t)
	exp := time.Now().AddDate(0, 0, 10).Truncate(time.Second)
	row, err := svc.ConfirmPurchase(context.Background(), &PurchaseRequest{UserID: "u-1", PlanType: types.PlanTypeYearly, Price: 59.99, Currency: "EUR", ExpiresAt: &exp})
	require.NoError(t, err)
	require.Equal(t, exp, row.ExpiresAt)
	require.Equal(t, "EUR", row.Currency)
}

func TestConfirmPurchase_Validation(t *testing.T) {
	svc, store := newTestService(t)
	cases := map[string]*PurchaseRequest{
		"plan_type": {UserID: "u-1", PlanType: "weekly"},
		"price":     {UserID: "u-1", PlanType: types.PlanTypeMonthly, Price: -1},
		"currency":  {UserID: "u-1", PlanType: types.PlanTypeMonthly, Currency: "usd"},
		"UserID":    {PlanType: types.PlanTypeMonthly},
	}
	for field, req := range cases {
		_, err := svc.ConfirmPurchase(context.Background(), req)
		var ve *subscription.ValidationError
		require.True(t, errors.As(err, &ve), field)
		require.Equal(t, field, ve.Field)
	}

	_, err := svc.ConfirmPurchase(context.Background(), &PurchaseRequest{UserID: "u-1", PlanType: types.PlanTypeMonthly, Currency: "ABC"})
	var ve *subscription.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "currency", ve.Field)
	require.Zero(t, store.Len())
}

func TestConfirmPurchase_StoreFailureSurfaces(t *testing.T) {
	svc, store := newTestService(t)
	store.FailOn("upsert", &subscription.StoreError{Op: "upsert", Code: "unknown", Message: "down"})
	_, err := svc.ConfirmPurchase(context.Background(), &PurchaseRequest{UserID: "u-1", PlanType: types.PlanTypeMonthly})
	require.True(t, subscription.IsStoreError(err))
}

func TestChangePlanAndCancel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ChangePlan(ctx, &ChangePlanRequest{UserID: "u-1", PlanType: types.PlanTypeYearly})
	require.ErrorIs(t, err, ErrNoActiveSubscription)
	_, err = svc.Cancel(ctx, "u-1")
	require.ErrorIs(t, err, ErrNoActiveSubscription)

	_, err = svc.ConfirmPurchase(ctx, &PurchaseRequest{UserID: "u-1", PlanType: types.PlanTypeMonthly, Price: 9.99})
	require.NoError(t, err)

	row, err := svc.ChangePlan(ctx, &ChangePlanRequest{UserID: "u-1", PlanType: types.PlanTypeYearly})
	require.NoError(t, err)
	require.Equal(t, types.PlanTypeYearly, row.PlanType)
	require.Equal(t, types.WriteSourceUser, row.Source)
	require.WithinDuration(t, time.Now().AddDate(1, 0, 0), row.ExpiresAt, 5*time.Second)

	cancelled, err := svc.Cancel(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusCancelled, cancelled.Status)
	require.Equal(t, row.ExpiresAt, cancelled.ExpiresAt)

	_, err = svc.Cancel(ctx, "u-1")
	require.ErrorIs(t, err, ErrNoActiveSubscription)
}

func TestStatus(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	st, err := svc.Status(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, StateNone, st.State)
	require.False(t, st.Entitled)

	_, err = svc.ConfirmPurchase(ctx, &PurchaseRequest{UserID: "u-1", PlanType: types.PlanTypeMonthly})
	require.NoError(t, err)
	st, err = svc.Status(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, StateActive, st.State)
	require.True(t, st.Entitled)

	_, err = svc.Cancel(ctx, "u-1")
	require.NoError(t, err)
	st, err = svc.Status(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, StateCancelled, st.State)
	require.True(t, st.Entitled)

	// the best-effort read never blocks the status call
	store.FailOn("find_by_user", errors.New("timeout"))
	st, err = svc.Status(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, StateNone, st.State)

	// the premium gate read does
	store.FailOn("find_active", &subscription.StoreError{Op: "find_active", Code: "timeout", Message: "timeout"})
	_, err = svc.Status(ctx, "u-1")
	require.True(t, subscription.IsStoreError(err))
}
