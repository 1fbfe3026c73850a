package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fatflowers/entitlement/internal/app/service/subscription"
	"github.com/fatflowers/entitlement/internal/app/service/subscription/subscriptiontest"
	"github.com/fatflowers/entitlement/internal/models"
	"github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/types"
)

const tolerance = 5 * time.Second

func newRepo(t *testing.T, policy types.ConflictPolicy) (*subscription.Repository, *subscriptiontest.MemoryStore, *subscriptiontest.Notifier) {
	t.Helper()
	store := subscriptiontest.NewMemoryStore()
	notifier := &subscriptiontest.Notifier{}
	cfg := &config.Config{Reconcile: config.ReconcileConfig{ConflictPolicy: policy}}
	return subscription.NewRepository(cfg, store, notifier, nil, zap.NewNop().Sugar()), store, notifier
}

func TestCreateOrUpdate_IdempotentUpsert(t *testing.T) {
	repo, store, _ := newRepo(t, "")
	ctx := context.Background()
	expires := time.Now().AddDate(0, 1, 0).Truncate(time.Second)
	params := subscription.CreateOrUpdateParams{
		UserID: "u-1", PlanType: types.PlanTypeMonthly, Price: 9.99, Currency: "USD",
		ExpiresAt: expires, Source: types.WriteSourceClient,
	}

	first, err := repo.CreateOrUpdate(ctx, params)
	require.NoError(t, err)
	second, err := repo.CreateOrUpdate(ctx, params)
	require.NoError(t, err)

	rows := store.Rows("u-1")
	require.Len(t, rows, 1)
	require.Equal(t, types.SubscriptionStatusActive, rows[0].Status)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, expires, rows[0].ExpiresAt)
	require.Nil(t, rows[0].CancelledAt)
}

func TestCreateOrUpdate_RaceConvergesToLastWriter(t *testing.T) {
	for i := 0; i < 20; i++ {
		repo, store, _ := newRepo(t, "")
		ctx := context.Background()

		var wg sync.WaitGroup
		for _, plan := range []types.PlanType{types.PlanTypeMonthly, types.PlanTypeYearly} {
			wg.Add(1)
			go func(plan types.PlanType) {
				defer wg.Done()
				source := types.WriteSourceClient
				if plan == types.PlanTypeYearly {
					source = types.WriteSourceWebhook
				}
				_, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
					UserID: "u-race", PlanType: plan, Price: 1, Source: source,
				})
				assert.NoError(t, err)
			}(plan)
		}
		wg.Wait()

		rows := store.Rows("u-race")
		require.Len(t, rows, 1)
		applied := store.Upserts()
		require.Len(t, applied, 2)
		require.Equal(t, applied[len(applied)-1].PlanType, rows[0].PlanType)
	}
}

func TestCreateOrUpdate_DefaultsAndValidation(t *testing.T) {
	repo, _, _ := newRepo(t, "")
	ctx := context.Background()

	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
		UserID: "u-1", PlanType: types.PlanTypeYearly, Price: 59.99, Source: types.WriteSourceClient,
	})
	require.NoError(t, err)
	require.Equal(t, "USD", row.Currency)
	require.WithinDuration(t, time.Now().AddDate(1, 0, 0), row.ExpiresAt, tolerance)

	cases := []struct {
		name  string
		p     subscription.CreateOrUpdateParams
		field string
	}{
		{"missing user", subscription.CreateOrUpdateParams{PlanType: types.PlanTypeMonthly, Source: types.WriteSourceClient}, "user_id"},
		{"bad plan", subscription.CreateOrUpdateParams{UserID: "u", PlanType: "weekly", Source: types.WriteSourceClient}, "plan_type"},
		{"negative price", subscription.CreateOrUpdateParams{UserID: "u", PlanType: types.PlanTypeMonthly, Price: -1, Source: types.WriteSourceClient}, "price"},
		{"bad currency", subscription.CreateOrUpdateParams{UserID: "u", PlanType: types.PlanTypeMonthly, Currency: "usd", Source: types.WriteSourceClient}, "currency"},
		{"no source", subscription.CreateOrUpdateParams{UserID: "u", PlanType: types.PlanTypeMonthly}, "source"},
		{"expiry in past", subscription.CreateOrUpdateParams{UserID: "u", PlanType: types.PlanTypeMonthly, ExpiresAt: time.Now().Add(-time.Hour), Source: types.WriteSourceWebhook}, "expires_at"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := repo.CreateOrUpdate(ctx, c.p)
			var ve *subscription.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			require.Equal(t, c.field, ve.Field)
		})
	}
}

func TestCreateOrUpdate_StoreFailureSurfaces(t *testing.T) {
	repo, store, notifier := newRepo(t, "")
	store.FailOn("upsert", &subscription.StoreError{Op: "upsert", Code: "08006", Message: "connection failure"})

	_, err := repo.CreateOrUpdate(context.Background(), subscription.CreateOrUpdateParams{
		UserID: "u-1", PlanType: types.PlanTypeMonthly, Source: types.WriteSourceClient,
	})
	require.True(t, subscription.IsStoreError(err))
	require.Empty(t, store.Logs())
	require.Empty(t, notifier.Events())
}

func TestCancel_PreservesAccessWindow(t *testing.T) {
	repo, _, notifier := newRepo(t, "")
	ctx := context.Background()
	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
		UserID: "u-2", PlanType: types.PlanTypeYearly, Price: 59.99, Source: types.WriteSourceWebhook,
	})
	require.NoError(t, err)

	cancelled, err := repo.Cancel(ctx, row.ID, types.WriteSourceUser)
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	require.WithinDuration(t, time.Now(), *cancelled.CancelledAt, tolerance)
	require.Equal(t, row.ExpiresAt, cancelled.ExpiresAt)

	// a second cancel keeps the original stamp
	again, err := repo.Cancel(ctx, row.ID, types.WriteSourceUser)
	require.NoError(t, err)
	require.Equal(t, *cancelled.CancelledAt, *again.CancelledAt)

	events := notifier.Events()
	require.Equal(t, types.SubscriptionChangeReasonCancel, events[len(events)-1].Reason)
}

func TestUpdatePlan_ResetsAnchor(t *testing.T) {
	repo, _, _ := newRepo(t, "")
	ctx := context.Background()
	oldExpiry := time.Now().AddDate(0, 0, 20)
	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
		UserID: "u-3", PlanType: types.PlanTypeMonthly, ExpiresAt: oldExpiry, Source: types.WriteSourceClient,
	})
	require.NoError(t, err)

	updated, err := repo.UpdatePlan(ctx, row.ID, subscription.PlanUpdate{PlanType: lo.ToPtr(types.PlanTypeYearly)}, types.WriteSourceUser)
	require.NoError(t, err)
	require.Equal(t, types.PlanTypeYearly, updated.PlanType)
	require.WithinDuration(t, time.Now().AddDate(1, 0, 0), updated.ExpiresAt, tolerance)
	require.True(t, updated.ExpiresAt.Before(oldExpiry.AddDate(1, 0, 0)))
	require.Equal(t, row.StartedAt, updated.StartedAt)

	explicit := time.Now().AddDate(0, 3, 0).Truncate(time.Second)
	updated, err = repo.UpdatePlan(ctx, row.ID, subscription.PlanUpdate{PlanType: lo.ToPtr(types.PlanTypeMonthly), ExpiresAt: &explicit}, types.WriteSourceUser)
	require.NoError(t, err)
	require.Equal(t, explicit, updated.ExpiresAt)
}

func TestUpdatePlan_PlanChangeWithCancelRecomputesExpiry(t *testing.T) {
	repo, _, _ := newRepo(t, "")
	ctx := context.Background()
	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
		UserID: "u-3b", PlanType: types.PlanTypeMonthly, Source: types.WriteSourceClient,
	})
	require.NoError(t, err)

	updated, err := repo.UpdatePlan(ctx, row.ID, subscription.PlanUpdate{
		PlanType: lo.ToPtr(types.PlanTypeYearly),
		Status:   lo.ToPtr(types.SubscriptionStatusCancelled),
	}, types.WriteSourceUser)
	require.NoError(t, err)
	require.Equal(t, types.PlanTypeYearly, updated.PlanType)
	require.Equal(t, types.SubscriptionStatusCancelled, updated.Status)
	require.NotNil(t, updated.CancelledAt)
	require.WithinDuration(t, time.Now().AddDate(1, 0, 0), updated.ExpiresAt, tolerance)

	// same plan with a status change keeps the boundary
	again, err := repo.UpdatePlan(ctx, row.ID, subscription.PlanUpdate{
		PlanType: lo.ToPtr(types.PlanTypeYearly),
		Status:   lo.ToPtr(types.SubscriptionStatusCancelled),
	}, types.WriteSourceUser)
	require.NoError(t, err)
	require.Equal(t, updated.ExpiresAt, again.ExpiresAt)
}

func TestCreateOrUpdate_CurrencyMustBeISO4217(t *testing.T) {
	repo, _, _ := newRepo(t, "")
	ctx := context.Background()
	for _, code := range []string{"ABC", "usd", "EURO"} {
		_, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
			UserID: "u-cur", PlanType: types.PlanTypeMonthly, Currency: code, Source: types.WriteSourceClient,
		})
		var ve *subscription.ValidationError
		require.True(t, errors.As(err, &ve), "%s: got %v", code, err)
		require.Equal(t, "currency", ve.Field)
	}
	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
		UserID: "u-cur", PlanType: types.PlanTypeMonthly, Currency: "JPY", Source: types.WriteSourceClient,
	})
	require.NoError(t, err)
	require.Equal(t, "JPY", row.Currency)
}

func TestUpdatePlan_Errors(t *testing.T) {
	repo, store, _ := newRepo(t, "")
	ctx := context.Background()

	_, err := repo.UpdatePlan(ctx, "missing", subscription.PlanUpdate{PlanType: lo.ToPtr(types.PlanTypeYearly)}, types.WriteSourceUser)
	require.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	require.Zero(t, store.Len())

	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{UserID: "u-4", PlanType: types.PlanTypeMonthly, Source: types.WriteSourceClient})
	require.NoError(t, err)

	_, err = repo.UpdatePlan(ctx, row.ID, subscription.PlanUpdate{Status: lo.ToPtr(types.SubscriptionStatusExpired)}, types.WriteSourceClient)
	require.True(t, subscription.IsValidationError(err))

	_, err = repo.UpdatePlan(ctx, row.ID, subscription.PlanUpdate{}, types.WriteSourceClient)
	require.True(t, subscription.IsValidationError(err))

	_, err = repo.Cancel(ctx, row.ID, types.WriteSourceUser)
	require.NoError(t, err)
	_, err = repo.UpdatePlan(ctx, row.ID, subscription.PlanUpdate{PlanType: lo.ToPtr(types.PlanTypeYearly)}, types.WriteSourceUser)
	require.ErrorIs(t, err, subscription.ErrInvalidTransition)

	_, err = repo.Expire(ctx, row.ID)
	require.NoError(t, err)
	_, err = repo.Cancel(ctx, row.ID, types.WriteSourceUser)
	require.ErrorIs(t, err, subscription.ErrInvalidTransition)
}

func TestUpdatePlan_ResubscribeFromCancelled(t *testing.T) {
	repo, _, _ := newRepo(t, "")
	ctx := context.Background()
	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{UserID: "u-5", PlanType: types.PlanTypeMonthly, Source: types.WriteSourceClient})
	require.NoError(t, err)
	_, err = repo.Cancel(ctx, row.ID, types.WriteSourceUser)
	require.NoError(t, err)

	active, err := repo.UpdatePlan(ctx, row.ID, subscription.PlanUpdate{Status: lo.ToPtr(types.SubscriptionStatusActive)}, types.WriteSourceUser)
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusActive, active.Status)
	require.Nil(t, active.CancelledAt)
	require.WithinDuration(t, time.Now().AddDate(0, 1, 0), active.ExpiresAt, tolerance)
}

func TestCreateOrUpdate_ResubscribeReactivatesExpiredRow(t *testing.T) {
	repo, store, _ := newRepo(t, "")
	ctx := context.Background()
	startedAt := time.Now().AddDate(-1, 0, 0).Truncate(time.Second)
	store.Put(&models.Subscription{
		ID: "sub-old", UserID: "u-6", PlanType: types.PlanTypeMonthly, Status: types.SubscriptionStatusExpired,
		Price: 9.99, Currency: "USD", StartedAt: startedAt, ExpiresAt: startedAt.AddDate(0, 1, 0),
		Source: types.WriteSourceWebhook,
	})

	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{UserID: "u-6", PlanType: types.PlanTypeYearly, Price: 59.99, Source: types.WriteSourceClient})
	require.NoError(t, err)

	rows := store.Rows("u-6")
	require.Len(t, rows, 1)
	require.Equal(t, "sub-old", row.ID)
	require.Equal(t, types.SubscriptionStatusActive, rows[0].Status)
	require.Equal(t, startedAt, rows[0].StartedAt)

	logs := store.Logs()
	require.Equal(t, types.SubscriptionChangeReasonResubscribe, logs[len(logs)-1].Reason)
	require.Equal(t, types.SubscriptionStatusExpired, logs[len(logs)-1].Before.Data().Status)
}

func TestExpire(t *testing.T) {
	repo, store, _ := newRepo(t, "")
	ctx := context.Background()
	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{UserID: "u-7", PlanType: types.PlanTypeMonthly, Source: types.WriteSourceClient})
	require.NoError(t, err)
	_, err = repo.Cancel(ctx, row.ID, types.WriteSourceUser)
	require.NoError(t, err)

	expired, err := repo.Expire(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusExpired, expired.Status)
	require.Nil(t, expired.CancelledAt)
	require.Equal(t, types.WriteSourceWebhook, expired.Source)

	logCount := len(store.Logs())
	again, err := repo.Expire(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusExpired, again.Status)
	require.Len(t, store.Logs(), logCount)

	_, err = repo.Expire(ctx, "missing")
	require.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func TestReads(t *testing.T) {
	repo, store, _ := newRepo(t, "")
	ctx := context.Background()

	active, err := repo.GetActiveSubscription(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, active)
	require.Nil(t, repo.GetMostRecentSubscription(ctx, "nobody"))

	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{UserID: "u-8", PlanType: types.PlanTypeMonthly, Source: types.WriteSourceClient})
	require.NoError(t, err)
	_, err = repo.Cancel(ctx, row.ID, types.WriteSourceUser)
	require.NoError(t, err)

	active, err = repo.GetActiveSubscription(ctx, "u-8")
	require.NoError(t, err)
	require.Nil(t, active)
	recent := repo.GetMostRecentSubscription(ctx, "u-8")
	require.NotNil(t, recent)
	require.Equal(t, types.SubscriptionStatusCancelled, recent.Status)

	strict, err := repo.GetUserSubscription(ctx, "u-8")
	require.NoError(t, err)
	require.Equal(t, row.ID, strict.ID)
	strict, err = repo.GetUserSubscription(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, strict)

	got, err := repo.GetSubscription(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, row.ID, got.ID)

	boom := &subscription.StoreError{Op: "find", Code: "unknown", Message: "boom"}
	store.FailOn("find_active", boom)
	store.FailOn("find_by_user", boom)
	_, err = repo.GetActiveSubscription(ctx, "u-8")
	require.ErrorIs(t, err, boom)
	require.Nil(t, repo.GetMostRecentSubscription(ctx, "u-8"))
	_, err = repo.GetUserSubscription(ctx, "u-8")
	require.ErrorIs(t, err, boom)
}

func TestGetMostRecentSubscription_LogsStoreFailureAtError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	store := subscriptiontest.NewMemoryStore()
	repo := subscription.NewRepository(&config.Config{}, store, nil, nil, zap.New(core).Sugar())

	require.Nil(t, repo.GetMostRecentSubscription(context.Background(), "nobody"))
	require.Zero(t, logs.Len())

	store.FailOn("find_by_user", &subscription.StoreError{Op: "find", Code: "unknown", Message: "boom"})
	require.Nil(t, repo.GetMostRecentSubscription(context.Background(), "u-9"))
	entries := logs.FilterMessage("get most recent subscription failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	require.Equal(t, "u-9", entries[0].ContextMap()["user_id"])
}

func TestConflictPolicy_ProviderWins(t *testing.T) {
	repo, store, _ := newRepo(t, types.ConflictPolicyProviderWins)
	ctx := context.Background()
	providerExpiry := time.Now().AddDate(0, 1, 2).Truncate(time.Second)

	_, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
		UserID: "u-9", PlanType: types.PlanTypeMonthly, ExpiresAt: providerExpiry, Source: types.WriteSourceWebhook,
	})
	require.NoError(t, err)

	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{UserID: "u-9", PlanType: types.PlanTypeMonthly, Source: types.WriteSourceClient})
	require.NoError(t, err)
	require.Equal(t, providerExpiry, row.ExpiresAt)
	require.Equal(t, types.WriteSourceWebhook, store.Rows("u-9")[0].Source)
}

func TestConflictPolicy_LastWriterWins(t *testing.T) {
	repo, store, _ := newRepo(t, types.ConflictPolicyLastWriterWins)
	ctx := context.Background()

	_, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
		UserID: "u-10", PlanType: types.PlanTypeMonthly, ExpiresAt: time.Now().AddDate(0, 1, 2), Source: types.WriteSourceWebhook,
	})
	require.NoError(t, err)
	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{UserID: "u-10", PlanType: types.PlanTypeMonthly, Source: types.WriteSourceClient})
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().AddDate(0, 1, 0), row.ExpiresAt, tolerance)
	require.Equal(t, types.WriteSourceClient, store.Rows("u-10")[0].Source)
}

func TestScenario_ClientThenRenewalWebhook(t *testing.T) {
	repo, store, _ := newRepo(t, "")
	ctx := context.Background()

	created, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
		UserID: "U1", PlanType: types.PlanTypeMonthly, Price: 9.99, Currency: "USD", Source: types.WriteSourceClient,
	})
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusActive, created.Status)
	require.WithinDuration(t, time.Now().AddDate(0, 1, 0), created.ExpiresAt, tolerance)

	webhookExpiry := time.Now().AddDate(0, 1, 2).Truncate(time.Millisecond)
	renewed, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
		UserID: "U1", PlanType: types.PlanTypeMonthly, Price: 9.99, Currency: "USD",
		ExpiresAt: webhookExpiry, Source: types.WriteSourceWebhook,
	})
	require.NoError(t, err)
	require.Equal(t, created.ID, renewed.ID)
	require.Equal(t, webhookExpiry, renewed.ExpiresAt)
	require.Equal(t, types.SubscriptionStatusActive, renewed.Status)
	require.Len(t, store.Rows("U1"), 1)

	logs := store.Logs()
	require.Equal(t, types.SubscriptionChangeReasonPurchase, logs[0].Reason)
	require.Equal(t, types.SubscriptionChangeReasonRenewal, logs[1].Reason)
}

func TestScenario_CancelThenProviderExpiration(t *testing.T) {
	repo, _, _ := newRepo(t, "")
	ctx := context.Background()

	row, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{
		UserID: "U2", PlanType: types.PlanTypeYearly, Price: 59.99, Source: types.WriteSourceWebhook,
	})
	require.NoError(t, err)

	cancelled, err := repo.Cancel(ctx, row.ID, types.WriteSourceUser)
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusCancelled, cancelled.Status)
	require.WithinDuration(t, time.Now().AddDate(1, 0, 0), cancelled.ExpiresAt, tolerance)

	expired, err := repo.Expire(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusExpired, expired.Status)
}

func TestScanSubscriptions(t *testing.T) {
	repo, _, _ := newRepo(t, "")
	ctx := context.Background()
	for _, uid := range []string{"a", "b", "c"} {
		_, err := repo.CreateOrUpdate(ctx, subscription.CreateOrUpdateParams{UserID: uid, PlanType: types.PlanTypeMonthly, Source: types.WriteSourceClient})
		require.NoError(t, err)
	}

	res, err := repo.ScanSubscriptions(ctx, &subscription.ScanRequest{
		Filters: []*types.CommonFilter{{Field: "user_id", Operator: types.CommonFilterOperatorEq, Values: []any{"b"}}},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Total)
	require.Equal(t, "b", res.Items[0].UserID)

	_, err = repo.ScanSubscriptions(ctx, &subscription.ScanRequest{
		Filters: []*types.CommonFilter{{Field: "price; drop table", Operator: types.CommonFilterOperatorEq, Values: []any{1}}},
	})
	require.True(t, subscription.IsValidationError(err))

	_, err = repo.ScanSubscriptions(ctx, &subscription.ScanRequest{SortBy: "nope"})
	require.True(t, subscription.IsValidationError(err))
}
