package statistics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/entitlement/internal/app/service/subscription"
	"github.com/fatflowers/entitlement/internal/models"
	"github.com/fatflowers/entitlement/pkg/logctx"
	"github.com/fatflowers/entitlement/pkg/types"
)

type StatisticType string

const (
	// Current state of the subscriptions table
	StatisticTypeStatusPlanCount StatisticType = "status_plan_count"
	StatisticTypeEntitledCount   StatisticType = "entitled_count"
	StatisticTypeEntitledRevenue StatisticType = "entitled_revenue"

	// Daily series
	StatisticTypeDailyNewSubscriptionCount StatisticType = "daily_new_subscription_count"
	StatisticTypeDailyCancellationCount    StatisticType = "daily_cancellation_count"
	StatisticTypeDailyExpirationCount      StatisticType = "daily_expiration_count"
)

// DefaultStatisticTypes is what an empty request returns.
var DefaultStatisticTypes = []StatisticType{StatisticTypeStatusPlanCount, StatisticTypeEntitledCount}

// filterFields apply to statistics computed from the subscriptions table.
// Series computed from the change log ignore them.
var filterFields = []string{"plan_type", "source", "currency", "started_at", "expires_at"}

var rowStatistics = []StatisticType{
	StatisticTypeStatusPlanCount,
	StatisticTypeEntitledCount,
	StatisticTypeEntitledRevenue,
	StatisticTypeDailyNewSubscriptionCount,
}

var logStatistics = map[StatisticType]types.SubscriptionChangeReason{
	StatisticTypeDailyCancellationCount: types.SubscriptionChangeReasonCancel,
	StatisticTypeDailyExpirationCount:   types.SubscriptionChangeReasonExpire,
}

type SummaryDataItem struct {
	ID StatisticType `json:"id"`
}

type SummaryRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	DataItems []*SummaryDataItem    `json:"data_items"`
}

// Validate rejects unknown statistics and filters outside the allow-list.
func (r *SummaryRequest) Validate() error {
	for _, f := range r.Filters {
		if err := f.Validate(filterFields); err != nil {
			return &subscription.ValidationError{Field: "filters", Message: err.Error()}
		}
	}
	for _, di := range r.DataItems {
		if di == nil || !isKnown(di.ID) {
			return &subscription.ValidationError{Field: "data_items", Message: fmt.Sprintf("invalid data item id: %v", di)}
		}
	}
	return nil
}

func isKnown(id StatisticType) bool {
	_, ok := logStatistics[id]
	return ok || lo.Contains(rowStatistics, id)
}

// filtersFor returns the filters a statistic honours.
func (r *SummaryRequest) filtersFor(id StatisticType) types.FiltersAnd {
	if !lo.Contains(rowStatistics, id) {
		return nil
	}
	return r.Filters
}

type SummaryResponseDataItem struct {
	Date     string         `json:"date,omitempty"`
	Status   string         `json:"status,omitempty"`
	PlanType types.PlanType `json:"plan_type,omitempty"`
	Label    string         `json:"label,omitempty"`
	Value    float64        `json:"value"`
}

type SummaryResponse struct {
	GeneratedAt time.Time                                   `json:"generated_at"`
	DataItems   map[StatisticType][]SummaryResponseDataItem `json:"data_items"`
}

// Service answers aggregate queries for the admin dashboard. It reads the
// tables directly and never writes.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
	now func() time.Time
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log, now: time.Now}
}

func (s *Service) subscriptions(ctx context.Context, filters types.FiltersAnd) *gorm.DB {
	return s.db.WithContext(ctx).
		Table(models.Subscription{}.TableName()).
		Where(clause.Where{Exprs: []clause.Expression{filters}})
}

func (s *Service) getStatusPlanCount(ctx context.Context, req *SummaryRequest) ([]SummaryResponseDataItem, error) {
	var results []SummaryResponseDataItem
	q := s.subscriptions(ctx, req.filtersFor(StatisticTypeStatusPlanCount)).
		Select("status, plan_type, count(*) as value").
		Group("status").
		Group("plan_type").
		Order("status").
		Order("plan_type")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getEntitledCount(ctx context.Context, req *SummaryRequest) ([]SummaryResponseDataItem, error) {
	var results []SummaryResponseDataItem
	q := s.subscriptions(ctx, req.filtersFor(StatisticTypeEntitledCount)).
		Select("plan_type, count(*) as value").
		Where("status <> ?", types.SubscriptionStatusExpired).
		Where("expires_at > ?", s.now()).
		Group("plan_type").
		Order("plan_type")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getEntitledRevenue(ctx context.Context, req *SummaryRequest) ([]SummaryResponseDataItem, error) {
	var results []SummaryResponseDataItem
	q := s.subscriptions(ctx, req.filtersFor(StatisticTypeEntitledRevenue)).
		Select("plan_type, currency as label, sum(price) as value").
		Where("status = ?", types.SubscriptionStatusActive).
		Where("expires_at > ?", s.now()).
		Group("plan_type").
		Group("currency").
		Order("plan_type").
		Order("currency")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyNewSubscriptionCount(ctx context.Context, req *SummaryRequest) ([]SummaryResponseDataItem, error) {
	var results []SummaryResponseDataItem
	q := s.subscriptions(ctx, req.filtersFor(StatisticTypeDailyNewSubscriptionCount)).
		Select("TO_CHAR(started_at, 'YYYY-MM-DD') as date, count(*) as value").
		Group("TO_CHAR(started_at, 'YYYY-MM-DD')").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyReasonCount(ctx context.Context, reason types.SubscriptionChangeReason) ([]SummaryResponseDataItem, error) {
	var results []SummaryResponseDataItem
	q := s.db.WithContext(ctx).
		Table(models.SubscriptionLog{}.TableName()).
		Select("TO_CHAR(created_at, 'YYYY-MM-DD') as date, count(distinct user_id) as value").
		Where("reason = ?", reason).
		Group("TO_CHAR(created_at, 'YYYY-MM-DD')").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getStatistic(ctx context.Context, req *SummaryRequest, id StatisticType) ([]SummaryResponseDataItem, error) {
	if reason, ok := logStatistics[id]; ok {
		return s.getDailyReasonCount(ctx, reason)
	}
	switch id {
	case StatisticTypeStatusPlanCount:
		return s.getStatusPlanCount(ctx, req)
	case StatisticTypeEntitledCount:
		return s.getEntitledCount(ctx, req)
	case StatisticTypeEntitledRevenue:
		return s.getEntitledRevenue(ctx, req)
	case StatisticTypeDailyNewSubscriptionCount:
		return s.getDailyNewSubscriptionCount(ctx, req)
	default:
		return nil, fmt.Errorf("invalid data item id: %s", id)
	}
}

// GetSubscriptionSummary computes the requested statistics concurrently.
// Store failures come back as *subscription.StoreError.
func (s *Service) GetSubscriptionSummary(ctx context.Context, req *SummaryRequest) (*SummaryResponse, error) {
	if req == nil {
		req = &SummaryRequest{}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(req.DataItems) == 0 {
		req.DataItems = lo.Map(DefaultStatisticTypes, func(id StatisticType, _ int) *SummaryDataItem {
			return &SummaryDataItem{ID: id}
		})
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(req.DataItems))
	resChan := make(chan *lo.Entry[StatisticType, []SummaryResponseDataItem], len(req.DataItems))

	for _, item := range req.DataItems {
		wg.Add(1)
		go func(id StatisticType) {
			defer wg.Done()
			res, err := s.getStatistic(ctx, req, id)
			if err != nil {
				errChan <- subscription.ClassifyStoreError("summary_"+string(id), err)
				return
			}
			resChan <- &lo.Entry[StatisticType, []SummaryResponseDataItem]{Key: id, Value: res}
		}(item.ID)
	}

	wg.Wait()
	close(errChan)
	close(resChan)

	if err := <-errChan; err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("subscription summary failed", "err", err)
		return nil, err
	}
	results := make(map[StatisticType][]SummaryResponseDataItem, len(req.DataItems))
	for entry := range resChan {
		results[entry.Key] = entry.Value
	}
	return &SummaryResponse{GeneratedAt: s.now(), DataItems: results}, nil
}

var Module = fx.Options(fx.Provide(New))
