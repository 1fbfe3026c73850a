package subscription

import (
	"context"

	"github.com/fatflowers/entitlement/internal/models"
	"github.com/fatflowers/entitlement/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the persistence boundary of the repository. Implementations map
// their native errors through ClassifyStoreError semantics: ErrSubscriptionNotFound
// for missing rows, *StoreError for everything else.
type Store interface {
	FindByID(ctx context.Context, id string) (*models.Subscription, error)
	// FindByUserID returns the user's row regardless of status.
	FindByUserID(ctx context.Context, userID string) (*models.Subscription, error)
	FindActiveByUserID(ctx context.Context, userID string) (*models.Subscription, error)
	// Upsert inserts row or, when a row for row.UserID exists, overwrites its
	// mutable columns in one statement. It returns the stored row.
	Upsert(ctx context.Context, row *models.Subscription) (*models.Subscription, error)
	// Update writes the mutable columns of an existing row by id.
	Update(ctx context.Context, row *models.Subscription) error
	AppendLog(ctx context.Context, log *models.SubscriptionLog) error
	Scan(ctx context.Context, req *ScanRequest) ([]*models.Subscription, int64, error)
}

// upsertColumns are overwritten on conflict. id, started_at and created_at
// keep their first-insert values.
var upsertColumns = []string{"plan_type", "status", "price", "currency", "expires_at", "cancelled_at", "source", "updated_at"}

var updateColumns = []string{"plan_type", "status", "expires_at", "cancelled_at", "source", "updated_at"}

// ScanFilterFields are the columns admin listings may filter and sort on.
var ScanFilterFields = []string{"id", "user_id", "plan_type", "status", "source", "currency", "started_at", "expires_at", "cancelled_at", "created_at", "updated_at"}

type ScanRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type ScanResponse struct {
	Items []*models.Subscription `json:"items"`
	Total int64                  `json:"total"`
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) FindByID(ctx context.Context, id string) (*models.Subscription, error) {
	var row models.Subscription
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, ClassifyStoreError("find_by_id", err)
	}
	return &row, nil
}

func (s *gormStore) FindByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	var row models.Subscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("updated_at desc").First(&row).Error; err != nil {
		return nil, ClassifyStoreError("find_by_user", err)
	}
	return &row, nil
}

func (s *gormStore) FindActiveByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	var row models.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, types.SubscriptionStatusActive).
		Order("updated_at desc").
		First(&row).Error
	if err != nil {
		return nil, ClassifyStoreError("find_active", err)
	}
	return &row, nil
}

func (s *gormStore) Upsert(ctx context.Context, row *models.Subscription) (*models.Subscription, error) {
	err := s.db.WithContext(ctx).
		Clauses(
			clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns(upsertColumns),
			},
			clause.Returning{},
		).
		Create(row).Error
	if err != nil {
		return nil, ClassifyStoreError("upsert", err)
	}
	return row, nil
}

func (s *gormStore) Update(ctx context.Context, row *models.Subscription) error {
	res := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", row.ID).
		Select(updateColumns).
		Updates(row)
	if res.Error != nil {
		return ClassifyStoreError("update", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *gormStore) AppendLog(ctx context.Context, log *models.SubscriptionLog) error {
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return ClassifyStoreError("append_log", err)
	}
	return nil
}

func (s *gormStore) Scan(ctx context.Context, req *ScanRequest) ([]*models.Subscription, int64, error) {
	tx := s.db.WithContext(ctx).Model(&models.Subscription{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{types.FiltersAnd(req.Filters)}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, ClassifyStoreError("scan_count", err)
	}

	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	if req.SortBy != "" {
		q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: req.SortBy}, Desc: req.SortOrder != "asc"}}})
	}

	var rows []*models.Subscription
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, ClassifyStoreError("scan", err)
	}
	return rows, total, nil
}
