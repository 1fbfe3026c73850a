package notification_log

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/entitlement/internal/models"
	"github.com/fatflowers/entitlement/pkg/logctx"
	"github.com/fatflowers/entitlement/pkg/tool"
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
	now func() time.Time
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log, now: time.Now}
}

// Begin inserts the entry or, for a redelivered event, reuses the existing
// row. It reports handled when the earlier delivery already finished with a
// handled or ignored status; entry.ID is always set on success.
func (s *Service) Begin(ctx context.Context, entry *models.WebhookEventLog) (bool, error) {
	if entry == nil {
		return false, nil
	}
	if entry.ID == "" {
		entry.ID = tool.GenerateUUIDV7()
	}
	now := s.now()
	entry.CreatedAt, entry.UpdatedAt = now, now
	if entry.Status == "" {
		entry.Status = models.WebhookEventLogStatusReceived
	}

	// On conflict only the trace is refreshed, so RETURNING yields the id and
	// status of the first delivery.
	err := s.db.WithContext(ctx).
		Clauses(
			clause.OnConflict{
				Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"trace_id", "updated_at"}),
			},
			clause.Returning{Columns: []clause.Column{{Name: "id"}, {Name: "status"}}},
		).
		Create(entry).Error
	if err != nil {
		logctx.FromCtx(ctx, s.log).Errorf("failed to save webhook event log: %v", err)
		return false, err
	}
	switch entry.Status {
	case models.WebhookEventLogStatusHandled, models.WebhookEventLogStatusIgnored:
		return true, nil
	}
	entry.Status = models.WebhookEventLogStatusReceived
	return false, nil
}

// Finish stores the final status and result. Failures are logged only.
func (s *Service) Finish(ctx context.Context, entry *models.WebhookEventLog) {
	if entry == nil || entry.ID == "" {
		return
	}
	updates := map[string]any{
		"status":     entry.Status,
		"result":     entry.Result,
		"user_id":    entry.UserID,
		"updated_at": s.now(),
	}
	// the provider may hang up before we finish
	ctx = context.WithoutCancel(ctx)
	err := s.db.WithContext(ctx).
		Model(&models.WebhookEventLog{}).
		Where("id = ?", entry.ID).
		Updates(updates).Error
	if err != nil {
		logctx.FromCtx(ctx, s.log).Errorf("failed to update webhook event log: %v", err)
	}
}

var Module = fx.Options(fx.Provide(New))
