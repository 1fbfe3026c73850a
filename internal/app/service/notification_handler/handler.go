package notification_handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/entitlement/internal/models"
	"github.com/fatflowers/entitlement/pkg/logctx"
	"github.com/fatflowers/entitlement/pkg/metrics"
	"github.com/fatflowers/entitlement/pkg/types"
)

// EventLog persists inbound notifications. Begin reports whether the same
// provider event was already handled.
type EventLog interface {
	Begin(ctx context.Context, entry *models.WebhookEventLog) (handled bool, err error)
	Finish(ctx context.Context, entry *models.WebhookEventLog)
}

type NotificationHandler struct {
	parsers    map[types.BillingProvider]NotificationParser
	reconciler *Reconciler
	eventLog   EventLog
	metrics    *metrics.Business
	Logger     *zap.SugaredLogger
}

func NewNotificationHandler(
	rc *RevenueCatParser,
	adapty *AdaptyParser,
	appStore *AppStoreParser,
	reconciler *Reconciler,
	eventLog EventLog,
	m *metrics.Business,
	log *zap.SugaredLogger,
) *NotificationHandler {
	h := &NotificationHandler{
		parsers:    map[types.BillingProvider]NotificationParser{},
		reconciler: reconciler,
		eventLog:   eventLog,
		metrics:    m,
		Logger:     log,
	}
	for _, p := range []NotificationParser{rc, adapty, appStore} {
		h.parsers[p.Provider()] = p
	}
	return h
}

// HandleNotification parses, deduplicates and reconciles one webhook body.
// Malformed bodies and rejected event data return OutcomeRejected with the
// error; store failures return OutcomeFailed with the error.
func (h *NotificationHandler) HandleNotification(ctx context.Context, provider types.BillingProvider, body []byte) (outcome Outcome, resErr error) {
	lg := logctx.FromCtx(ctx, h.Logger).With("provider", provider)
	parser, ok := h.parsers[provider]
	if !ok {
		return OutcomeRejected, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}

	ev, err := parser.Parse(ctx, body)
	if err != nil {
		lg.Warnw("failed to parse notification", "err", err)
		h.metrics.WebhookEvent(string(provider), "unknown", string(OutcomeRejected))
		return OutcomeRejected, err
	}
	lg = lg.With("event_id", ev.EventID, "event_type", ev.Type)

	entry := &models.WebhookEventLog{
		Provider:       provider,
		EventID:        ev.EventID,
		EventType:      ev.RawType,
		ExternalUserID: ev.ExternalUserID,
		TraceID:        logctx.TraceID(ctx),
		Data:           eventData(ev, body),
		Status:         models.WebhookEventLogStatusReceived,
	}
	if !ev.OccurredAt.IsZero() {
		entry.OccurredAt = lo.ToPtr(ev.OccurredAt)
	}

	handled, err := h.eventLog.Begin(ctx, entry)
	if err != nil {
		// the log is best effort; processing is idempotent without it
		lg.Warnw("failed to record notification", "err", err)
	}
	if handled {
		lg.Infow("duplicate notification skipped")
		h.metrics.WebhookEvent(string(provider), string(ev.Type), string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}

	defer func() {
		if ev.UserID != "" {
			entry.UserID = lo.ToPtr(ev.UserID)
		}
		entry.Status = logStatus(outcome)
		result := map[string]any{"outcome": outcome}
		if resErr != nil {
			result["error"] = resErr.Error()
		}
		if b, err := json.Marshal(result); err == nil {
			j := datatypes.JSON(b)
			entry.Result = &j
		}
		h.eventLog.Finish(ctx, entry)
		h.metrics.WebhookEvent(string(provider), string(ev.Type), string(outcome))
	}()

	outcome, resErr = h.reconciler.Apply(ctx, ev)
	if resErr != nil {
		lg.Errorw("failed to reconcile notification", "outcome", outcome, "err", resErr)
		return outcome, resErr
	}
	lg.Infow("notification handled", "outcome", outcome, "user_id", ev.UserID)
	return outcome, nil
}

func eventData(ev *Event, body []byte) datatypes.JSON {
	payload := map[string]any{"event": ev}
	if json.Valid(body) {
		payload["raw"] = json.RawMessage(body)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func logStatus(o Outcome) models.WebhookEventLogStatus {
	switch o {
	case OutcomeApplied, OutcomeNoop, OutcomeRecorded, OutcomeStale:
		return models.WebhookEventLogStatusHandled
	case OutcomeIgnored, OutcomeUserNotFound:
		return models.WebhookEventLogStatusIgnored
	}
	return models.WebhookEventLogStatusFailed
}
