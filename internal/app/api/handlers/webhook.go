package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	mw "github.com/fatflowers/entitlement/internal/app/api/middleware"
	nh "github.com/fatflowers/entitlement/internal/app/service/notification_handler"
	"github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/logctx"
	"github.com/fatflowers/entitlement/pkg/response"
	"github.com/fatflowers/entitlement/pkg/types"
)

// maxWebhookBody bounds provider payloads; App Store JWS bodies are the largest.
const maxWebhookBody = 1 << 20

// WebhookProcessor is implemented by *notification_handler.NotificationHandler.
type WebhookProcessor interface {
	HandleNotification(ctx context.Context, provider types.BillingProvider, body []byte) (nh.Outcome, error)
}

type WebhookResult struct {
	Outcome nh.Outcome `json:"outcome"`
}

// @Summary      Billing provider webhook
// @Description  Receives RevenueCat, Adapty or App Store Server Notifications V2 events and reconciles the user's subscription.
// @Description  Processed, no-op, unknown-user and duplicate events all return 200 so the provider stops retrying.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        provider  path  string  true  "Billing provider"  Enums(revenuecat, adapty, appstore)
// @Param        payload   body  object  true  "Provider payload"
// @Success      200  {object}  handlers.RespWebhook
// @Failure      400  {object}  handlers.RespOK
// @Failure      401  {object}  handlers.RespOK
// @Failure      500  {object}  handlers.RespOK
// @Router       /api/v1/webhooks/{provider} [post]
func ApiWebhook(h WebhookProcessor, provider types.BillingProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		lg := logctx.FromGin(c, zapNop)
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			writeBadRequest(c, err)
			return
		}

		outcome, err := h.HandleNotification(c.Request.Context(), provider, body)
		if err != nil {
			lg.Warnw("webhook_handle_error", "provider", provider, "outcome", outcome, "err", err)
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(WebhookResult{Outcome: outcome}))
	}
}

func RegisterWebhookRoutes(r gin.IRouter, h WebhookProcessor, cfg *config.Config) {
	var secrets config.WebhookConfig
	if cfg != nil {
		secrets = cfg.Webhooks
	}
	r.POST("/revenuecat", mw.WebhookSecret(secrets.RevenueCatSecret), ApiWebhook(h, types.BillingProviderRevenueCat))
	r.POST("/adapty", mw.WebhookSecret(secrets.AdaptySecret), ApiWebhook(h, types.BillingProviderAdapty))
	// App Store payloads are signed, so they carry no shared secret.
	r.POST("/appstore", ApiWebhook(h, types.BillingProviderAppStore))
}
