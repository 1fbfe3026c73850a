package handlers

import (
	"github.com/fatflowers/entitlement/internal/app/service/membership"
	"github.com/fatflowers/entitlement/internal/app/service/statistics"
	subsvc "github.com/fatflowers/entitlement/internal/app/service/subscription"
	"github.com/fatflowers/entitlement/internal/models"
	"github.com/fatflowers/entitlement/pkg/response"
)

// RespOK is a generic OK envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

type RespWebhook struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    WebhookResult            `json:"data"`
}

type RespMembershipStatus struct {
	Code    response.APIResponseCode    `json:"code"`
	Message string                      `json:"message"`
	Data    membership.MembershipStatus `json:"data"`
}

type RespSubscription struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Subscription      `json:"data"`
}

type RespListSubscriptions struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    subsvc.ScanResponse      `json:"data"`
}

type RespSubscriptionSummary struct {
	Code    response.APIResponseCode   `json:"code"`
	Message string                     `json:"message"`
	Data    statistics.SummaryResponse `json:"data"`
}
