package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/entitlement/internal/app/service/membership"
	nh "github.com/fatflowers/entitlement/internal/app/service/notification_handler"
	"github.com/fatflowers/entitlement/internal/app/service/subscription"
	"github.com/fatflowers/entitlement/pkg/response"
)

// zapNop backs logctx lookups on routes mounted without a request logger.
var zapNop = zap.NewNop().Sugar()

// errorCode maps service errors onto envelope codes. Anything unclassified is
// treated as a store failure.
func errorCode(err error) response.APIResponseCode {
	switch {
	case subscription.IsValidationError(err),
		errors.Is(err, nh.ErrMalformedPayload),
		errors.Is(err, nh.ErrUnsupportedProvider):
		return response.APIResponseCodeBadRequest
	case errors.Is(err, subscription.ErrSubscriptionNotFound),
		errors.Is(err, membership.ErrNoActiveSubscription):
		return response.APIResponseCodeNotFound
	case errors.Is(err, subscription.ErrInvalidTransition):
		return response.APIResponseCodeConflict
	}
	return response.APIResponseCodeError
}

func writeError(c *gin.Context, err error) {
	code := errorCode(err)
	msg := err.Error()
	// store details stay in the logs
	if code == response.APIResponseCodeError {
		msg = "internal error"
	}
	c.JSON(code.HTTPStatus(), response.ErrorT[any](code, msg))
}

func writeBadRequest(c *gin.Context, err error) {
	c.JSON(response.APIResponseCodeBadRequest.HTTPStatus(), response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
}
