package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	mw "github.com/fatflowers/entitlement/internal/app/api/middleware"
	"github.com/fatflowers/entitlement/internal/app/service/membership"
	"github.com/fatflowers/entitlement/pkg/response"
)

// @Summary      Membership status
// @Description  Returns the caller's subscription state and whether premium features are unlocked.
// @Tags         Membership
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.RespMembershipStatus
// @Failure      401  {object}  handlers.RespOK
// @Router       /api/v1/membership/status [get]
func ApiMembershipStatus(svc *membership.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.Status(c.Request.Context(), mw.UserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Confirm purchase
// @Description  Records a purchase the app just completed with the store. Safe to retry.
// @Tags         Membership
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body membership.PurchaseRequest true "Purchase"
// @Success      200  {object}  handlers.RespSubscription
// @Failure      400  {object}  handlers.RespOK
// @Router       /api/v1/membership/purchase [post]
func ApiConfirmPurchase(svc *membership.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req membership.PurchaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}
		req.UserID = mw.UserID(c)
		row, err := svc.ConfirmPurchase(c.Request.Context(), &req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(row))
	}
}

// @Summary      Change plan
// @Description  Switches the caller's active subscription to another plan. The billing period restarts now.
// @Tags         Membership
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body membership.ChangePlanRequest true "Plan change"
// @Success      200  {object}  handlers.RespSubscription
// @Failure      404  {object}  handlers.RespOK
// @Router       /api/v1/membership/change_plan [post]
func ApiChangePlan(svc *membership.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req membership.ChangePlanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}
		req.UserID = mw.UserID(c)
		row, err := svc.ChangePlan(c.Request.Context(), &req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(row))
	}
}

// @Summary      Cancel subscription
// @Description  Cancels the caller's active subscription. Access continues until expires_at.
// @Tags         Membership
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.RespSubscription
// @Failure      404  {object}  handlers.RespOK
// @Router       /api/v1/membership/cancel [post]
func ApiCancel(svc *membership.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		row, err := svc.Cancel(c.Request.Context(), mw.UserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(row))
	}
}

// RegisterMembershipRoutes expects r to be behind the auth middleware.
func RegisterMembershipRoutes(r gin.IRouter, svc *membership.Service) {
	r.GET("/status", ApiMembershipStatus(svc))
	r.POST("/purchase", ApiConfirmPurchase(svc))
	r.POST("/change_plan", ApiChangePlan(svc))
	r.POST("/cancel", ApiCancel(svc))
}
