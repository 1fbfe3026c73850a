package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/entitlement/internal/app/service/statistics"
	subsvc "github.com/fatflowers/entitlement/internal/app/service/subscription"
	"github.com/fatflowers/entitlement/pkg/response"
)

// @Summary      List subscriptions (Admin)
// @Description  Retrieves a paginated and filterable list of subscription rows.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body subscription.ScanRequest true "Filters, pagination and sorting"
// @Success      200  {object}  handlers.RespListSubscriptions
// @Failure      400  {object}  handlers.RespOK
// @Router       /api/v1/admin/list_subscriptions [post]
func ApiListSubscriptions(repo *subsvc.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subsvc.ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}
		res, err := repo.ScanSubscriptions(c.Request.Context(), &req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Subscription summary (Admin)
// @Description  Counts subscriptions by status and plan, plus optional daily series.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body statistics.SummaryRequest false "Statistics to compute"
// @Success      200  {object}  handlers.RespSubscriptionSummary
// @Router       /api/v1/admin/subscription_summary [post]
func ApiSubscriptionSummary(svc *statistics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statistics.SummaryRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				writeBadRequest(c, err)
				return
			}
		}
		res, err := svc.GetSubscriptionSummary(c.Request.Context(), &req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// RegisterAdminRoutes expects r to be behind the auth and role middleware.
func RegisterAdminRoutes(r gin.IRouter, repo *subsvc.Repository, stats *statistics.Service) {
	r.POST("/list_subscriptions", ApiListSubscriptions(repo))
	r.POST("/subscription_summary", ApiSubscriptionSummary(stats))
}
