package campaign

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/middleware"
	"github.com/jwalitptl/bulk-mail/internal/model"
	campaignService "github.com/jwalitptl/bulk-mail/internal/service/campaign"
	"github.com/jwalitptl/bulk-mail/pkg/httputil"
)

type Handler struct {
	service campaignService.CampaignServicer
}

func NewHandler(service campaignService.CampaignServicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	campaigns := r.Group("/campaigns")
	{
		campaigns.POST("", h.CreateCampaign)
		campaigns.GET("", h.ListCampaigns)
		campaigns.GET("/:id", h.GetCampaign)
		campaigns.DELETE("/:id", h.DeleteCampaign)
		campaigns.PATCH("/:id/status", h.UpdateStatus)
		campaigns.POST("/:id/enqueue", h.Enqueue)
		campaigns.GET("/:id/dispatch", h.Dispatch)
		campaigns.GET("/:id/recipients", h.ListRecipients)
		campaigns.POST("/:id/test", h.SendTest)
	}
}

func campaignID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondBadRequest(c, "invalid campaign ID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(c *gin.Context) (model.Pagination, bool) {
	var p model.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		httputil.RespondBadRequest(c, "invalid pagination: "+err.Error())
		return p, false
	}
	if p.Page < 1 {
		p.Page = 1
	}
	p.PageSize = p.Limit()
	return p, true
}

func (h *Handler) CreateCampaign(c *gin.Context) {
	var req campaignService.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondBadRequest(c, err.Error())
		return
	}

	campaign, err := h.service.CreateCampaign(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondCreated(c, campaign)
}

func (h *Handler) ListCampaigns(c *gin.Context) {
	page, ok := pagination(c)
	if !ok {
		return
	}
	campaigns, err := h.service.ListCampaigns(c.Request.Context(), middleware.UserID(c), page)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithPagination(c, campaigns, page.Page, page.PageSize, len(campaigns))
}

func (h *Handler) GetCampaign(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	campaign, err := h.service.GetCampaign(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, campaign)
}

func (h *Handler) DeleteCampaign(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteCampaign(c.Request.Context(), id); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) UpdateStatus(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	var req campaignService.StatusInput
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondBadRequest(c, err.Error())
		return
	}

	campaign, err := h.service.UpdateStatus(c.Request.Context(), id, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, campaign)
}

// Enqueue answers 202 when the campaign entered SENDING, and 200 with the
// current state when it was already sending.
func (h *Handler) Enqueue(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	res, err := h.service.Enqueue(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	status := http.StatusOK
	if res.Accepted {
		status = http.StatusAccepted
	}
	httputil.RespondWithStatus(c, status, res)
}

func (h *Handler) Dispatch(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	d, err := h.service.Dispatch(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, d)
}

func (h *Handler) ListRecipients(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	page, ok := pagination(c)
	if !ok {
		return
	}
	recipients, err := h.service.ListRecipients(c.Request.Context(), id, page)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithPagination(c, recipients, page.Page, page.PageSize, len(recipients))
}

func (h *Handler) SendTest(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	var req campaignService.TestSendInput
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondBadRequest(c, err.Error())
		return
	}
	res, err := h.service.SendTest(c.Request.Context(), id, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, res)
}
