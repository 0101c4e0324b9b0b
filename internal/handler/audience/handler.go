package audience

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/dispatch"
	"github.com/jwalitptl/bulk-mail/internal/model"
	audienceService "github.com/jwalitptl/bulk-mail/internal/service/audience"
	"github.com/jwalitptl/bulk-mail/pkg/httputil"
)

type Handler struct {
	service  audienceService.AudienceServicer
	renderer dispatch.Renderer
}

func NewHandler(service audienceService.AudienceServicer, renderer dispatch.Renderer) *Handler {
	return &Handler{service: service, renderer: renderer}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	recipients := r.Group("/recipients")
	{
		recipients.POST("", h.CreateRecipient)
		recipients.GET("/:id", h.GetRecipient)
		recipients.POST("/:id/unsubscribe", h.Unsubscribe)
		recipients.PATCH("/:id/status", h.SetRecipientStatus)
	}

	groups := r.Group("/groups")
	{
		groups.POST("", h.CreateGroup)
		groups.POST("/:id/recipients", h.AddGroupMembers)
	}

	templates := r.Group("/templates")
	{
		templates.POST("", h.CreateTemplate)
		templates.GET("/:id", h.GetTemplate)
		templates.GET("/:id/preview", h.PreviewTemplate)
	}
}

func pathID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondBadRequest(c, "invalid "+what+" ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) CreateRecipient(c *gin.Context) {
	var req audienceService.RecipientInput
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondBadRequest(c, err.Error())
		return
	}
	recipient, err := h.service.CreateRecipient(c.Request.Context(), req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondCreated(c, recipient)
}

func (h *Handler) GetRecipient(c *gin.Context) {
	id, ok := pathID(c, "recipient")
	if !ok {
		return
	}
	recipient, err := h.service.GetRecipient(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, recipient)
}

func (h *Handler) Unsubscribe(c *gin.Context) {
	id, ok := pathID(c, "recipient")
	if !ok {
		return
	}
	if err := h.service.SetRecipientStatus(c.Request.Context(), id, model.RecipientStatusUnsubscribed); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type statusRequest struct {
	Status model.RecipientStatus `json:"status" binding:"required"`
}

func (h *Handler) SetRecipientStatus(c *gin.Context) {
	id, ok := pathID(c, "recipient")
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondBadRequest(c, err.Error())
		return
	}
	if err := h.service.SetRecipientStatus(c.Request.Context(), id, req.Status); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var req audienceService.GroupInput
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondBadRequest(c, err.Error())
		return
	}
	group, err := h.service.CreateGroup(c.Request.Context(), req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondCreated(c, group)
}

func (h *Handler) AddGroupMembers(c *gin.Context) {
	id, ok := pathID(c, "group")
	if !ok {
		return
	}
	var req audienceService.MembersInput
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondBadRequest(c, err.Error())
		return
	}
	if err := h.service.AddGroupMembers(c.Request.Context(), id, req); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) CreateTemplate(c *gin.Context) {
	var req audienceService.TemplateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondBadRequest(c, err.Error())
		return
	}
	tpl, err := h.service.CreateTemplate(c.Request.Context(), req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondCreated(c, tpl)
}

func (h *Handler) GetTemplate(c *gin.Context) {
	id, ok := pathID(c, "template")
	if !ok {
		return
	}
	tpl, err := h.service.GetTemplate(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, tpl)
}

// PreviewTemplate renders a template with the query string as merge fields.
func (h *Handler) PreviewTemplate(c *gin.Context) {
	id, ok := pathID(c, "template")
	if !ok {
		return
	}
	if _, err := h.service.GetTemplate(c.Request.Context(), id); err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	fields := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	html, err := h.renderer.Render(c.Request.Context(), id, fields)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"html": html})
}
