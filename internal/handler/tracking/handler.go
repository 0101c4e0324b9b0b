// Package tracking serves the links embedded in sent mail.
package tracking

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/dispatch"
	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/unsubscribe"
	"github.com/jwalitptl/bulk-mail/pkg/httputil"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
)

type Verifier interface {
	Verify(token, wantType string) (recipientID, campaignID uuid.UUID, err error)
}

type RecipientStatusSetter interface {
	SetRecipientStatus(ctx context.Context, id uuid.UUID, status model.RecipientStatus) error
}

type EventRecorder interface {
	RecordDeliveryEvent(ctx context.Context, in dispatch.DeliveryEvent) (*model.MailEvent, error)
}

type Config struct {
	SuccessURL string
	ErrorURL   string
}

type Handler struct {
	verifier   Verifier
	recipients RecipientStatusSetter
	events     EventRecorder
	config     Config
	logger     *logger.Logger
}

func NewHandler(verifier Verifier, recipients RecipientStatusSetter, events EventRecorder, config Config, log *logger.Logger) *Handler {
	return &Handler{
		verifier:   verifier,
		recipients: recipients,
		events:     events,
		config:     config,
		logger:     log,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/unsubscribe", h.Unsubscribe)
	r.GET("/track/click", h.Click)
}

// Unsubscribe always redirects: to the success page when the token was good
// and the recipient is now UNSUBSCRIBED, to the error page otherwise.
func (h *Handler) Unsubscribe(c *gin.Context) {
	recipientID, campaignID, err := h.verifier.Verify(c.Query("token"), unsubscribe.TypeUnsubscribe)
	if err != nil {
		h.logger.Warn("unsubscribe with invalid token", "error", err.Error())
		c.Redirect(http.StatusFound, h.config.ErrorURL)
		return
	}

	if err := h.recipients.SetRecipientStatus(c.Request.Context(), recipientID, model.RecipientStatusUnsubscribed); err != nil {
		h.logger.Error(err, "unsubscribe failed",
			"recipient_id", recipientID.String(),
			"campaign_id", campaignID.String())
		c.Redirect(http.StatusFound, h.config.ErrorURL)
		return
	}
	h.logger.Info("recipient unsubscribed",
		"recipient_id", recipientID.String(),
		"campaign_id", campaignID.String())
	c.Redirect(http.StatusFound, h.config.SuccessURL)
}

// Click records a CLICKED event and redirects to the target. A failure to
// record does not block the redirect.
func (h *Handler) Click(c *gin.Context) {
	target, err := url.Parse(c.Query("url"))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		httputil.RespondBadRequest(c, "invalid url")
		return
	}
	recipientID, campaignID, err := h.verifier.Verify(c.Query("token"), unsubscribe.TypeClick)
	if err != nil {
		httputil.RespondBadRequest(c, "invalid token")
		return
	}

	_, err = h.events.RecordDeliveryEvent(c.Request.Context(), dispatch.DeliveryEvent{
		Type:        model.MailEventClicked,
		CampaignID:  campaignID,
		RecipientID: recipientID,
		Metadata: model.EventMetadata{Click: &model.ClickMetadata{
			Link:      target.String(),
			UserAgent: c.Request.UserAgent(),
			IPAddress: c.ClientIP(),
		}},
	})
	if err != nil {
		h.logger.Error(err, "failed to record click",
			"recipient_id", recipientID.String(),
			"campaign_id", campaignID.String())
	}
	c.Redirect(http.StatusFound, target.String())
}
