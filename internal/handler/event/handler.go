package event

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/dispatch"
	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	apperrors "github.com/jwalitptl/bulk-mail/pkg/errors"
	"github.com/jwalitptl/bulk-mail/pkg/httputil"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
)

// Recorder appends delivery events and re-checks campaign completion.
type Recorder interface {
	RecordDeliveryEvent(ctx context.Context, in dispatch.DeliveryEvent) (*model.MailEvent, error)
	RecordProviderEvent(ctx context.Context, messageID string, typ model.MailEventType, meta model.EventMetadata) (*model.MailEvent, error)
}

type Handler struct {
	recorder Recorder
	logger   *logger.Logger
}

func NewHandler(recorder Recorder, log *logger.Logger) *Handler {
	return &Handler{recorder: recorder, logger: log}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/events", h.RecordEvent)
	r.POST("/webhooks/ses", h.HandleSES)
}

type recordEventRequest struct {
	Type        string              `json:"type" binding:"required"`
	CampaignID  uuid.UUID           `json:"campaign_id" binding:"required"`
	RecipientID uuid.UUID           `json:"recipient_id" binding:"required"`
	MessageID   string              `json:"message_id"`
	Metadata    model.EventMetadata `json:"metadata"`
}

// RecordEvent is the synchronous ingestion path for delivery events.
func (h *Handler) RecordEvent(c *gin.Context) {
	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondBadRequest(c, err.Error())
		return
	}

	typ := model.MailEventType(strings.ToUpper(strings.TrimSpace(req.Type)))
	if !typ.Valid() {
		httputil.RespondBadRequest(c, "unknown event type "+req.Type)
		return
	}
	in := dispatch.DeliveryEvent{
		Type:        typ,
		CampaignID:  req.CampaignID,
		RecipientID: req.RecipientID,
		Metadata:    req.Metadata,
	}
	if req.MessageID != "" {
		in.MessageID = &req.MessageID
	}

	event, err := h.recorder.RecordDeliveryEvent(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = apperrors.NotFound("campaign", err)
		}
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondCreated(c, event)
}

// HandleSES receives SES events through an SNS HTTP subscription. Unknown
// message ids are acknowledged so SNS does not redeliver them.
func (h *Handler) HandleSES(c *gin.Context) {
	var envelope snsEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		httputil.RespondBadRequest(c, err.Error())
		return
	}
	messageType := c.GetHeader(snsHeaderMessageType)
	if messageType == "" {
		messageType = envelope.Type
	}

	switch messageType {
	case snsSubscriptionConfirm:
		// Confirmation is done by an operator visiting the URL.
		h.logger.Info("SNS subscription confirmation received",
			"topic_arn", envelope.TopicArn,
			"subscribe_url", envelope.SubscribeURL)
		httputil.RespondWithSuccess(c, gin.H{"received": true, "type": messageType})
		return
	case snsNotification:
	default:
		httputil.RespondWithSuccess(c, gin.H{"received": true, "type": messageType})
		return
	}

	ev, err := parseSESEvent(envelope.Message)
	if err != nil {
		httputil.RespondBadRequest(c, err.Error())
		return
	}
	typ, meta, ok := ev.mailEvent()
	if !ok {
		httputil.RespondWithSuccess(c, gin.H{"received": true, "recorded": false})
		return
	}

	event, err := h.recorder.RecordProviderEvent(c.Request.Context(), ev.Mail.MessageID, typ, meta)
	if errors.Is(err, dispatch.ErrUnknownMessage) {
		h.logger.Warn("SES event for unknown message",
			"message_id", ev.Mail.MessageID,
			"ses_event_type", ev.kind())
		c.JSON(http.StatusAccepted, httputil.NewSuccessResponse(gin.H{"received": true, "recorded": false}))
		return
	}
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"received": true, "recorded": true, "event": event})
}
