package event

import (
	"encoding/json"
	"fmt"

	"github.com/jwalitptl/bulk-mail/internal/model"
)

const (
	snsHeaderMessageType   = "x-amz-sns-message-type"
	snsSubscriptionConfirm = "SubscriptionConfirmation"
	snsNotification        = "Notification"
)

// snsEnvelope is the outer SNS HTTP delivery.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

// sesEvent covers both the event publishing (eventType) and the legacy
// notification (notificationType) shapes.
type sesEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID   string   `json:"messageId"`
		Destination []string `json:"destination"`
	} `json:"mail"`
	Delivery *struct {
		ProcessingTimeMillis int64  `json:"processingTimeMillis"`
		SMTPResponse         string `json:"smtpResponse"`
	} `json:"delivery"`
	Bounce *struct {
		BounceType        string `json:"bounceType"`
		BounceSubType     string `json:"bounceSubType"`
		BouncedRecipients []struct {
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
	} `json:"complaint"`
	Open *struct {
		UserAgent string `json:"userAgent"`
		IPAddress string `json:"ipAddress"`
	} `json:"open"`
	Click *struct {
		Link      string `json:"link"`
		UserAgent string `json:"userAgent"`
		IPAddress string `json:"ipAddress"`
	} `json:"click"`
	Reject *struct {
		Reason string `json:"reason"`
	} `json:"reject"`
}

var sesEventTypes = map[string]model.MailEventType{
	"Delivery":  model.MailEventDelivered,
	"Open":      model.MailEventOpened,
	"Click":     model.MailEventClicked,
	"Bounce":    model.MailEventBounced,
	"Complaint": model.MailEventComplained,
	"Reject":    model.MailEventRejected,
}

func parseSESEvent(message string) (*sesEvent, error) {
	var ev sesEvent
	if err := json.Unmarshal([]byte(message), &ev); err != nil {
		return nil, fmt.Errorf("invalid SES message: %w", err)
	}
	if ev.Mail.MessageID == "" {
		return nil, fmt.Errorf("SES message has no mail.messageId")
	}
	return &ev, nil
}

func (e *sesEvent) kind() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.NotificationType
}

// mailEvent maps the SES event onto a mail event type and metadata. Send
// events are skipped because the executor already records SENT itself.
func (e *sesEvent) mailEvent() (model.MailEventType, model.EventMetadata, bool) {
	kind := e.kind()
	if kind == "Send" {
		return "", model.EventMetadata{}, false
	}
	typ, ok := sesEventTypes[kind]
	if !ok {
		return model.MailEventOther, model.EventMetadata{Extra: map[string]interface{}{"ses_event_type": kind}}, true
	}

	var meta model.EventMetadata
	switch {
	case e.Delivery != nil:
		meta.Delivery = &model.DeliveryMetadata{
			SMTPResponse:         e.Delivery.SMTPResponse,
			ProcessingTimeMillis: e.Delivery.ProcessingTimeMillis,
		}
	case e.Bounce != nil:
		meta.Bounce = &model.BounceMetadata{BounceType: e.Bounce.BounceType, BounceSubType: e.Bounce.BounceSubType}
		if len(e.Bounce.BouncedRecipients) > 0 {
			meta.Bounce.DiagnosticCode = e.Bounce.BouncedRecipients[0].DiagnosticCode
		}
	case e.Complaint != nil:
		meta.Complaint = &model.ComplaintMetadata{FeedbackType: e.Complaint.ComplaintFeedbackType}
	case e.Open != nil:
		meta.Open = &model.OpenMetadata{UserAgent: e.Open.UserAgent, IPAddress: e.Open.IPAddress}
	case e.Click != nil:
		meta.Click = &model.ClickMetadata{Link: e.Click.Link, UserAgent: e.Click.UserAgent, IPAddress: e.Click.IPAddress}
	case e.Reject != nil:
		meta.Failure = &model.FailureMetadata{Error: "rejected by provider", Reason: e.Reject.Reason}
	}
	return typ, meta, true
}
