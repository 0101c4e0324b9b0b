package event

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/bulk-mail/internal/dispatch"
	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository/memory"
	"github.com/jwalitptl/bulk-mail/internal/template"
	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/mailer"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

type fixture struct {
	router    *gin.Engine
	store     *memory.Store
	campaign  *model.Campaign
	recipient *model.Recipient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store := memory.NewStore()
	engine := dispatch.NewEngine(dispatch.Config{InstanceID: "test"}, dispatch.Deps{
		Campaigns:  store.Campaigns(),
		Recipients: store.Recipients(),
		Events:     store.MailEvents(),
		KV:         kvstore.NewMemoryStore(time.Minute),
		Transport:  mailer.NewLogTransport(logger.Nop()),
		Renderer:   template.NewRenderer(store.Templates(), time.Minute),
		Metrics:    metrics.New("test"),
	})

	r := &model.Recipient{Email: "a@example.com"}
	require.NoError(t, store.Recipients().Create(ctx, r))
	c := &model.Campaign{Name: "c", Subject: "s", Status: model.CampaignStatusSending}
	require.NoError(t, store.Campaigns().Create(ctx, c, []uuid.UUID{r.ID}, nil))

	router := gin.New()
	NewHandler(engine, logger.Nop()).RegisterRoutes(router.Group("/api/v1"))
	return &fixture{router: router, store: store, campaign: c, recipient: r}
}

func (f *fixture) post(t *testing.T, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) status(t *testing.T) model.CampaignStatus {
	c, err := f.store.Campaigns().Get(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	return c.Status
}

func TestRecordEventCompletesCampaign(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/api/v1/events", map[string]interface{}{
		"type":         "sent",
		"campaign_id":  f.campaign.ID,
		"recipient_id": f.recipient.ID,
		"message_id":   "m-1",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, model.CampaignStatusCompleted, f.status(t))
}

func TestRecordEventValidation(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/api/v1/events", map[string]interface{}{
		"type":         "TELEPORTED",
		"campaign_id":  f.campaign.ID,
		"recipient_id": f.recipient.ID,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "/api/v1/events", map[string]interface{}{"type": "SENT"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "/api/v1/events", map[string]interface{}{
		"type":         "OPENED",
		"campaign_id":  uuid.New(),
		"recipient_id": f.recipient.ID,
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func snsNotificationBody(t *testing.T, message interface{}) map[string]string {
	raw, err := json.Marshal(message)
	require.NoError(t, err)
	return map[string]string{"Type": "Notification", "Message": string(raw)}
}

func TestSESWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msgID := "ses-123"
	require.NoError(t, f.store.MailEvents().Create(ctx, &model.MailEvent{
		ID: uuid.New(), Type: model.MailEventSent, CampaignID: f.campaign.ID, RecipientID: f.recipient.ID, MessageID: &msgID,
	}))

	body := snsNotificationBody(t, map[string]interface{}{
		"eventType": "Bounce",
		"mail":      map[string]interface{}{"messageId": msgID},
		"bounce": map[string]interface{}{
			"bounceType":        "Permanent",
			"bounceSubType":     "General",
			"bouncedRecipients": []map[string]string{{"diagnosticCode": "550 no such user"}},
		},
	})
	w := f.post(t, "/api/v1/webhooks/ses", body, map[string]string{snsHeaderMessageType: "Notification"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var bounce *model.MailEvent
	for _, e := range f.store.Events(f.campaign.ID) {
		if e.Type == model.MailEventBounced {
			e := e
			bounce = &e
		}
	}
	require.NotNil(t, bounce)
	require.NotNil(t, bounce.Metadata.Bounce)
	assert.Equal(t, "Permanent", bounce.Metadata.Bounce.BounceType)
	assert.Equal(t, "550 no such user", bounce.Metadata.Bounce.DiagnosticCode)
	assert.Equal(t, f.recipient.ID, bounce.RecipientID)
}

func TestSESWebhookUnknownAndSkipped(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/api/v1/webhooks/ses", snsNotificationBody(t, map[string]interface{}{
		"eventType": "Delivery",
		"mail":      map[string]interface{}{"messageId": "nobody"},
	}), nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.post(t, "/api/v1/webhooks/ses", snsNotificationBody(t, map[string]interface{}{
		"eventType": "Send",
		"mail":      map[string]interface{}{"messageId": "whatever"},
	}), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.store.Events(f.campaign.ID))

	w = f.post(t, "/api/v1/webhooks/ses", map[string]string{"Type": "Notification", "Message": "{"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSESSubscriptionConfirmation(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/api/v1/webhooks/ses", map[string]string{
		"Type":         "SubscriptionConfirmation",
		"SubscribeURL": "https://sns.example.com/confirm",
	}, map[string]string{snsHeaderMessageType: "SubscriptionConfirmation"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "SubscriptionConfirmation")
}

func TestSESEventMapping(t *testing.T) {
	cases := map[string]model.MailEventType{
		"Delivery":         model.MailEventDelivered,
		"Open":             model.MailEventOpened,
		"Click":            model.MailEventClicked,
		"Complaint":        model.MailEventComplained,
		"Reject":           model.MailEventRejected,
		"DeliveryDelay":    model.MailEventOther,
		"RenderingFailure": model.MailEventOther,
	}
	for kind, want := range cases {
		ev := &sesEvent{EventType: kind}
		got, _, ok := ev.mailEvent()
		assert.True(t, ok, kind)
		assert.Equal(t, want, got, kind)
	}

	legacy := &sesEvent{NotificationType: "Complaint"}
	got, _, _ := legacy.mailEvent()
	assert.Equal(t, model.MailEventComplained, got)
}
