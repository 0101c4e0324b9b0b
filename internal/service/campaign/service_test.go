package campaign

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/bulk-mail/internal/dispatch"
	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository/memory"
	"github.com/jwalitptl/bulk-mail/internal/template"
	apperrors "github.com/jwalitptl/bulk-mail/pkg/errors"
	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/mailer"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

type fixture struct {
	store   *memory.Store
	kv      *kvstore.MemoryStore
	engine  *dispatch.Engine
	service *Service
	tpl     *model.Template
	user    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewStore(),
		kv:    kvstore.NewMemoryStore(time.Minute),
		user:  uuid.New(),
	}
	f.engine = dispatch.NewEngine(dispatch.Config{InstanceID: "test"}, dispatch.Deps{
		Campaigns:  f.store.Campaigns(),
		Recipients: f.store.Recipients(),
		Events:     f.store.MailEvents(),
		KV:         f.kv,
		Transport:  mailer.NewLogTransport(logger.Nop()),
		Renderer:   template.NewRenderer(f.store.Templates(), time.Minute),
		Logger:     logger.Nop(),
		Metrics:    metrics.New("test"),
	})
	f.service = NewService(f.store.Campaigns(), f.store.Recipients(), f.store.Templates(), f.engine, logger.Nop())

	f.tpl = &model.Template{Name: "welcome", HTML: "<p>Hi {{name}}</p>"}
	require.NoError(t, f.store.Templates().Create(context.Background(), f.tpl))
	return f
}

func (f *fixture) recipients(t *testing.T, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		r := &model.Recipient{Email: uuid.NewString() + "@example.com", Name: "R"}
		require.NoError(t, f.store.Recipients().Create(context.Background(), r))
		ids = append(ids, r.ID)
	}
	return ids
}

func (f *fixture) input(recipients []uuid.UUID) CreateInput {
	return CreateInput{
		Name:         "June newsletter",
		Subject:      "Hello {{name}}",
		SenderEmail:  "news@example.com",
		TemplateID:   f.tpl.ID,
		RecipientIDs: recipients,
	}
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	require.Error(t, err)
	return apperrors.HTTPStatus(err)
}

func TestCreateCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.recipients(t, 2)

	c, err := f.service.CreateCampaign(ctx, f.user, f.input(append(ids, ids[0], uuid.Nil)))
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusDraft, c.Status)
	assert.Equal(t, f.user, c.UserID)

	page, err := f.service.ListRecipients(ctx, c.ID, model.Pagination{})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestCreateCampaign_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.input(nil)
	in.Name = ""
	in.SenderEmail = "not-an-email"
	_, err := f.service.CreateCampaign(ctx, f.user, in)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "sender_email must be a valid email")

	in = f.input(nil)
	in.TemplateID = uuid.New()
	_, err = f.service.CreateCampaign(ctx, f.user, in)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	in = f.input(nil)
	past := time.Now().Add(-time.Hour)
	in.ScheduledAt = &past
	_, err = f.service.CreateCampaign(ctx, f.user, in)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
}

func TestCreateCampaign_Scheduled(t *testing.T) {
	f := newFixture(t)
	at := time.Now().Add(time.Hour).UTC()
	in := f.input(f.recipients(t, 1))
	in.ScheduledAt = &at

	c, err := f.service.CreateCampaign(context.Background(), f.user, in)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusScheduled, c.Status)
	require.NotNil(t, c.ScheduledAt)
	assert.WithinDuration(t, at, *c.ScheduledAt, time.Second)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.service.CreateCampaign(ctx, f.user, f.input(f.recipients(t, 1)))
	require.NoError(t, err)

	_, err = f.service.UpdateStatus(ctx, c.ID, StatusInput{Status: model.CampaignStatusCompleted})
	assert.Equal(t, http.StatusConflict, statusOf(t, err))

	_, err = f.service.UpdateStatus(ctx, c.ID, StatusInput{Status: model.CampaignStatusScheduled})
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	_, err = f.service.UpdateStatus(ctx, c.ID, StatusInput{Status: "PAUSED"})
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	_, err = f.service.UpdateStatus(ctx, uuid.New(), StatusInput{Status: model.CampaignStatusCancelled})
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))

	updated, err := f.service.UpdateStatus(ctx, c.ID, StatusInput{Status: model.CampaignStatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCancelled, updated.Status)
}

func TestEnqueueAndDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.service.CreateCampaign(ctx, f.user, f.input(f.recipients(t, 3)))
	require.NoError(t, err)

	res, err := f.service.Enqueue(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	again, err := f.service.Enqueue(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, again.Accepted)

	d, err := f.service.Dispatch(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusSending, d.Status)
	assert.Equal(t, 1, d.PendingBatches)
	assert.Equal(t, 3, d.ActiveRecipients)

	_, err = f.service.Enqueue(ctx, uuid.New())
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestDeleteCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sending, err := f.service.CreateCampaign(ctx, f.user, f.input(f.recipients(t, 1)))
	require.NoError(t, err)
	_, err = f.service.Enqueue(ctx, sending.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, statusOf(t, f.service.DeleteCampaign(ctx, sending.ID)))

	draft, err := f.service.CreateCampaign(ctx, f.user, f.input(nil))
	require.NoError(t, err)
	require.NoError(t, f.service.DeleteCampaign(ctx, draft.ID))

	_, err = f.service.GetCampaign(ctx, draft.ID)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestListCampaigns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.service.CreateCampaign(ctx, f.user, f.input(nil))
		require.NoError(t, err)
	}
	_, err := f.service.CreateCampaign(ctx, uuid.New(), f.input(nil))
	require.NoError(t, err)

	mine, err := f.service.ListCampaigns(ctx, f.user, model.Pagination{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	rest, err := f.service.ListCampaigns(ctx, f.user, model.Pagination{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestSendTest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.service.CreateCampaign(ctx, f.user, f.input(nil))
	require.NoError(t, err)

	_, err = f.service.SendTest(ctx, c.ID, TestSendInput{})
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	_, err = f.service.SendTest(ctx, c.ID, TestSendInput{Emails: []string{"bad"}})
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	res, err := f.service.SendTest(ctx, c.ID, TestSendInput{Emails: []string{"qa@example.com"}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Empty(t, res[0].Error)

	got, err := f.service.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusDraft, got.Status)
}
