package audience

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository/memory"
	apperrors "github.com/jwalitptl/bulk-mail/pkg/errors"
)

func newService() (*Service, *memory.Store) {
	store := memory.NewStore()
	return NewService(store.Recipients(), store.Groups(), store.Templates(), nil), store
}

func TestCreateRecipient(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	r, err := svc.CreateRecipient(ctx, RecipientInput{
		Email:        "  Ada@Example.com ",
		Name:         "Ada",
		CustomFields: map[string]string{"plan": "pro"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", r.Email)
	assert.Equal(t, model.RecipientStatusActive, r.Status)

	_, err = svc.CreateRecipient(ctx, RecipientInput{Email: "ada@example.com"})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, apperrors.HTTPStatus(err))

	_, err = svc.CreateRecipient(ctx, RecipientInput{Email: "x@example.com", CustomFields: map[string]string{"bad key": "v"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apperrors.HTTPStatus(err))
}

func TestSetRecipientStatus(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	r, err := svc.CreateRecipient(ctx, RecipientInput{Email: "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.SetRecipientStatus(ctx, r.ID, model.RecipientStatusUnsubscribed))
	got, err := svc.GetRecipient(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecipientStatusUnsubscribed, got.Status)

	err = svc.SetRecipientStatus(ctx, r.ID, "BLOCKED")
	assert.Equal(t, http.StatusBadRequest, apperrors.HTTPStatus(err))

	err = svc.SetRecipientStatus(ctx, uuid.New(), model.RecipientStatusActive)
	assert.Equal(t, http.StatusNotFound, apperrors.HTTPStatus(err))
}

func TestGroups(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	_, err := svc.CreateGroup(ctx, GroupInput{})
	assert.Equal(t, http.StatusBadRequest, apperrors.HTTPStatus(err))

	g, err := svc.CreateGroup(ctx, GroupInput{Name: "customers"})
	require.NoError(t, err)
	r, err := svc.CreateRecipient(ctx, RecipientInput{Email: "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.AddGroupMembers(ctx, g.ID, MembersInput{RecipientIDs: []uuid.UUID{r.ID}}))

	err = svc.AddGroupMembers(ctx, uuid.New(), MembersInput{RecipientIDs: []uuid.UUID{r.ID}})
	assert.Equal(t, http.StatusNotFound, apperrors.HTTPStatus(err))

	err = svc.AddGroupMembers(ctx, g.ID, MembersInput{})
	assert.Equal(t, http.StatusBadRequest, apperrors.HTTPStatus(err))

	c := &model.Campaign{Name: "c", Subject: "s"}
	require.NoError(t, store.Campaigns().Create(ctx, c, nil, []uuid.UUID{g.ID}))
	ids, err := store.Recipients().ResolveActiveIDs(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{r.ID}, ids)
}

func TestTemplates(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.CreateTemplate(ctx, TemplateInput{Name: "empty"})
	assert.Equal(t, http.StatusBadRequest, apperrors.HTTPStatus(err))

	tpl, err := svc.CreateTemplate(ctx, TemplateInput{Name: "welcome", HTML: "<p>{{name}}</p>"})
	require.NoError(t, err)

	got, err := svc.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "<p>{{name}}</p>", got.HTML)

	_, err = svc.GetTemplate(ctx, uuid.New())
	assert.Equal(t, http.StatusNotFound, apperrors.HTTPStatus(err))
}
