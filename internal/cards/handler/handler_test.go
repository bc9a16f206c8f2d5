package handler

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pich/internal/cards/models"
	"pich/internal/cards/service"
	"pich/internal/storage"
	usermodels "pich/internal/users/models"
	id "pich/pkg/domain"
	"pich/pkg/testutil"
)

type fixture struct {
	router http.Handler
	stores storage.Stores
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := storage.NewInMemory().Stores()
	svc, err := service.New(stores.Cards, stores.Users, stores.Tx)
	require.NoError(t, err)

	h := New(svc, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	r := chi.NewRouter()
	h.RegisterPublic(r)
	h.Register(r)
	return &fixture{router: r, stores: stores}
}

func (f *fixture) user(t *testing.T, email string) id.UserID {
	t.Helper()
	u := &usermodels.User{
		ID:           id.NewUserID(),
		Email:        email,
		FirstName:    "Ada",
		PasswordHash: "$2a$10$never-leaves-the-server",
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, f.stores.Users.Create(context.Background(), u))
	return u.ID
}

func (f *fixture) do(t *testing.T, userID id.UserID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.NewJSONRequest(t, method, path, body)
	if !userID.IsNil() {
		req = testutil.WithUserID(req, userID)
	}
	return testutil.DoRequest(f.router, req)
}

func (f *fixture) create(t *testing.T, owner id.UserID, body map[string]any) *models.Card {
	t.Helper()
	rr := f.do(t, owner, http.MethodPost, "/cards", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return testutil.UnmarshalResponse[models.Card](t, rr)
}

func TestCreateCard(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "ada@example.com")

	testutil.Given(t, "a valid body", func(t *testing.T) {
		card := f.create(t, owner, map[string]any{"name": "  Ada  ", "type": "bac", "isMainCard": true})
		assert.Equal(t, "Ada", card.Name)
		assert.Equal(t, models.TypeBusiness, card.Type)
		assert.Equal(t, models.CategoryOther, card.Category)
		assert.True(t, card.IsMainCard)
		assert.Equal(t, owner, card.OwnerID)
	})

	testutil.Given(t, "no name", func(t *testing.T) {
		rr := f.do(t, owner, http.MethodPost, "/cards", map[string]any{"bio": "x"})
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "validation_error")
	})

	testutil.Given(t, "an unknown category", func(t *testing.T) {
		rr := f.do(t, owner, http.MethodPost, "/cards", map[string]any{"name": "A", "category": "ENEMIES"})
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "validation_error")
	})

	testutil.Given(t, "no authenticated user", func(t *testing.T) {
		rr := f.do(t, id.UserID{}, http.MethodPost, "/cards", map[string]any{"name": "A"})
		testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
	})
}

func TestFindOneOwnership(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com")
	other := f.user(t, "other@example.com")
	card := f.create(t, owner, map[string]any{"name": "Mine"})

	rr := f.do(t, owner, http.MethodGet, "/cards/"+card.ID.String(), nil)
	testutil.AssertStatus(t, rr, http.StatusOK)

	rr = f.do(t, other, http.MethodGet, "/cards/"+card.ID.String(), nil)
	testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")

	rr = f.do(t, owner, http.MethodGet, "/cards/"+id.NewCardID().String(), nil)
	testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")

	rr = f.do(t, owner, http.MethodGet, "/cards/not-a-uuid", nil)
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "invalid_input")
}

func TestPublicCardIsRedacted(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "secret-owner@example.com")
	card := f.create(t, owner, map[string]any{"name": "Public", "isMainCard": true})

	rr := f.do(t, id.UserID{}, http.MethodGet, "/cards/public/"+card.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.NotContains(t, body, "never-leaves-the-server")
	assert.NotContains(t, body, "password")
	assert.NotContains(t, body, "secret-owner@example.com")
	assert.Contains(t, body, `"owner"`)
	assert.Contains(t, body, `"firstName":"Ada"`)
}

func TestToggleEndpoints(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "toggle@example.com")
	first := f.create(t, owner, map[string]any{"name": "First", "isMainCard": true})
	second := f.create(t, owner, map[string]any{"name": "Second"})

	rr := f.do(t, owner, http.MethodPatch, "/cards/"+second.ID.String()+"/toggle-main", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, testutil.UnmarshalResponse[models.Card](t, rr).IsMainCard)

	rr = f.do(t, owner, http.MethodGet, "/cards/"+first.ID.String(), nil)
	assert.False(t, testutil.UnmarshalResponse[models.Card](t, rr).IsMainCard)

	rr = f.do(t, owner, http.MethodPatch, "/cards/"+first.ID.String()+"/toggle-prime", nil)
	assert.True(t, testutil.UnmarshalResponse[models.Card](t, rr).IsPrime)

	rr = f.do(t, owner, http.MethodPatch, "/cards/"+first.ID.String()+"/toggle-wallet", nil)
	assert.True(t, testutil.UnmarshalResponse[models.Card](t, rr).IsInWallet)
}

func TestUpdateAndRemove(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "update@example.com")
	card := f.create(t, owner, map[string]any{"name": "Before"})

	rr := f.do(t, owner, http.MethodPatch, "/cards/"+card.ID.String(), map[string]any{
		"name":     "After",
		"social":   map[string]string{" GitHub ": "ada"},
		"location": map[string]string{"city": "London"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	updated := testutil.UnmarshalResponse[models.Card](t, rr)
	assert.Equal(t, "After", updated.Name)
	assert.Equal(t, "ada", updated.Social["github"])
	require.NotNil(t, updated.Location)
	assert.Equal(t, "London", updated.Location.City)

	rr = f.do(t, owner, http.MethodDelete, "/cards/"+card.ID.String(), nil)
	testutil.AssertStatus(t, rr, http.StatusNoContent)

	rr = f.do(t, owner, http.MethodGet, "/cards", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, testutil.DecodeList[models.Card](t, rr))
}
