package handler

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cardmodels "pich/internal/cards/models"
	cardsvc "pich/internal/cards/service"
	"pich/internal/storage"
	"pich/internal/users/models"
	"pich/internal/users/service"
	id "pich/pkg/domain"
	"pich/pkg/testutil"
)

type fixture struct {
	router http.Handler
	cards  *cardsvc.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := storage.NewInMemory().Stores()
	cards, err := cardsvc.New(stores.Cards, stores.Users, stores.Tx)
	require.NoError(t, err)
	svc, err := service.New(stores.Users, stores.Cards, stores.Connections, cards, stores.Tx)
	require.NoError(t, err)

	h := New(svc, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	r := chi.NewRouter()
	h.RegisterPublic(r)
	h.Register(r)
	return &fixture{router: r, cards: cards}
}

func (f *fixture) do(t *testing.T, userID id.UserID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.NewJSONRequest(t, method, path, body)
	if !userID.IsNil() {
		req = testutil.WithUserID(req, userID)
	}
	return testutil.DoRequest(f.router, req)
}

func (f *fixture) register(t *testing.T, addr string) *models.User {
	t.Helper()
	rr := f.do(t, id.UserID{}, http.MethodPost, "/users", map[string]any{
		"email": addr, "firstName": "Grace", "password": "correct-horse",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return testutil.UnmarshalResponse[models.User](t, rr)
}

func TestRegisterEndpoint(t *testing.T) {
	f := newFixture(t)

	testutil.Given(t, "a new address", func(t *testing.T) {
		rr := f.do(t, id.UserID{}, http.MethodPost, "/users", map[string]any{
			"email": "grace@example.com", "firstName": "Grace", "password": "correct-horse",
		})
		require.Equal(t, http.StatusCreated, rr.Code)
		assert.NotContains(t, rr.Body.String(), "correct-horse")
		assert.NotContains(t, rr.Body.String(), "$2a$")
		testutil.AssertJSONContains(t, rr, "subscriptionPlan", "basic")
	})

	testutil.Given(t, "the same address again", func(t *testing.T) {
		rr := f.do(t, id.UserID{}, http.MethodPost, "/users", map[string]any{
			"email": "Grace@Example.com", "password": "correct-horse",
		})
		testutil.AssertStatusAndError(t, rr, http.StatusConflict, "conflict")
	})

	testutil.Given(t, "no password", func(t *testing.T) {
		rr := f.do(t, id.UserID{}, http.MethodPost, "/users", map[string]any{"email": "x@example.com"})
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "validation_error")
	})
}

func TestProfileEndpoints(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "grace@example.com")

	rr := f.do(t, u.ID, http.MethodGet, "/users/profile", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	testutil.AssertJSONContains(t, rr, "email", "grace@example.com")

	rr = f.do(t, u.ID, http.MethodPatch, "/users/profile", map[string]any{"lastName": " Hopper ", "birthDate": "1906-12-09"})
	require.Equal(t, http.StatusOK, rr.Code)
	updated := testutil.UnmarshalResponse[models.User](t, rr)
	assert.Equal(t, "Hopper", updated.LastName)
	require.NotNil(t, updated.BirthDate)
	assert.Equal(t, 1906, updated.BirthDate.Year())

	rr = f.do(t, u.ID, http.MethodPatch, "/users/profile", map[string]any{"birthDate": "Dec 9"})
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "validation_error")

	rr = f.do(t, id.UserID{}, http.MethodGet, "/users/profile", nil)
	testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
}

func TestPublicProfileEndpoint(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "grace@example.com")
	viewer := f.register(t, "ada@example.com")
	name := "Work"
	_, err := f.cards.CreateCard(context.Background(), u.ID, cardmodels.Fields{Name: &name})
	require.NoError(t, err)

	testutil.Given(t, "another signed-in user", func(t *testing.T) {
		rr := f.do(t, viewer.ID, http.MethodGet, "/users/"+u.ID.String(), nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		body := testutil.UnmarshalResponse[map[string]any](t, rr)
		user, ok := (*body)["user"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Grace", user["firstName"])
		assert.NotContains(t, user, "email")
		assert.NotContains(t, user, "walletAddress")
		cards, ok := (*body)["cards"].([]any)
		require.True(t, ok)
		assert.Len(t, cards, 1)
	})

	testutil.Given(t, "an unknown user", func(t *testing.T) {
		rr := f.do(t, viewer.ID, http.MethodGet, "/users/"+id.NewUserID().String(), nil)
		testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
	})

	testutil.Given(t, "a malformed id", func(t *testing.T) {
		rr := f.do(t, viewer.ID, http.MethodGet, "/users/nope", nil)
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "invalid_input")
	})

	testutil.Given(t, "no user in context", func(t *testing.T) {
		rr := f.do(t, id.UserID{}, http.MethodGet, "/users/"+u.ID.String(), nil)
		testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
	})
}

func TestSetMainCardEndpoint(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "grace@example.com")
	other := f.register(t, "ada@example.com")
	name := "Work"
	card, err := f.cards.CreateCard(context.Background(), u.ID, cardmodels.Fields{Name: &name})
	require.NoError(t, err)

	path := "/users/" + u.ID.String() + "/main-card/" + card.ID.String()
	rr := f.do(t, u.ID, http.MethodPatch, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, testutil.UnmarshalResponse[cardmodels.Card](t, rr).IsMainCard)

	rr = f.do(t, other.ID, http.MethodPatch, path, nil)
	testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")

	rr = f.do(t, u.ID, http.MethodPatch, "/users/"+u.ID.String()+"/main-card/oops", nil)
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "invalid_input")
}

func TestDeleteEndpoint(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "grace@example.com")
	other := f.register(t, "ada@example.com")

	rr := f.do(t, other.ID, http.MethodDelete, "/users/"+u.ID.String(), nil)
	testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")

	rr = f.do(t, u.ID, http.MethodDelete, "/users/"+u.ID.String(), nil)
	testutil.AssertStatus(t, rr, http.StatusNoContent)

	rr = f.do(t, u.ID, http.MethodGet, "/users/profile", nil)
	testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
}
