package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cardmodels "pich/internal/cards/models"
	cardsvc "pich/internal/cards/service"
	"pich/internal/qr/metrics"
	"pich/internal/storage"
	usermodels "pich/internal/users/models"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/audit"
)

type recordingPublisher struct {
	events []audit.Event
}

func (p *recordingPublisher) Emit(_ context.Context, e audit.Event) error {
	p.events = append(p.events, e)
	return nil
}

type fixture struct {
	stores  storage.Stores
	cards   *cardsvc.Service
	metrics *metrics.Metrics
	audit   *recordingPublisher
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := storage.NewInMemory().Stores()
	cards, err := cardsvc.New(stores.Cards, stores.Users, stores.Tx)
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())
	pub := &recordingPublisher{}
	svc, err := New("https://pich.example/", stores.Cards, stores.Users,
		WithSize(128), WithMetrics(m), WithAuditPublisher(pub))
	require.NoError(t, err)
	return &fixture{stores: stores, cards: cards, metrics: m, audit: pub, service: svc}
}

func (f *fixture) user(t *testing.T) id.UserID {
	t.Helper()
	u := &usermodels.User{ID: id.NewUserID(), Email: id.NewUserID().String() + "@example.com", IsActive: true, CreatedAt: time.Now()}
	require.NoError(t, f.stores.Users.Create(context.Background(), u))
	return u.ID
}

func (f *fixture) card(t *testing.T, owner id.UserID, name string, main bool) *cardmodels.Card {
	t.Helper()
	c, err := f.cards.CreateCard(context.Background(), owner, cardmodels.Fields{Name: &name, IsMainCard: &main})
	require.NoError(t, err)
	return c
}

func decodePNG(t *testing.T, dataURL string) {
	t.Helper()
	require.True(t, strings.HasPrefix(dataURL, "data:image/png;base64,"))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, "data:image/png;base64,"))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())
}

func TestNewGuards(t *testing.T) {
	stores := storage.NewInMemory().Stores()
	_, err := New(" ", stores.Cards, stores.Users)
	assert.Error(t, err)
	_, err = New("https://x", nil, stores.Users)
	assert.Error(t, err)
	_, err = New("https://x", stores.Cards, nil)
	assert.Error(t, err)
}

func TestCardQR(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t)
	card := f.card(t, owner, "Work", false)

	code, err := f.service.CardQR(context.Background(), owner, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://pich.example/connect/"+card.ID.String(), code.URL)
	decodePNG(t, code.QR)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Issued.WithLabelValues("card")))
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, string(audit.EventQRIssued), f.audit.events[0].Action)
	assert.Equal(t, card.ID.String(), f.audit.events[0].Subject)

	t.Run("foreign card is forbidden", func(t *testing.T) {
		_, err := f.service.CardQR(context.Background(), f.user(t), card.ID)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	})
	t.Run("missing card", func(t *testing.T) {
		_, err := f.service.CardQR(context.Background(), owner, id.NewCardID())
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})
	t.Run("anonymous", func(t *testing.T) {
		_, err := f.service.CardQR(context.Background(), id.UserID{}, card.ID)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

func TestUserQRUsesActiveCard(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t)

	_, err := f.service.UserQR(context.Background(), owner)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound), "no card yet")

	oldest := f.card(t, owner, "First", false)
	f.card(t, owner, "Second", false)

	code, err := f.service.UserQR(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(code.URL, oldest.ID.String()), "oldest card without a main card")

	main := f.card(t, owner, "Main", true)
	code, err = f.service.UserQR(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, f.service.ConnectURL(main.ID), code.URL)
	decodePNG(t, code.QR)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Issued.WithLabelValues("user")))
}

func TestRenderRejectsOversizedContent(t *testing.T) {
	_, err := Render(strings.Repeat("x", 4000), DefaultSize)
	assert.Error(t, err)
}
