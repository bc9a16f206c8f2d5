package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks ConnectionStore,CardStore,UserStore,AuditPublisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	cardmodels "pich/internal/cards/models"
	"pich/internal/connections/metrics"
	"pich/internal/connections/models"
	"pich/internal/connections/service/mocks"
	"pich/internal/storage"
	usermodels "pich/internal/users/models"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/audit"
	"pich/pkg/platform/sentinel"
	"pich/pkg/requestcontext"
)

// =============================================================================
// Connection Service Test Suite
// =============================================================================
// Stores are mocked so these tests pin down error translation and which
// store calls a scan makes.

type ServiceSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	mockConns *mocks.MockConnectionStore
	mockCards *mocks.MockCardStore
	mockUsers *mocks.MockUserStore
	mockAudit *mocks.MockAuditPublisher
	metrics   *metrics.Metrics
	service   *Service

	ctx     context.Context
	now     time.Time
	alice   id.UserID
	bob     id.UserID
	mine    *cardmodels.Card
	scanned *cardmodels.Card
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockConns = mocks.NewMockConnectionStore(s.ctrl)
	s.mockCards = mocks.NewMockCardStore(s.ctrl)
	s.mockUsers = mocks.NewMockUserStore(s.ctrl)
	s.mockAudit = mocks.NewMockAuditPublisher(s.ctrl)
	s.metrics = metrics.New(prometheus.NewRegistry())

	var err error
	s.service, err = New(s.mockConns, s.mockCards, s.mockUsers,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(s.mockAudit),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)

	s.now = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.alice = id.NewUserID()
	s.bob = id.NewUserID()
	s.mine = &cardmodels.Card{ID: id.NewCardID(), OwnerID: s.alice, IsMainCard: true}
	s.scanned = &cardmodels.Card{ID: id.NewCardID(), OwnerID: s.bob}
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) expectActiveMainCard() {
	s.mockCards.EXPECT().FindByID(gomock.Any(), s.scanned.ID).Return(s.scanned, nil)
	s.mockUsers.EXPECT().FindByID(gomock.Any(), s.alice).
		Return(&usermodels.User{ID: s.alice, MainCardID: &s.mine.ID}, nil)
	s.mockCards.EXPECT().FindByID(gomock.Any(), s.mine.ID).Return(s.mine, nil)
}

func (s *ServiceSuite) TestNew() {
	s.Run("requires every store", func() {
		_, err := New(nil, s.mockCards, s.mockUsers)
		s.Require().Error(err)
		_, err = New(s.mockConns, nil, s.mockUsers)
		s.Require().Error(err)
		_, err = New(s.mockConns, s.mockCards, nil)
		s.Require().Error(err)
	})
}

func (s *ServiceSuite) TestCreate() {
	s.Run("inserts requester card as card1 and emits audit", func() {
		s.expectActiveMainCard()
		s.mockConns.EXPECT().FindBetween(gomock.Any(), s.mine.ID, s.scanned.ID).Return(nil, sentinel.ErrNotFound)
		s.mockConns.EXPECT().Create(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, c *models.Connection) error {
				s.Equal(s.mine.ID, c.Card1ID)
				s.Equal(s.scanned.ID, c.Card2ID)
				s.Equal(s.now, c.ConnectionDate)
				s.Equal(s.now, c.LastInteractionDate)
				return nil
			})
		s.mockAudit.EXPECT().Emit(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, ev audit.Event) error {
				s.Equal(string(audit.EventConnectionCreated), ev.Action)
				s.Equal(s.alice, ev.UserID)
				s.Equal(s.scanned.ID.String(), ev.Attrs["card2_id"])
				return nil
			})

		view, err := s.service.Create(s.ctx, s.alice, s.scanned.ID, nil)
		s.Require().NoError(err)
		s.Equal("card1", view.Side)
		s.Equal(s.scanned.ID, view.CounterpartID)
		s.Equal(1.0, testutil.ToFloat64(s.metrics.ConnectionsCreated))
	})

	s.Run("existing pair found by pre-check is a conflict", func() {
		s.expectActiveMainCard()
		s.mockConns.EXPECT().FindBetween(gomock.Any(), s.mine.ID, s.scanned.ID).
			Return(models.New(s.scanned.ID, s.mine.ID, s.now), nil)

		_, err := s.service.Create(s.ctx, s.alice, s.scanned.ID, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("losing the insert race maps to the same conflict", func() {
		before := testutil.ToFloat64(s.metrics.CreateRejected.WithLabelValues("duplicate"))
		s.expectActiveMainCard()
		s.mockConns.EXPECT().FindBetween(gomock.Any(), s.mine.ID, s.scanned.ID).Return(nil, sentinel.ErrNotFound)
		s.mockConns.EXPECT().Create(gomock.Any(), gomock.Any()).
			Return(sentinel.Unique(storage.ConstraintConnectionPair))

		_, err := s.service.Create(s.ctx, s.alice, s.scanned.ID, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.Equal("connection already exists", dErrors.MessageOf(err))
		s.Equal(before+1, testutil.ToFloat64(s.metrics.CreateRejected.WithLabelValues("duplicate")))
	})

	s.Run("card deleted between lookup and insert is not found", func() {
		s.expectActiveMainCard()
		s.mockConns.EXPECT().FindBetween(gomock.Any(), s.mine.ID, s.scanned.ID).Return(nil, sentinel.ErrNotFound)
		s.mockConns.EXPECT().Create(gomock.Any(), gomock.Any()).
			Return(sentinel.ForeignKey("connections_card2_id_fkey"))

		_, err := s.service.Create(s.ctx, s.alice, s.scanned.ID, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("store failure is internal", func() {
		s.expectActiveMainCard()
		s.mockConns.EXPECT().FindBetween(gomock.Any(), s.mine.ID, s.scanned.ID).Return(nil, errors.New("connection reset"))

		_, err := s.service.Create(s.ctx, s.alice, s.scanned.ID, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("dangling main pointer falls back to the oldest card", func() {
		s.mockCards.EXPECT().FindByID(gomock.Any(), s.scanned.ID).Return(s.scanned, nil)
		dangling := id.NewCardID()
		s.mockUsers.EXPECT().FindByID(gomock.Any(), s.alice).
			Return(&usermodels.User{ID: s.alice, MainCardID: &dangling}, nil)
		s.mockCards.EXPECT().FindByID(gomock.Any(), dangling).Return(nil, sentinel.ErrNotFound)
		s.mockCards.EXPECT().FirstByOwner(gomock.Any(), s.alice).Return(s.mine, nil)
		s.mockConns.EXPECT().FindBetween(gomock.Any(), s.mine.ID, s.scanned.ID).Return(nil, sentinel.ErrNotFound)
		s.mockConns.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
		s.mockAudit.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil)

		_, err := s.service.Create(s.ctx, s.alice, s.scanned.ID, nil)
		s.Require().NoError(err)
	})

	s.Run("anonymous requester is unauthorized", func() {
		_, err := s.service.Create(s.ctx, id.UserID{}, s.scanned.ID, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

func (s *ServiceSuite) TestUpdateNotes() {
	connID := id.NewConnectionID()
	conn := &models.Connection{ID: connID, Card1ID: s.scanned.ID, Card2ID: s.mine.ID}

	s.Run("writes only the caller's side", func() {
		s.mockCards.EXPECT().IDsByOwner(gomock.Any(), s.alice).Return([]id.CardID{s.mine.ID}, nil)
		s.mockConns.EXPECT().FindByID(gomock.Any(), connID).Return(conn, nil)
		s.mockConns.EXPECT().SetNotes(gomock.Any(), connID, models.SideCard2, gomock.Any(), s.now).
			DoAndReturn(func(_ context.Context, _ id.ConnectionID, _ models.Side, notes *string, _ time.Time) (*models.Connection, error) {
				s.Require().NotNil(notes)
				s.Equal("coffee next week", *notes)
				out := conn.Clone()
				out.Card2Notes = notes
				return out, nil
			})

		view, err := s.service.UpdateNotes(s.ctx, connID, s.alice, " coffee next week ")
		s.Require().NoError(err)
		s.Equal("coffee next week", *view.MyNotes)
		s.Equal(1.0, testutil.ToFloat64(s.metrics.SideUpdates.WithLabelValues("notes", "card2")))
	})

	s.Run("blank notes clear the field", func() {
		s.mockCards.EXPECT().IDsByOwner(gomock.Any(), s.alice).Return([]id.CardID{s.mine.ID}, nil)
		s.mockConns.EXPECT().FindByID(gomock.Any(), connID).Return(conn, nil)
		s.mockConns.EXPECT().SetNotes(gomock.Any(), connID, models.SideCard2, nil, s.now).Return(conn, nil)

		_, err := s.service.UpdateNotes(s.ctx, connID, s.alice, "   ")
		s.Require().NoError(err)
	})

	s.Run("row vanishing mid-update is not found", func() {
		s.mockCards.EXPECT().IDsByOwner(gomock.Any(), s.alice).Return([]id.CardID{s.mine.ID}, nil)
		s.mockConns.EXPECT().FindByID(gomock.Any(), connID).Return(conn, nil)
		s.mockConns.EXPECT().SetNotes(gomock.Any(), connID, models.SideCard2, gomock.Any(), s.now).
			Return(nil, sentinel.ErrNotFound)

		_, err := s.service.UpdateNotes(s.ctx, connID, s.alice, "x")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("non participant never reaches the store write", func() {
		s.mockCards.EXPECT().IDsByOwner(gomock.Any(), s.bob).Return([]id.CardID{id.NewCardID()}, nil)
		s.mockConns.EXPECT().FindByID(gomock.Any(), connID).Return(conn, nil)

		_, err := s.service.UpdateNotes(s.ctx, connID, s.bob, "x")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestFindConnectedCards() {
	s.Run("owner lookup failure is internal", func() {
		conn := &models.Connection{ID: id.NewConnectionID(), Card1ID: s.mine.ID, Card2ID: s.scanned.ID}
		s.mockCards.EXPECT().IDsByOwner(gomock.Any(), s.alice).Return([]id.CardID{s.mine.ID}, nil)
		s.mockConns.EXPECT().ListByCards(gomock.Any(), gomock.Any()).Return([]*models.Connection{conn}, nil)
		s.mockCards.EXPECT().FindByIDs(gomock.Any(), []id.CardID{s.scanned.ID}).Return([]*cardmodels.Card{s.scanned}, nil)
		s.mockUsers.EXPECT().FindByID(gomock.Any(), s.bob).Return(nil, errors.New("timeout"))

		_, err := s.service.FindConnectedCards(s.ctx, s.alice)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("no cards means no store lookups", func() {
		s.mockCards.EXPECT().IDsByOwner(gomock.Any(), s.alice).Return(nil, nil)

		cards, err := s.service.FindConnectedCards(s.ctx, s.alice)
		s.Require().NoError(err)
		s.NotNil(cards)
		s.Empty(cards)
	})
}
