package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks CardStore,UserStore,TxRunner,AuditPublisher

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

	"pich/internal/cards/metrics"
	"pich/internal/cards/models"
	"pich/internal/cards/service/mocks"
	"pich/internal/storage"
	usermodels "pich/internal/users/models"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/audit"
	"pich/pkg/platform/sentinel"
	"pich/pkg/requestcontext"
)

// =============================================================================
// Card Service Test Suite
// =============================================================================
// Store behaviour is mocked so these tests pin down error translation, the
// Forbidden/NotFound split and the exact write sequence of a promotion.

type ServiceSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	mockCards *mocks.MockCardStore
	mockUsers *mocks.MockUserStore
	mockTx    *mocks.MockTxRunner
	mockAudit *mocks.MockAuditPublisher
	metrics   *metrics.Metrics
	service   *Service

	ctx   context.Context
	now   time.Time
	owner id.UserID
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockCards = mocks.NewMockCardStore(s.ctrl)
	s.mockUsers = mocks.NewMockUserStore(s.ctrl)
	s.mockTx = mocks.NewMockTxRunner(s.ctrl)
	s.mockAudit = mocks.NewMockAuditPublisher(s.ctrl)
	s.metrics = metrics.New(prometheus.NewRegistry())

	var err error
	s.service, err = New(s.mockCards, s.mockUsers, s.mockTx,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(s.mockAudit),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)

	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.owner = id.NewUserID()

	s.mockTx.EXPECT().RunInTx(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ id.UserID, fn func(context.Context) error) error {
			return fn(ctx)
		}).AnyTimes()
	s.mockAudit.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) card(main bool) *models.Card {
	return &models.Card{ID: id.NewCardID(), OwnerID: s.owner, Name: "Ada", IsMainCard: main}
}

func (s *ServiceSuite) TestNew() {
	s.Run("nil card store returns error", func() {
		_, err := New(nil, s.mockUsers, s.mockTx)
		s.ErrorContains(err, "card store is required")
	})

	s.Run("nil user store returns error", func() {
		_, err := New(s.mockCards, nil, s.mockTx)
		s.ErrorContains(err, "user store is required")
	})

	s.Run("nil tx runner returns error", func() {
		_, err := New(s.mockCards, s.mockUsers, nil)
		s.ErrorContains(err, "tx runner is required")
	})
}

func (s *ServiceSuite) TestFindOne() {
	s.Run("missing card is not found", func() {
		cardID := id.NewCardID()
		s.mockCards.EXPECT().FindByID(s.ctx, cardID).Return(nil, sentinel.ErrNotFound)

		_, err := s.service.FindOne(s.ctx, cardID, s.owner)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("card of another user is forbidden", func() {
		card := s.card(false)
		s.mockCards.EXPECT().FindByID(s.ctx, card.ID).Return(card, nil)

		_, err := s.service.FindOne(s.ctx, card.ID, id.NewUserID())
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("store failure is internal", func() {
		cardID := id.NewCardID()
		s.mockCards.EXPECT().FindByID(s.ctx, cardID).Return(nil, errors.New("db down"))

		_, err := s.service.FindOne(s.ctx, cardID, s.owner)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("anonymous caller is unauthorized", func() {
		_, err := s.service.FindOne(s.ctx, id.NewCardID(), id.UserID{})
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

func (s *ServiceSuite) TestFindOnePublic() {
	card := s.card(true)
	owner := &usermodels.User{ID: s.owner, Email: "ada@example.com", FirstName: "Ada", PasswordHash: "hash"}
	s.mockCards.EXPECT().FindByID(s.ctx, card.ID).Return(card, nil)
	s.mockUsers.EXPECT().FindByID(s.ctx, s.owner).Return(owner, nil)

	got, err := s.service.FindOnePublic(s.ctx, card.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.Owner)
	s.Equal("Ada", got.Owner.FirstName)
}

func (s *ServiceSuite) TestToggleMainCard() {
	s.Run("already main is a no-op", func() {
		card := s.card(true)
		s.mockCards.EXPECT().FindByID(gomock.Any(), card.ID).Return(card, nil)

		got, err := s.service.ToggleMainCard(s.ctx, card.ID, s.owner)
		s.Require().NoError(err)
		s.True(got.IsMainCard)
	})

	s.Run("promotion demotes siblings before marking the card", func() {
		card := s.card(false)
		s.mockCards.EXPECT().FindByID(gomock.Any(), card.ID).Return(card, nil).Times(2)
		gomock.InOrder(
			s.mockUsers.EXPECT().LockForUpdate(gomock.Any(), s.owner).Return(nil),
			s.mockCards.EXPECT().DemoteOthers(gomock.Any(), s.owner, card.ID, s.now).Return(1, nil),
			s.mockCards.EXPECT().SetMain(gomock.Any(), card.ID, true, s.now).Return(nil),
			s.mockUsers.EXPECT().SetMainCard(gomock.Any(), s.owner, &card.ID, s.now).Return(nil),
		)

		got, err := s.service.ToggleMainCard(s.ctx, card.ID, s.owner)
		s.Require().NoError(err)
		s.True(got.IsMainCard)
	})

	s.Run("losing the one-main index race is a conflict", func() {
		card := s.card(false)
		s.mockCards.EXPECT().FindByID(gomock.Any(), card.ID).Return(card, nil).Times(2)
		s.mockUsers.EXPECT().LockForUpdate(gomock.Any(), s.owner).Return(nil)
		s.mockCards.EXPECT().DemoteOthers(gomock.Any(), s.owner, card.ID, s.now).Return(0, nil)
		s.mockCards.EXPECT().SetMain(gomock.Any(), card.ID, true, s.now).
			Return(sentinel.Unique(storage.ConstraintOneMainCard))

		_, err := s.service.ToggleMainCard(s.ctx, card.ID, s.owner)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.Equal(float64(1), testutil.ToFloat64(s.metrics.PromotionConflicts))
	})

	s.Run("user pointer failure fails the whole promotion", func() {
		card := s.card(false)
		s.mockCards.EXPECT().FindByID(gomock.Any(), card.ID).Return(card, nil).Times(2)
		s.mockUsers.EXPECT().LockForUpdate(gomock.Any(), s.owner).Return(nil)
		s.mockCards.EXPECT().DemoteOthers(gomock.Any(), s.owner, card.ID, s.now).Return(0, nil)
		s.mockCards.EXPECT().SetMain(gomock.Any(), card.ID, true, s.now).Return(nil)
		s.mockUsers.EXPECT().SetMainCard(gomock.Any(), s.owner, &card.ID, s.now).Return(errors.New("write failed"))

		_, err := s.service.ToggleMainCard(s.ctx, card.ID, s.owner)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("non-owner is forbidden before any write", func() {
		card := s.card(false)
		s.mockCards.EXPECT().FindByID(gomock.Any(), card.ID).Return(card, nil)

		_, err := s.service.ToggleMainCard(s.ctx, card.ID, id.NewUserID())
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

func (s *ServiceSuite) TestCreateCard() {
	s.Run("missing name is a validation error", func() {
		_, err := s.service.CreateCard(s.ctx, s.owner, models.Fields{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("main card is inserted then promoted", func() {
		name, main := "Work", true
		s.mockUsers.EXPECT().LockForUpdate(gomock.Any(), s.owner).Return(nil)
		s.mockCards.EXPECT().Create(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, c *models.Card) error {
				s.False(c.IsMainCard, "card is inserted unmarked")
				return nil
			})
		s.mockCards.EXPECT().DemoteOthers(gomock.Any(), s.owner, gomock.Any(), s.now).Return(1, nil)
		s.mockCards.EXPECT().SetMain(gomock.Any(), gomock.Any(), true, s.now).Return(nil)
		s.mockUsers.EXPECT().SetMainCard(gomock.Any(), s.owner, gomock.Any(), s.now).Return(nil)

		card, err := s.service.CreateCard(s.ctx, s.owner, models.Fields{Name: &name, IsMainCard: &main})
		s.Require().NoError(err)
		s.True(card.IsMainCard)
		s.Equal("Work", card.Nickname)
		s.Equal(float64(1), testutil.ToFloat64(s.metrics.CardsCreated))
	})

	s.Run("unknown owner is not found", func() {
		name := "Ghost"
		s.mockUsers.EXPECT().LockForUpdate(gomock.Any(), s.owner).Return(sentinel.ErrNotFound)

		_, err := s.service.CreateCard(s.ctx, s.owner, models.Fields{Name: &name})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestRemove() {
	s.Run("removing the main card clears the user pointer", func() {
		card := s.card(true)
		owner := &usermodels.User{ID: s.owner, MainCardID: &card.ID}
		s.mockUsers.EXPECT().LockForUpdate(gomock.Any(), s.owner).Return(nil)
		s.mockCards.EXPECT().FindByID(gomock.Any(), card.ID).Return(card, nil)
		s.mockUsers.EXPECT().FindByID(gomock.Any(), s.owner).Return(owner, nil)
		s.mockUsers.EXPECT().SetMainCard(gomock.Any(), s.owner, nil, s.now).Return(nil)
		s.mockCards.EXPECT().Delete(gomock.Any(), card.ID).Return(nil)

		s.NoError(s.service.Remove(s.ctx, card.ID, s.owner))
	})

	s.Run("delete failure is internal", func() {
		card := s.card(false)
		s.mockUsers.EXPECT().LockForUpdate(gomock.Any(), s.owner).Return(nil)
		s.mockCards.EXPECT().FindByID(gomock.Any(), card.ID).Return(card, nil)
		s.mockUsers.EXPECT().FindByID(gomock.Any(), s.owner).Return(&usermodels.User{ID: s.owner}, nil)
		s.mockCards.EXPECT().Delete(gomock.Any(), card.ID).Return(errors.New("db down"))

		err := s.service.Remove(s.ctx, card.ID, s.owner)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

func (s *ServiceSuite) TestAuditEventCarriesCard() {
	ctrl := gomock.NewController(s.T())
	publisher := mocks.NewMockAuditPublisher(ctrl)
	svc, err := New(s.mockCards, s.mockUsers, s.mockTx, WithAuditPublisher(publisher))
	s.Require().NoError(err)

	card := s.card(false)
	s.mockUsers.EXPECT().LockForUpdate(gomock.Any(), s.owner).Return(nil)
	s.mockCards.EXPECT().FindByID(gomock.Any(), card.ID).Return(card, nil)
	s.mockUsers.EXPECT().FindByID(gomock.Any(), s.owner).Return(&usermodels.User{ID: s.owner}, nil)
	s.mockCards.EXPECT().Delete(gomock.Any(), card.ID).Return(nil)
	publisher.EXPECT().Emit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ev audit.Event) error {
			s.Equal(string(audit.EventCardRemoved), ev.Action)
			s.Equal(s.owner, ev.UserID)
			s.Equal(card.ID.String(), ev.Subject)
			s.Equal("false", ev.Attrs["was_main"])
			return nil
		})

	s.NoError(svc.Remove(s.ctx, card.ID, s.owner))
}
