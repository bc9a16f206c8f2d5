//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	cardmodels "pich/internal/cards/models"
	connmodels "pich/internal/connections/models"
	"pich/internal/storage"
	"pich/internal/storage/postgres"
	usermodels "pich/internal/users/models"
	id "pich/pkg/domain"
	audit "pich/pkg/platform/audit"
	auditpg "pich/pkg/platform/audit/store/postgres"
	"pich/pkg/platform/sentinel"
	"pich/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	stores   storage.Stores
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.Require().NoError(postgres.Migrate(context.Background(), s.postgres.DB))
	s.stores = postgres.NewStores(s.postgres.DB, postgres.WithTxAttempts(10))
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "audit_events", "connections", "cards", "users")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newUser(email string) *usermodels.User {
	now := time.Now().UTC().Truncate(time.Microsecond)
	u := &usermodels.User{
		ID:               id.NewUserID(),
		Email:            email,
		FirstName:        "Test",
		SubscriptionPlan: usermodels.DefaultSubscriptionPlan,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.Require().NoError(s.stores.Users.Create(context.Background(), u))
	return u
}

func (s *PostgresStoreSuite) newCard(owner id.UserID, name string) *cardmodels.Card {
	now := time.Now().UTC().Truncate(time.Microsecond)
	c, err := cardmodels.NewCard(owner, cardmodels.Fields{
		Name:     &name,
		Social:   map[string]string{"github": "pich"},
		Location: &cardmodels.Location{City: "Lisbon"},
	}, now)
	s.Require().NoError(err)
	s.Require().NoError(s.stores.Cards.Create(context.Background(), c))
	return c
}

func (s *PostgresStoreSuite) TestMigrateIsIdempotent() {
	s.NoError(postgres.Migrate(context.Background(), s.postgres.DB))
}

func (s *PostgresStoreSuite) TestUserEmailUniqueIgnoresCase() {
	s.newUser("ada@example.com")

	dup := &usermodels.User{ID: id.NewUserID(), Email: "ADA@example.com", IsActive: true}
	err := s.stores.Users.Create(context.Background(), dup)
	s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)
	s.Equal(storage.ConstraintUserEmail, sentinel.Constraint(err))

	found, err := s.stores.Users.FindByEmail(context.Background(), "Ada@Example.com")
	s.Require().NoError(err)
	s.Equal("ada@example.com", found.Email)
}

func (s *PostgresStoreSuite) TestCardRoundTripsJSONColumns() {
	ctx := context.Background()
	u := s.newUser("json@example.com")
	c := s.newCard(u.ID, "Work")

	got, err := s.stores.Cards.FindByID(ctx, c.ID)
	s.Require().NoError(err)
	s.Equal("pich", got.Social["github"])
	s.Require().NotNil(got.Location)
	s.Equal("Lisbon", got.Location.City)
	s.Equal(cardmodels.TypePersonal, got.Type)
	s.Equal(cardmodels.CategoryOther, got.Category)

	byIDs, err := s.stores.Cards.FindByIDs(ctx, []id.CardID{c.ID, id.NewCardID()})
	s.Require().NoError(err)
	s.Len(byIDs, 1)
}

func (s *PostgresStoreSuite) TestSecondMainCardRejectedByIndex() {
	ctx := context.Background()
	u := s.newUser("main@example.com")
	a := s.newCard(u.ID, "A")
	b := s.newCard(u.ID, "B")

	s.Require().NoError(s.stores.Cards.SetMain(ctx, a.ID, true, time.Now()))
	err := s.stores.Cards.SetMain(ctx, b.ID, true, time.Now())
	s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)
	s.Equal(storage.ConstraintOneMainCard, sentinel.Constraint(err))
}

func (s *PostgresStoreSuite) TestDeleteMainCardClearsUserPointer() {
	ctx := context.Background()
	u := s.newUser("pointer@example.com")
	c := s.newCard(u.ID, "Only")
	other := s.newUser("other@example.com")
	oc := s.newCard(other.ID, "Theirs")

	s.Require().NoError(s.stores.Users.SetMainCard(ctx, u.ID, &c.ID, time.Now()))
	s.Require().NoError(s.stores.Connections.Create(ctx, connmodels.New(oc.ID, c.ID, time.Now())))

	s.Require().NoError(s.stores.Cards.Delete(ctx, c.ID))

	got, err := s.stores.Users.FindByID(ctx, u.ID)
	s.Require().NoError(err)
	s.Nil(got.MainCardID)

	conns, err := s.stores.Connections.ListByCards(ctx, []id.CardID{oc.ID})
	s.Require().NoError(err)
	s.Empty(conns)
}

func (s *PostgresStoreSuite) TestUserDeleteRestrictedWhileCardsExist() {
	ctx := context.Background()
	u := s.newUser("restrict@example.com")
	s.newCard(u.ID, "Kept")

	err := s.stores.Users.Delete(ctx, u.ID)
	s.ErrorIs(err, sentinel.ErrReferenced)

	s.Require().NoError(s.stores.Cards.DeleteByOwner(ctx, u.ID))
	s.NoError(s.stores.Users.Delete(ctx, u.ID))
}

func (s *PostgresStoreSuite) TestConnectionPairIsUnordered() {
	ctx := context.Background()
	a := s.newCard(s.newUser("a@example.com").ID, "A")
	b := s.newCard(s.newUser("b@example.com").ID, "B")

	s.Require().NoError(s.stores.Connections.Create(ctx, connmodels.New(a.ID, b.ID, time.Now())))
	err := s.stores.Connections.Create(ctx, connmodels.New(b.ID, a.ID, time.Now()))
	s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)
	s.Equal(storage.ConstraintConnectionPair, sentinel.Constraint(err))

	found, err := s.stores.Connections.FindBetween(ctx, b.ID, a.ID)
	s.Require().NoError(err)
	s.Equal(a.ID, found.Card1ID)
}

func (s *PostgresStoreSuite) TestSelfConnectionRejected() {
	a := s.newCard(s.newUser("self@example.com").ID, "A")
	err := s.stores.Connections.Create(context.Background(), connmodels.New(a.ID, a.ID, time.Now()))
	s.ErrorIs(err, sentinel.ErrReferenced)
}

func (s *PostgresStoreSuite) TestSideWritesDoNotClobber() {
	ctx := context.Background()
	a := s.newCard(s.newUser("left@example.com").ID, "A")
	b := s.newCard(s.newUser("right@example.com").ID, "B")
	conn := connmodels.New(a.ID, b.ID, time.Now())
	s.Require().NoError(s.stores.Connections.Create(ctx, conn))

	const rounds = 20
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			notes := "from card1"
			_, err := s.stores.Connections.SetNotes(ctx, conn.ID, connmodels.SideCard1, &notes, time.Now())
			s.NoError(err)
		}()
		go func() {
			defer wg.Done()
			_, err := s.stores.Connections.ToggleFavorite(ctx, conn.ID, connmodels.SideCard2, time.Now())
			s.NoError(err)
		}()
	}
	wg.Wait()

	got, err := s.stores.Connections.FindByID(ctx, conn.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.Card1Notes)
	s.Equal("from card1", *got.Card1Notes)
	s.Nil(got.Card2Notes)
	s.False(got.Card2FavoritedCard1, "an even number of toggles lands back on false")
	s.False(got.Card1FavoritedCard2)
}

// TestConcurrentPromotionKeepsOneMain races promotions of different cards of
// the same owner through the transaction runner.
func (s *PostgresStoreSuite) TestConcurrentPromotionKeepsOneMain() {
	ctx := context.Background()
	u := s.newUser("race@example.com")
	cards := make([]*cardmodels.Card, 5)
	for i := range cards {
		cards[i] = s.newCard(u.ID, "card")
	}

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 25; i++ {
		target := cards[i%len(cards)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.stores.Tx.RunInTx(ctx, u.ID, func(ctx context.Context) error {
				now := time.Now()
				if err := s.stores.Users.LockForUpdate(ctx, u.ID); err != nil {
					return err
				}
				if _, err := s.stores.Cards.DemoteOthers(ctx, u.ID, target.ID, now); err != nil {
					return err
				}
				if err := s.stores.Cards.SetMain(ctx, target.ID, true, now); err != nil {
					return err
				}
				return s.stores.Users.SetMainCard(ctx, u.ID, &target.ID, now)
			})
			if err == nil {
				succeeded.Add(1)
				return
			}
			conflicts.Add(1)
		}()
	}
	wg.Wait()

	s.Positive(succeeded.Load())
	count, err := s.stores.Cards.CountMain(ctx, u.ID)
	s.Require().NoError(err)
	s.Equal(1, count)

	got, err := s.stores.Users.FindByID(ctx, u.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.MainCardID)
	main, err := s.stores.Cards.FindByID(ctx, *got.MainCardID)
	s.Require().NoError(err)
	s.True(main.IsMainCard, "user pointer and card flag agree")
}

// TestConcurrentReverseCreateYieldsOneRow scans both directions at once.
func (s *PostgresStoreSuite) TestConcurrentReverseCreateYieldsOneRow() {
	ctx := context.Background()
	a := s.newCard(s.newUser("ra@example.com").ID, "A")
	b := s.newCard(s.newUser("rb@example.com").ID, "B")

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		dupes   atomic.Int32
	)
	for i := 0; i < 10; i++ {
		from, to := a.ID, b.ID
		if i%2 == 1 {
			from, to = to, from
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.stores.Connections.Create(ctx, connmodels.New(from, to, time.Now()))
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, sentinel.ErrAlreadyUsed):
				dupes.Add(1)
			default:
				s.Failf("unexpected error", "%v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), created.Load())
	s.Equal(int32(9), dupes.Load())
}

func (s *PostgresStoreSuite) TestRollbackDiscardsWrites() {
	ctx := context.Background()
	u := s.newUser("rollback@example.com")
	boom := errors.New("boom")

	var cardID id.CardID
	err := s.stores.Tx.RunInTx(ctx, u.ID, func(ctx context.Context) error {
		name := "Doomed"
		c, err := cardmodels.NewCard(u.ID, cardmodels.Fields{Name: &name}, time.Now())
		if err != nil {
			return err
		}
		cardID = c.ID
		if err := s.stores.Cards.Create(ctx, c); err != nil {
			return err
		}
		return boom
	})
	s.Require().ErrorIs(err, boom)

	_, err = s.stores.Cards.FindByID(ctx, cardID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestAuditEventsCommitWithTransaction() {
	ctx := context.Background()
	u := s.newUser("audit@example.com")
	events := auditpg.New(s.postgres.DB)

	err := s.stores.Tx.RunInTx(ctx, u.ID, func(ctx context.Context) error {
		return events.Append(ctx, audit.Event{
			Timestamp: time.Now(),
			Action:    string(audit.EventCardCreated),
			UserID:    u.ID,
			Subject:   "card-1",
			Attrs:     map[string]string{"main": "true"},
		})
	})
	s.Require().NoError(err)

	boom := errors.New("boom")
	err = s.stores.Tx.RunInTx(ctx, u.ID, func(ctx context.Context) error {
		if err := events.Append(ctx, audit.Event{Timestamp: time.Now(), Action: string(audit.EventCardRemoved), UserID: u.ID}); err != nil {
			return err
		}
		return boom
	})
	s.Require().ErrorIs(err, boom)

	listed, err := events.ListByUser(ctx, u.ID)
	s.Require().NoError(err)
	s.Require().Len(listed, 1, "rolled back event is discarded")
	s.Equal(string(audit.EventCardCreated), listed[0].Action)
	s.Equal("card-1", listed[0].Subject)
	s.Equal("true", listed[0].Attrs["main"])
}
