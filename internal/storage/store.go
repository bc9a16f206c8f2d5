// Package storage defines the persistence ports shared by the users, cards and
// connections services, plus in-memory implementations for dev mode and tests.
//
// Stores return sentinel errors (pich/pkg/platform/sentinel); services
// translate them into domain codes.
package storage

import (
	"context"
	"time"

	cardmodels "pich/internal/cards/models"
	connmodels "pich/internal/connections/models"
	usermodels "pich/internal/users/models"
	id "pich/pkg/domain"
)

// Unique constraint names shared by the Postgres schema and the in-memory
// emulation, so services can tell violations apart.
const (
	ConstraintUserEmail      = "users_email_key"
	ConstraintUserExternalID = "users_external_id_key"
	ConstraintOneMainCard    = "cards_one_main_per_user"
	ConstraintConnectionPair = "connections_card_pair_key"
)

type UserStore interface {
	Create(ctx context.Context, user *usermodels.User) error
	FindByID(ctx context.Context, userID id.UserID) (*usermodels.User, error)
	FindByExternalID(ctx context.Context, externalID string) (*usermodels.User, error)
	FindByEmail(ctx context.Context, email string) (*usermodels.User, error)
	// Update persists profile fields. It never touches MainCardID.
	Update(ctx context.Context, user *usermodels.User) error
	SetMainCard(ctx context.Context, userID id.UserID, cardID *id.CardID, at time.Time) error
	// LockForUpdate takes a row lock on the user for the rest of the transaction.
	LockForUpdate(ctx context.Context, userID id.UserID) error
	Delete(ctx context.Context, userID id.UserID) error
}

type CardStore interface {
	Create(ctx context.Context, card *cardmodels.Card) error
	FindByID(ctx context.Context, cardID id.CardID) (*cardmodels.Card, error)
	FindByIDs(ctx context.Context, cardIDs []id.CardID) ([]*cardmodels.Card, error)
	// ListByOwner returns the owner's cards, most recently updated first.
	ListByOwner(ctx context.Context, owner id.UserID) ([]*cardmodels.Card, error)
	IDsByOwner(ctx context.Context, owner id.UserID) ([]id.CardID, error)
	// FirstByOwner returns the owner's oldest card.
	FirstByOwner(ctx context.Context, owner id.UserID) (*cardmodels.Card, error)
	// Update persists editable fields. It never touches IsMainCard.
	Update(ctx context.Context, card *cardmodels.Card) error
	SetMain(ctx context.Context, cardID id.CardID, isMain bool, at time.Time) error
	// DemoteOthers clears IsMainCard on every card of owner except keep.
	DemoteOthers(ctx context.Context, owner id.UserID, keep id.CardID, at time.Time) (int, error)
	CountMain(ctx context.Context, owner id.UserID) (int, error)
	Delete(ctx context.Context, cardID id.CardID) error
	DeleteByOwner(ctx context.Context, owner id.UserID) error
}

type ConnectionStore interface {
	Create(ctx context.Context, conn *connmodels.Connection) error
	FindByID(ctx context.Context, connID id.ConnectionID) (*connmodels.Connection, error)
	// FindBetween looks the pair up in both orders.
	FindBetween(ctx context.Context, a, b id.CardID) (*connmodels.Connection, error)
	// ListByCards returns connections touching any of cardIDs, most recent interaction first.
	ListByCards(ctx context.Context, cardIDs []id.CardID) ([]*connmodels.Connection, error)
	// SetNotes and ToggleFavorite write only the given side's column and bump
	// the interaction time.
	SetNotes(ctx context.Context, connID id.ConnectionID, side connmodels.Side, notes *string, at time.Time) (*connmodels.Connection, error)
	ToggleFavorite(ctx context.Context, connID id.ConnectionID, side connmodels.Side, at time.Time) (*connmodels.Connection, error)
	Delete(ctx context.Context, connID id.ConnectionID) error
	DeleteByCards(ctx context.Context, cardIDs []id.CardID) error
}

// TxRunner runs fn in one transaction. Stores called with the ctx passed to fn
// take part in it. Transactions for the same owner are serialized.
type TxRunner interface {
	RunInTx(ctx context.Context, owner id.UserID, fn func(ctx context.Context) error) error
}

// Stores bundles one implementation of every port.
type Stores struct {
	Users       UserStore
	Cards       CardStore
	Connections ConnectionStore
	Tx          TxRunner
}
