// Package access holds the authorization rules every card and connection
// operation goes through.
//
// Cards are not secret, so a caller who does not own one is told Forbidden.
// Connections are: a non-participant always gets NotFound so the response
// never confirms that the connection exists.
package access

import (
	cardmodels "pich/internal/cards/models"
	connmodels "pich/internal/connections/models"
	usermodels "pich/internal/users/models"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
)

// RequireIdentity rejects requests that reached a service without an
// authenticated user.
func RequireIdentity(requester id.UserID) error {
	if requester.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	return nil
}

// AuthorizeCardOwner allows only the card's owner.
func AuthorizeCardOwner(card *cardmodels.Card, requester id.UserID) error {
	if err := RequireIdentity(requester); err != nil {
		return err
	}
	if card == nil {
		return dErrors.New(dErrors.CodeNotFound, "card not found")
	}
	if card.OwnerID != requester {
		return dErrors.New(dErrors.CodeForbidden, "you do not own this card")
	}
	return nil
}

// AuthorizeParticipant resolves the side the holder of cards occupies. A
// missing connection and a non-participant produce the same NotFound.
func AuthorizeParticipant(conn *connmodels.Connection, cards id.CardIDSet) (connmodels.Side, error) {
	side, ok := connmodels.ResolveSide(conn, cards)
	if !ok {
		return 0, dErrors.New(dErrors.CodeNotFound, "connection not found")
	}
	return side, nil
}

// RedactCard returns a copy of card safe for public lookup: the owner is
// reduced to its public profile and nothing else about the account is
// attached.
func RedactCard(card *cardmodels.Card, owner *usermodels.User) *cardmodels.Card {
	if card == nil {
		return nil
	}
	out := card.Clone()
	out.Owner = owner.Public()
	return out
}
