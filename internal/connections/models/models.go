package models

import (
	"bytes"
	"time"

	id "pich/pkg/domain"
)

// Side identifies which half of a connection a caller occupies.
type Side int

const (
	SideCard1 Side = iota + 1
	SideCard2
)

func (s Side) String() string {
	switch s {
	case SideCard1:
		return "card1"
	case SideCard2:
		return "card2"
	}
	return "none"
}

// Connection joins two cards. Card1 is the card that initiated the scan; the
// pair itself is unordered.
type Connection struct {
	ID                  id.ConnectionID `json:"id"`
	Card1ID             id.CardID       `json:"card1Id"`
	Card2ID             id.CardID       `json:"card2Id"`
	Card1Notes          *string         `json:"card1Notes"`
	Card2Notes          *string         `json:"card2Notes"`
	Card1FavoritedCard2 bool            `json:"card1FavoritedCard2"`
	Card2FavoritedCard1 bool            `json:"card2FavoritedCard1"`
	ConnectionDate      time.Time       `json:"connectionDate"`
	LastInteractionDate time.Time       `json:"lastInteractionDate"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

func New(from, scanned id.CardID, now time.Time) *Connection {
	return &Connection{
		ID:                  id.NewConnectionID(),
		Card1ID:             from,
		Card2ID:             scanned,
		ConnectionDate:      now,
		LastInteractionDate: now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// ResolveSide reports which side the holder of cards occupies. card1 is
// checked first, so a caller holding both cards resolves to SideCard1.
// It is recomputed from the current card set on every call.
func ResolveSide(c *Connection, cards id.CardIDSet) (Side, bool) {
	if c == nil {
		return 0, false
	}
	if cards.Has(c.Card1ID) {
		return SideCard1, true
	}
	if cards.Has(c.Card2ID) {
		return SideCard2, true
	}
	return 0, false
}

// Involves reports whether cardID is either end of the connection.
func (c *Connection) Involves(cardID id.CardID) bool {
	return c.Card1ID == cardID || c.Card2ID == cardID
}

// OwnCard returns the card on the given side.
func (c *Connection) OwnCard(side Side) id.CardID {
	if side == SideCard2 {
		return c.Card2ID
	}
	return c.Card1ID
}

// Counterpart returns the card opposite the given side.
func (c *Connection) Counterpart(side Side) id.CardID {
	if side == SideCard2 {
		return c.Card1ID
	}
	return c.Card2ID
}

// Notes returns the notes written by the given side.
func (c *Connection) Notes(side Side) *string {
	if side == SideCard2 {
		return c.Card2Notes
	}
	return c.Card1Notes
}

// Favorited reports whether the given side has favorited the other.
func (c *Connection) Favorited(side Side) bool {
	if side == SideCard2 {
		return c.Card2FavoritedCard1
	}
	return c.Card1FavoritedCard2
}

func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	out := *c
	if c.Card1Notes != nil {
		n := *c.Card1Notes
		out.Card1Notes = &n
	}
	if c.Card2Notes != nil {
		n := *c.Card2Notes
		out.Card2Notes = &n
	}
	return &out
}

// PairKey orders two card ids so {a,b} and {b,a} map to the same key.
type PairKey [2]id.CardID

func NewPairKey(a, b id.CardID) PairKey {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return PairKey{a, b}
	}
	return PairKey{b, a}
}

// View is a connection as seen from one side.
type View struct {
	*Connection
	Side            string    `json:"side"`
	MyCardID        id.CardID `json:"myCardId"`
	CounterpartID   id.CardID `json:"counterpartCardId"`
	MyNotes         *string   `json:"myNotes"`
	IFavorited      bool      `json:"isFavorite"`
	TheyFavoritedMe bool      `json:"favoritedByCounterpart"`
}

func (c *Connection) ViewFrom(side Side) View {
	other := SideCard2
	if side == SideCard2 {
		other = SideCard1
	}
	return View{
		Connection:      c,
		Side:            side.String(),
		MyCardID:        c.OwnCard(side),
		CounterpartID:   c.Counterpart(side),
		MyNotes:         c.Notes(side),
		IFavorited:      c.Favorited(side),
		TheyFavoritedMe: c.Favorited(other),
	}
}
