package domain

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"

	dErrors "pich/pkg/domain-errors"
)

// Typed identifiers keep user, card, and connection ids from being mixed up at
// compile time. All are UUID-backed and reject the nil UUID at parse time.
type (
	UserID       uuid.UUID
	CardID       uuid.UUID
	ConnectionID uuid.UUID
)

// maxIDLength bounds input before it reaches uuid.Parse.
const maxIDLength = 64

func parseUUID(kind, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(raw) > maxIDLength {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is malformed")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is malformed")
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	return parsed, nil
}

func ParseUserID(raw string) (UserID, error) {
	parsed, err := parseUUID("user id", raw)
	return UserID(parsed), err
}

func ParseCardID(raw string) (CardID, error) {
	parsed, err := parseUUID("card id", raw)
	return CardID(parsed), err
}

func ParseConnectionID(raw string) (ConnectionID, error) {
	parsed, err := parseUUID("connection id", raw)
	return ConnectionID(parsed), err
}

func NewUserID() UserID             { return UserID(uuid.New()) }
func NewCardID() CardID             { return CardID(uuid.New()) }
func NewConnectionID() ConnectionID { return ConnectionID(uuid.New()) }

func (id UserID) String() string       { return uuid.UUID(id).String() }
func (id CardID) String() string       { return uuid.UUID(id).String() }
func (id ConnectionID) String() string { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id CardID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id ConnectionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id UserID) MarshalText() ([]byte, error)       { return uuid.UUID(id).MarshalText() }
func (id CardID) MarshalText() ([]byte, error)       { return uuid.UUID(id).MarshalText() }
func (id ConnectionID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *UserID) UnmarshalText(b []byte) error       { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *CardID) UnmarshalText(b []byte) error       { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ConnectionID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

// Value and Scan let typed ids travel through database/sql as uuid columns.

func (id UserID) Value() (driver.Value, error)       { return uuid.UUID(id).String(), nil }
func (id CardID) Value() (driver.Value, error)       { return uuid.UUID(id).String(), nil }
func (id ConnectionID) Value() (driver.Value, error) { return uuid.UUID(id).String(), nil }

func (id *UserID) Scan(src any) error       { return scanUUID((*uuid.UUID)(id), src) }
func (id *CardID) Scan(src any) error       { return scanUUID((*uuid.UUID)(id), src) }
func (id *ConnectionID) Scan(src any) error { return scanUUID((*uuid.UUID)(id), src) }

func scanUUID(dst *uuid.UUID, src any) error {
	if src == nil {
		*dst = uuid.Nil
		return nil
	}
	if err := dst.Scan(src); err != nil {
		return fmt.Errorf("scan uuid: %w", err)
	}
	return nil
}

// CardIDSet is a membership set over card ids.
type CardIDSet map[CardID]struct{}

func NewCardIDSet(ids ...CardID) CardIDSet {
	set := make(CardIDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s CardIDSet) Has(id CardID) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the members in unspecified order.
func (s CardIDSet) Slice() []CardID {
	out := make([]CardID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
