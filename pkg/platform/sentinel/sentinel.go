package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: row does not exist
//   - ErrAlreadyUsed: a uniqueness constraint rejected the write
//     (duplicate email, second main card, duplicate connection pair)
//   - ErrReferenced: a foreign key rejected the write (missing parent, or
//     a parent that still has children)
//   - ErrSerialization: the transaction lost a serialization race and may be retried
//   - ErrUnavailable: backing service temporarily unavailable
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyUsed   = errors.New("already used")
	ErrReferenced    = errors.New("referential integrity violation")
	ErrSerialization = errors.New("serialization failure")
	ErrUnavailable   = errors.New("unavailable")
)

// ConstraintError reports which constraint rejected a write. It unwraps to
// ErrAlreadyUsed for unique constraints and ErrReferenced for foreign keys.
type ConstraintError struct {
	Constraint string
	ForeignKey bool
}

// Unique builds the error for a unique-constraint violation.
func Unique(constraint string) error {
	return &ConstraintError{Constraint: constraint}
}

// ForeignKey builds the error for a foreign-key violation.
func ForeignKey(constraint string) error {
	return &ConstraintError{Constraint: constraint, ForeignKey: true}
}

func (e *ConstraintError) Error() string {
	if e.ForeignKey {
		return "foreign key " + e.Constraint + " violated"
	}
	return "unique constraint " + e.Constraint + " violated"
}

func (e *ConstraintError) Unwrap() error {
	if e.ForeignKey {
		return ErrReferenced
	}
	return ErrAlreadyUsed
}

// Constraint returns the violated constraint name, or "" when err is not a
// constraint error.
func Constraint(err error) string {
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return ce.Constraint
	}
	return ""
}
