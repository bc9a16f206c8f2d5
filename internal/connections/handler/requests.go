package handler

import (
	"strings"

	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
)

const maxNotesLength = 2000

// CreateConnectionRequest is the body of POST /connections. CardID picks
// which of the caller's cards is shared; it defaults to the main card.
type CreateConnectionRequest struct {
	ScannedCardID string  `json:"scannedCardId"`
	CardID        *string `json:"cardId"`

	scanned id.CardID
	own     *id.CardID
}

func (r *CreateConnectionRequest) Normalize() {
	r.ScannedCardID = strings.TrimSpace(r.ScannedCardID)
	if r.CardID != nil {
		trimmed := strings.TrimSpace(*r.CardID)
		if trimmed == "" {
			r.CardID = nil
		} else {
			r.CardID = &trimmed
		}
	}
}

func (r *CreateConnectionRequest) Validate() error {
	if r.ScannedCardID == "" {
		return dErrors.New(dErrors.CodeValidation, "scannedCardId is required")
	}
	scanned, err := id.ParseCardID(r.ScannedCardID)
	if err != nil {
		return err
	}
	r.scanned = scanned
	if r.CardID != nil {
		own, err := id.ParseCardID(*r.CardID)
		if err != nil {
			return err
		}
		r.own = &own
	}
	return nil
}

// UpdateNotesRequest is the body of PATCH /connections/{id}/notes.
type UpdateNotesRequest struct {
	Notes string `json:"notes"`
}

func (r *UpdateNotesRequest) Normalize() {
	r.Notes = strings.TrimSpace(r.Notes)
}

func (r *UpdateNotesRequest) Validate() error {
	if len(r.Notes) > maxNotesLength {
		return dErrors.New(dErrors.CodeValidation, "notes must be at most 2000 characters")
	}
	return nil
}
