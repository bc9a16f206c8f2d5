package models

import (
	"maps"
	"strings"
	"time"

	usermodels "pich/internal/users/models"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/email"
)

type CardType string

const (
	TypeBusiness CardType = "BAC"
	TypePersonal CardType = "PAC"
	TypeVirtual  CardType = "VAC"
	TypeCustom   CardType = "CAC"
)

func ParseCardType(s string) (CardType, error) {
	switch t := CardType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeBusiness, TypePersonal, TypeVirtual, TypeCustom:
		return t, nil
	case "":
		return TypePersonal, nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "type must be one of BAC, PAC, VAC, CAC")
}

type Category string

const (
	CategoryFamily  Category = "FAMILY"
	CategoryFriends Category = "FRIENDS"
	CategoryWork    Category = "WORK"
	CategoryOther   Category = "OTHER"
)

func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToUpper(strings.TrimSpace(s))); c {
	case CategoryFamily, CategoryFriends, CategoryWork, CategoryOther:
		return c, nil
	case "":
		return CategoryOther, nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "category must be one of FAMILY, FRIENDS, WORK, OTHER")
}

type Location struct {
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`
	Address    string `json:"address,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
}

// Card is a presentation variant of a user's contact profile. OwnerID is
// fixed at creation.
type Card struct {
	ID           id.CardID              `json:"id"`
	OwnerID      id.UserID              `json:"userId"`
	Type         CardType               `json:"type"`
	Name         string                 `json:"name"`
	Nickname     string                 `json:"nickname"`
	Avatar       string                 `json:"avatar,omitempty"`
	Phone        string                 `json:"phone,omitempty"`
	Email        string                 `json:"email,omitempty"`
	Social       map[string]string      `json:"social,omitempty"`
	IsPrime      bool                   `json:"isPrime"`
	IsInWallet   bool                   `json:"isInWallet"`
	IsMainCard   bool                   `json:"isMainCard"`
	Bio          string                 `json:"bio,omitempty"`
	Location     *Location              `json:"location,omitempty"`
	Category     Category               `json:"category"`
	BlockchainID string                 `json:"blockchainId,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
	Owner        *usermodels.PublicUser `json:"owner,omitempty"`
}

func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	out := *c
	out.Social = maps.Clone(c.Social)
	if c.Location != nil {
		loc := *c.Location
		out.Location = &loc
	}
	if c.Owner != nil {
		owner := *c.Owner
		out.Owner = &owner
	}
	return &out
}

// Fields are the user-editable attributes shared by create and update.
type Fields struct {
	Type         *string
	Name         *string
	Nickname     *string
	Avatar       *string
	Phone        *string
	Email        *string
	Social       map[string]string
	IsPrime      *bool
	IsInWallet   *bool
	IsMainCard   *bool
	Bio          *string
	Location     *Location
	Category     *string
	BlockchainID *string
}

// NewCard builds a validated card for owner. IsMainCard is copied as
// requested; promotion bookkeeping is the service's job.
func NewCard(owner id.UserID, f Fields, now time.Time) (*Card, error) {
	if f.Name == nil || strings.TrimSpace(*f.Name) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "name is required")
	}
	card := &Card{
		ID:        id.NewCardID(),
		OwnerID:   owner,
		Type:      TypePersonal,
		Category:  CategoryOther,
		CreatedAt: now,
	}
	if err := f.Apply(card, now); err != nil {
		return nil, err
	}
	if card.Nickname == "" {
		card.Nickname = card.Name
	}
	return card, nil
}

// Apply validates and copies every set field except IsMainCard onto card.
func (f Fields) Apply(card *Card, now time.Time) error {
	if f.Type != nil {
		t, err := ParseCardType(*f.Type)
		if err != nil {
			return err
		}
		card.Type = t
	}
	if f.Category != nil {
		c, err := ParseCategory(*f.Category)
		if err != nil {
			return err
		}
		card.Category = c
	}
	if f.Name != nil {
		name := strings.TrimSpace(*f.Name)
		if name == "" {
			return dErrors.New(dErrors.CodeValidation, "name must not be empty")
		}
		card.Name = name
	}
	if f.Email != nil {
		addr := strings.TrimSpace(*f.Email)
		if addr != "" && !email.IsValid(addr) {
			return dErrors.New(dErrors.CodeValidation, "email is not a valid address")
		}
		card.Email = addr
	}
	setIf(&card.Nickname, f.Nickname)
	setIf(&card.Avatar, f.Avatar)
	setIf(&card.Phone, f.Phone)
	setIf(&card.IsPrime, f.IsPrime)
	setIf(&card.IsInWallet, f.IsInWallet)
	setIf(&card.Bio, f.Bio)
	setIf(&card.BlockchainID, f.BlockchainID)
	if f.Social != nil {
		card.Social = maps.Clone(f.Social)
	}
	if f.Location != nil {
		loc := *f.Location
		card.Location = &loc
	}
	card.UpdatedAt = now
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
