package handler

import (
	"strings"

	"pich/internal/cards/models"
	dErrors "pich/pkg/domain-errors"
)

const (
	maxNameLength  = 100
	maxBioLength   = 1000
	maxSocialLinks = 20
	maxFieldLength = 255
)

// CardRequest is the body of POST /cards and PATCH /cards/{id}. Absent fields
// are left untouched on update.
type CardRequest struct {
	Type         *string           `json:"type"`
	Name         *string           `json:"name"`
	Nickname     *string           `json:"nickname"`
	Avatar       *string           `json:"avatar"`
	Phone        *string           `json:"phone"`
	Email        *string           `json:"email"`
	Social       map[string]string `json:"social"`
	IsPrime      *bool             `json:"isPrime"`
	IsInWallet   *bool             `json:"isInWallet"`
	IsMainCard   *bool             `json:"isMainCard"`
	Bio          *string           `json:"bio"`
	Location     *models.Location  `json:"location"`
	Category     *string           `json:"category"`
	BlockchainID *string           `json:"blockchainId"`
}

func (r *CardRequest) Normalize() {
	for _, p := range []*string{r.Type, r.Name, r.Nickname, r.Avatar, r.Phone, r.Email, r.Category, r.BlockchainID} {
		if p != nil {
			*p = strings.TrimSpace(*p)
		}
	}
	if r.Email != nil {
		*r.Email = strings.ToLower(*r.Email)
	}
	if r.Social != nil {
		trimmed := make(map[string]string, len(r.Social))
		for k, v := range r.Social {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				continue
			}
			trimmed[k] = strings.TrimSpace(v)
		}
		r.Social = trimmed
	}
}

func (r *CardRequest) Validate() error {
	if r.Name != nil && len(*r.Name) > maxNameLength {
		return dErrors.New(dErrors.CodeValidation, "name is too long")
	}
	if r.Bio != nil && len(*r.Bio) > maxBioLength {
		return dErrors.New(dErrors.CodeValidation, "bio is too long")
	}
	if len(r.Social) > maxSocialLinks {
		return dErrors.New(dErrors.CodeValidation, "too many social links")
	}
	for _, p := range []*string{r.Nickname, r.Avatar, r.Phone, r.Email, r.BlockchainID} {
		if p != nil && len(*p) > maxFieldLength {
			return dErrors.New(dErrors.CodeValidation, "field value is too long")
		}
	}
	return nil
}

// Fields converts the request into the model's patch type.
func (r *CardRequest) Fields() models.Fields {
	return models.Fields{
		Type:         r.Type,
		Name:         r.Name,
		Nickname:     r.Nickname,
		Avatar:       r.Avatar,
		Phone:        r.Phone,
		Email:        r.Email,
		Social:       r.Social,
		IsPrime:      r.IsPrime,
		IsInWallet:   r.IsInWallet,
		IsMainCard:   r.IsMainCard,
		Bio:          r.Bio,
		Location:     r.Location,
		Category:     r.Category,
		BlockchainID: r.BlockchainID,
	}
}

// CreateCardRequest additionally requires a name.
type CreateCardRequest struct {
	CardRequest
}

func (r *CreateCardRequest) Validate() error {
	if r.Name == nil || *r.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	return r.CardRequest.Validate()
}
