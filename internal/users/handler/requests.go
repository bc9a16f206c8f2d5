package handler

import (
	"strings"
	"time"

	"pich/internal/users/models"
	"pich/internal/users/service"
	dErrors "pich/pkg/domain-errors"
)

const (
	maxNameLength  = 100
	maxFieldLength = 255
)

// RegisterRequest is the body of POST /users.
type RegisterRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Nickname  string `json:"nickname"`
	Phone     string `json:"phone"`
	Password  string `json:"password"`
}

func (r *RegisterRequest) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Nickname = strings.TrimSpace(r.Nickname)
	r.Phone = strings.TrimSpace(r.Phone)
}

func (r *RegisterRequest) Validate() error {
	switch {
	case r.Email == "":
		return dErrors.New(dErrors.CodeValidation, "email is required")
	case r.Password == "":
		return dErrors.New(dErrors.CodeValidation, "password is required")
	case len(r.FirstName) > maxNameLength, len(r.LastName) > maxNameLength, len(r.Nickname) > maxNameLength:
		return dErrors.New(dErrors.CodeValidation, "names must be at most 100 characters")
	case len(r.Phone) > maxFieldLength:
		return dErrors.New(dErrors.CodeValidation, "phone is too long")
	}
	return nil
}

func (r *RegisterRequest) Registration() service.Registration {
	return service.Registration{
		Email:     r.Email,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Nickname:  r.Nickname,
		Phone:     r.Phone,
		Password:  r.Password,
	}
}

// UpdateProfileRequest is the body of PATCH /users/profile. Absent fields
// are left untouched.
type UpdateProfileRequest struct {
	Email         *string `json:"email"`
	FirstName     *string `json:"firstName"`
	LastName      *string `json:"lastName"`
	Nickname      *string `json:"nickname"`
	Phone         *string `json:"phone"`
	Avatar        *string `json:"avatar"`
	Gender        *string `json:"gender"`
	BirthDate     *string `json:"birthDate"`
	WalletAddress *string `json:"walletAddress"`
	Password      *string `json:"password"`

	birthDate *time.Time
}

func (r *UpdateProfileRequest) Normalize() {
	for _, p := range []*string{r.Email, r.FirstName, r.LastName, r.Nickname, r.Phone, r.Avatar, r.Gender, r.BirthDate, r.WalletAddress} {
		if p != nil {
			*p = strings.TrimSpace(*p)
		}
	}
}

func (r *UpdateProfileRequest) Validate() error {
	for _, p := range []*string{r.FirstName, r.LastName, r.Nickname} {
		if p != nil && len(*p) > maxNameLength {
			return dErrors.New(dErrors.CodeValidation, "names must be at most 100 characters")
		}
	}
	for _, p := range []*string{r.Email, r.Phone, r.Avatar, r.Gender, r.WalletAddress} {
		if p != nil && len(*p) > maxFieldLength {
			return dErrors.New(dErrors.CodeValidation, "field is too long")
		}
	}
	if r.BirthDate != nil && *r.BirthDate != "" {
		t, err := time.Parse(time.DateOnly, *r.BirthDate)
		if err != nil {
			return dErrors.New(dErrors.CodeValidation, "birthDate must be YYYY-MM-DD")
		}
		r.birthDate = &t
	}
	return nil
}

func (r *UpdateProfileRequest) Patch() models.ProfilePatch {
	return models.ProfilePatch{
		Email:         r.Email,
		FirstName:     r.FirstName,
		LastName:      r.LastName,
		Nickname:      r.Nickname,
		Phone:         r.Phone,
		Avatar:        r.Avatar,
		Gender:        r.Gender,
		BirthDate:     r.birthDate,
		WalletAddress: r.WalletAddress,
		Password:      r.Password,
	}
}
