package models

import (
	"time"

	id "pich/pkg/domain"
)

const DefaultSubscriptionPlan = "basic"

// User is the identity anchor. PasswordHash never leaves the process.
type User struct {
	ID                    id.UserID  `json:"id"`
	Email                 string     `json:"email"`
	ExternalID            *string    `json:"externalId,omitempty"`
	FirstName             string     `json:"firstName"`
	LastName              string     `json:"lastName"`
	Nickname              string     `json:"nickname,omitempty"`
	Phone                 string     `json:"phone,omitempty"`
	Avatar                string     `json:"avatar,omitempty"`
	Gender                string     `json:"gender,omitempty"`
	BirthDate             *time.Time `json:"birthDate,omitempty"`
	SubscriptionPlan      string     `json:"subscriptionPlan"`
	SubscriptionExpiresAt *time.Time `json:"subscriptionExpiresAt,omitempty"`
	IsActive              bool       `json:"isActive"`
	WalletAddress         *string    `json:"walletAddress,omitempty"`
	TokenBalance          int64      `json:"tokenBalance"`
	PasswordHash          string     `json:"-"`
	MainCardID            *id.CardID `json:"mainCardId,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// PublicUser is what a scanning party may see about a card's owner.
type PublicUser struct {
	ID        id.UserID `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Nickname  string    `json:"nickname,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
}

func (u *User) Public() *PublicUser {
	if u == nil {
		return nil
	}
	return &PublicUser{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Nickname:  u.Nickname,
		Avatar:    u.Avatar,
	}
}

// HasMainCard reports whether cardID is the user's designated main card.
func (u *User) HasMainCard(cardID id.CardID) bool {
	return u.MainCardID != nil && *u.MainCardID == cardID
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.ExternalID = clonePtr(u.ExternalID)
	c.BirthDate = clonePtr(u.BirthDate)
	c.SubscriptionExpiresAt = clonePtr(u.SubscriptionExpiresAt)
	c.WalletAddress = clonePtr(u.WalletAddress)
	c.MainCardID = clonePtr(u.MainCardID)
	return &c
}

// ExternalIdentity is what a verified provider credential says about its
// subject. Email and Wallet are hints and may be empty. ExpiresAt is when the
// credential stops being valid; zero means unknown.
type ExternalIdentity struct {
	ExternalID string
	Email      string
	Wallet     string
	ExpiresAt  time.Time
}

// ProfilePatch carries the optional fields of a profile update. PasswordHash
// is filled by the service after hashing.
type ProfilePatch struct {
	Email         *string
	FirstName     *string
	LastName      *string
	Nickname      *string
	Phone         *string
	Avatar        *string
	Gender        *string
	BirthDate     *time.Time
	WalletAddress *string
	Password      *string
	PasswordHash  *string
}

// Apply copies every set field onto u and stamps UpdatedAt.
func (p ProfilePatch) Apply(u *User, now time.Time) {
	setIf(&u.Email, p.Email)
	setIf(&u.FirstName, p.FirstName)
	setIf(&u.LastName, p.LastName)
	setIf(&u.Nickname, p.Nickname)
	setIf(&u.Phone, p.Phone)
	setIf(&u.Avatar, p.Avatar)
	setIf(&u.Gender, p.Gender)
	setIf(&u.PasswordHash, p.PasswordHash)
	if p.BirthDate != nil {
		u.BirthDate = clonePtr(p.BirthDate)
	}
	if p.WalletAddress != nil {
		u.WalletAddress = clonePtr(p.WalletAddress)
	}
	u.UpdatedAt = now
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
