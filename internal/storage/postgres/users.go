package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	usermodels "pich/internal/users/models"
	id "pich/pkg/domain"
	"pich/pkg/platform/sentinel"
	txcontext "pich/pkg/platform/tx"
)

// UserStore persists users. It is pure I/O; rules live in the services.
type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `
	id, email, external_id, first_name, last_name, nickname, phone, avatar, gender,
	birth_date, subscription_plan, subscription_expires_at, is_active, wallet_address,
	token_balance, password_hash, main_card_id, created_at, updated_at`

func (s *UserStore) Create(ctx context.Context, u *usermodels.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		u.ID, strings.ToLower(u.Email), u.ExternalID, u.FirstName, u.LastName, u.Nickname,
		u.Phone, u.Avatar, u.Gender, u.BirthDate, u.SubscriptionPlan, u.SubscriptionExpiresAt,
		u.IsActive, u.WalletAddress, u.TokenBalance, u.PasswordHash, u.MainCardID,
		u.CreatedAt, u.UpdatedAt,
	)
	return translate("create user", err)
}

func (s *UserStore) FindByID(ctx context.Context, userID id.UserID) (*usermodels.User, error) {
	return s.findOne(ctx, "find user", `WHERE id = $1`, userID)
}

func (s *UserStore) FindByExternalID(ctx context.Context, externalID string) (*usermodels.User, error) {
	return s.findOne(ctx, "find user by external id", `WHERE external_id = $1`, externalID)
}

func (s *UserStore) FindByEmail(ctx context.Context, email string) (*usermodels.User, error) {
	return s.findOne(ctx, "find user by email", `WHERE LOWER(email) = LOWER($1)`, email)
}

func (s *UserStore) findOne(ctx context.Context, op, where string, arg any) (*usermodels.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ` + where
	u, err := scanUser(txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, translate(op, err)
	}
	return u, nil
}

func (s *UserStore) Update(ctx context.Context, u *usermodels.User) error {
	query := `
		UPDATE users SET
			email = $2, external_id = $3, first_name = $4, last_name = $5, nickname = $6,
			phone = $7, avatar = $8, gender = $9, birth_date = $10, subscription_plan = $11,
			subscription_expires_at = $12, is_active = $13, wallet_address = $14,
			token_balance = $15, password_hash = $16, updated_at = $17
		WHERE id = $1
	`
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		u.ID, strings.ToLower(u.Email), u.ExternalID, u.FirstName, u.LastName, u.Nickname,
		u.Phone, u.Avatar, u.Gender, u.BirthDate, u.SubscriptionPlan, u.SubscriptionExpiresAt,
		u.IsActive, u.WalletAddress, u.TokenBalance, u.PasswordHash, u.UpdatedAt,
	)
	if err != nil {
		return translate("update user", err)
	}
	return expectOne(res, "update user")
}

func (s *UserStore) SetMainCard(ctx context.Context, userID id.UserID, cardID *id.CardID, at time.Time) error {
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx,
		`UPDATE users SET main_card_id = $2, updated_at = $3 WHERE id = $1`,
		userID, cardID, at,
	)
	if err != nil {
		return translate("set main card", err)
	}
	return expectOne(res, "set main card")
}

func (s *UserStore) LockForUpdate(ctx context.Context, userID id.UserID) error {
	var locked id.UserID
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx,
		`SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&locked)
	return translate("lock user", err)
}

func (s *UserStore) Delete(ctx context.Context, userID id.UserID) error {
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return translate("delete user", err)
	}
	return expectOne(res, "delete user")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*usermodels.User, error) {
	var (
		u          usermodels.User
		mainCardID *id.CardID
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.ExternalID, &u.FirstName, &u.LastName, &u.Nickname, &u.Phone,
		&u.Avatar, &u.Gender, &u.BirthDate, &u.SubscriptionPlan, &u.SubscriptionExpiresAt,
		&u.IsActive, &u.WalletAddress, &u.TokenBalance, &u.PasswordHash, &mainCardID,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.MainCardID = mainCardID
	return &u, nil
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translate(op, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
