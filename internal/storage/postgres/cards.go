package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	cardmodels "pich/internal/cards/models"
	id "pich/pkg/domain"
	txcontext "pich/pkg/platform/tx"
)

type CardStore struct {
	db *sql.DB
}

func NewCardStore(db *sql.DB) *CardStore {
	return &CardStore{db: db}
}

const cardColumns = `
	id, user_id, type, name, nickname, avatar, phone, email, social, is_prime,
	is_in_wallet, is_main_card, bio, location, category, blockchain_id, created_at, updated_at`

func (s *CardStore) Create(ctx context.Context, c *cardmodels.Card) error {
	social, location, err := encodeCardJSON(c)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO cards (` + cardColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		c.ID, c.OwnerID, string(c.Type), c.Name, c.Nickname, c.Avatar, c.Phone, c.Email,
		social, c.IsPrime, c.IsInWallet, c.IsMainCard, c.Bio, location, string(c.Category),
		c.BlockchainID, c.CreatedAt, c.UpdatedAt,
	)
	return translate("create card", err)
}

func (s *CardStore) FindByID(ctx context.Context, cardID id.CardID) (*cardmodels.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE id = $1`
	c, err := scanCard(txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, cardID))
	if err != nil {
		return nil, translate("find card", err)
	}
	return c, nil
}

func (s *CardStore) FindByIDs(ctx context.Context, cardIDs []id.CardID) ([]*cardmodels.Card, error) {
	if len(cardIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + cardColumns + ` FROM cards WHERE id = ANY($1::uuid[])`
	return s.list(ctx, "find cards", query, pq.Array(idStrings(cardIDs)))
}

func (s *CardStore) ListByOwner(ctx context.Context, owner id.UserID) ([]*cardmodels.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE user_id = $1 ORDER BY updated_at DESC, created_at DESC`
	return s.list(ctx, "list cards", query, owner)
}

func (s *CardStore) IDsByOwner(ctx context.Context, owner id.UserID) ([]id.CardID, error) {
	rows, err := txcontext.Executor(ctx, s.db).QueryContext(ctx, `SELECT id FROM cards WHERE user_id = $1`, owner)
	if err != nil {
		return nil, translate("list card ids", err)
	}
	defer rows.Close()

	var out []id.CardID
	for rows.Next() {
		var cardID id.CardID
		if err := rows.Scan(&cardID); err != nil {
			return nil, translate("scan card id", err)
		}
		out = append(out, cardID)
	}
	return out, translate("iterate card ids", rows.Err())
}

func (s *CardStore) FirstByOwner(ctx context.Context, owner id.UserID) (*cardmodels.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE user_id = $1 ORDER BY created_at ASC, id ASC LIMIT 1`
	c, err := scanCard(txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, owner))
	if err != nil {
		return nil, translate("first card", err)
	}
	return c, nil
}

func (s *CardStore) Update(ctx context.Context, c *cardmodels.Card) error {
	social, location, err := encodeCardJSON(c)
	if err != nil {
		return err
	}
	query := `
		UPDATE cards SET
			type = $2, name = $3, nickname = $4, avatar = $5, phone = $6, email = $7,
			social = $8, is_prime = $9, is_in_wallet = $10, bio = $11, location = $12,
			category = $13, blockchain_id = $14, updated_at = $15
		WHERE id = $1
	`
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		c.ID, string(c.Type), c.Name, c.Nickname, c.Avatar, c.Phone, c.Email, social,
		c.IsPrime, c.IsInWallet, c.Bio, location, string(c.Category), c.BlockchainID, c.UpdatedAt,
	)
	if err != nil {
		return translate("update card", err)
	}
	return expectOne(res, "update card")
}

func (s *CardStore) SetMain(ctx context.Context, cardID id.CardID, isMain bool, at time.Time) error {
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx,
		`UPDATE cards SET is_main_card = $2, updated_at = $3 WHERE id = $1`,
		cardID, isMain, at,
	)
	if err != nil {
		return translate("set main", err)
	}
	return expectOne(res, "set main")
}

func (s *CardStore) DemoteOthers(ctx context.Context, owner id.UserID, keep id.CardID, at time.Time) (int, error) {
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, `
		UPDATE cards SET is_main_card = FALSE, updated_at = $3
		WHERE user_id = $1 AND id <> $2 AND is_main_card
	`, owner, keep, at)
	if err != nil {
		return 0, translate("demote cards", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, translate("demote cards", err)
	}
	return int(n), nil
}

func (s *CardStore) CountMain(ctx context.Context, owner id.UserID) (int, error) {
	var n int
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cards WHERE user_id = $1 AND is_main_card`, owner,
	).Scan(&n)
	return n, translate("count main cards", err)
}

// Delete removes the card; connections cascade and users.main_card_id is
// nulled by the foreign keys.
func (s *CardStore) Delete(ctx context.Context, cardID id.CardID) error {
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, `DELETE FROM cards WHERE id = $1`, cardID)
	if err != nil {
		return translate("delete card", err)
	}
	return expectOne(res, "delete card")
}

func (s *CardStore) DeleteByOwner(ctx context.Context, owner id.UserID) error {
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, `DELETE FROM cards WHERE user_id = $1`, owner)
	return translate("delete cards", err)
}

func (s *CardStore) list(ctx context.Context, op, query string, args ...any) ([]*cardmodels.Card, error) {
	rows, err := txcontext.Executor(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(op, err)
	}
	defer rows.Close()

	var out []*cardmodels.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, translate(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(op, err)
	}
	return out, nil
}

func scanCard(row rowScanner) (*cardmodels.Card, error) {
	var (
		c                cardmodels.Card
		cardType, cat    string
		social, location []byte
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &cardType, &c.Name, &c.Nickname, &c.Avatar, &c.Phone, &c.Email,
		&social, &c.IsPrime, &c.IsInWallet, &c.IsMainCard, &c.Bio, &location, &cat,
		&c.BlockchainID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Type = cardmodels.CardType(cardType)
	c.Category = cardmodels.Category(cat)
	if len(social) > 0 {
		if err := json.Unmarshal(social, &c.Social); err != nil {
			return nil, fmt.Errorf("decode card social: %w", err)
		}
	}
	if len(location) > 0 && string(location) != "null" {
		c.Location = &cardmodels.Location{}
		if err := json.Unmarshal(location, c.Location); err != nil {
			return nil, fmt.Errorf("decode card location: %w", err)
		}
	}
	return &c, nil
}

func encodeCardJSON(c *cardmodels.Card) (social, location []byte, err error) {
	if c.Social != nil {
		if social, err = json.Marshal(c.Social); err != nil {
			return nil, nil, fmt.Errorf("encode card social: %w", err)
		}
	}
	if c.Location != nil {
		if location, err = json.Marshal(c.Location); err != nil {
			return nil, nil, fmt.Errorf("encode card location: %w", err)
		}
	}
	return social, location, nil
}

// idStrings renders ids for pq.Array so they bind as a uuid[] parameter.
func idStrings[T interface{ String() string }](ids []T) []string {
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = v.String()
	}
	return out
}
