package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	connmodels "pich/internal/connections/models"
	id "pich/pkg/domain"
	txcontext "pich/pkg/platform/tx"
)

type ConnectionStore struct {
	db *sql.DB
}

func NewConnectionStore(db *sql.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

const connectionColumns = `
	id, card1_id, card2_id, card1_notes, card2_notes, card1_favorited_card2,
	card2_favorited_card1, connection_date, last_interaction_date, created_at, updated_at`

func (s *ConnectionStore) Create(ctx context.Context, c *connmodels.Connection) error {
	query := `
		INSERT INTO connections (` + connectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		c.ID, c.Card1ID, c.Card2ID, c.Card1Notes, c.Card2Notes, c.Card1FavoritedCard2,
		c.Card2FavoritedCard1, c.ConnectionDate, c.LastInteractionDate, c.CreatedAt, c.UpdatedAt,
	)
	return translate("create connection", err)
}

func (s *ConnectionStore) FindByID(ctx context.Context, connID id.ConnectionID) (*connmodels.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`
	c, err := scanConnection(txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, connID))
	if err != nil {
		return nil, translate("find connection", err)
	}
	return c, nil
}

func (s *ConnectionStore) FindBetween(ctx context.Context, a, b id.CardID) (*connmodels.Connection, error) {
	query := `
		SELECT ` + connectionColumns + ` FROM connections
		WHERE (card1_id = $1 AND card2_id = $2) OR (card1_id = $2 AND card2_id = $1)
		LIMIT 1
	`
	c, err := scanConnection(txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, a, b))
	if err != nil {
		return nil, translate("find connection between", err)
	}
	return c, nil
}

func (s *ConnectionStore) ListByCards(ctx context.Context, cardIDs []id.CardID) ([]*connmodels.Connection, error) {
	if len(cardIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + connectionColumns + ` FROM connections
		WHERE card1_id = ANY($1::uuid[]) OR card2_id = ANY($1::uuid[])
		ORDER BY last_interaction_date DESC, id
	`
	rows, err := txcontext.Executor(ctx, s.db).QueryContext(ctx, query, pq.Array(idStrings(cardIDs)))
	if err != nil {
		return nil, translate("list connections", err)
	}
	defer rows.Close()

	var out []*connmodels.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, translate("scan connection", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("iterate connections", err)
	}
	return out, nil
}

func (s *ConnectionStore) SetNotes(ctx context.Context, connID id.ConnectionID, side connmodels.Side, notes *string, at time.Time) (*connmodels.Connection, error) {
	column, err := sideColumn(side, "card1_notes", "card2_notes")
	if err != nil {
		return nil, err
	}
	query := `
		UPDATE connections SET ` + column + ` = $2, last_interaction_date = $3, updated_at = $3
		WHERE id = $1
		RETURNING ` + connectionColumns
	c, err := scanConnection(txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, connID, notes, at))
	if err != nil {
		return nil, translate("set notes", err)
	}
	return c, nil
}

// ToggleFavorite flips the flag in place so concurrent toggles from the two
// sides never overwrite each other.
func (s *ConnectionStore) ToggleFavorite(ctx context.Context, connID id.ConnectionID, side connmodels.Side, at time.Time) (*connmodels.Connection, error) {
	column, err := sideColumn(side, "card1_favorited_card2", "card2_favorited_card1")
	if err != nil {
		return nil, err
	}
	query := `
		UPDATE connections SET ` + column + ` = NOT ` + column + `, last_interaction_date = $2, updated_at = $2
		WHERE id = $1
		RETURNING ` + connectionColumns
	c, err := scanConnection(txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, connID, at))
	if err != nil {
		return nil, translate("toggle favorite", err)
	}
	return c, nil
}

func (s *ConnectionStore) Delete(ctx context.Context, connID id.ConnectionID) error {
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, `DELETE FROM connections WHERE id = $1`, connID)
	if err != nil {
		return translate("delete connection", err)
	}
	return expectOne(res, "delete connection")
}

func (s *ConnectionStore) DeleteByCards(ctx context.Context, cardIDs []id.CardID) error {
	if len(cardIDs) == 0 {
		return nil
	}
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx,
		`DELETE FROM connections WHERE card1_id = ANY($1::uuid[]) OR card2_id = ANY($1::uuid[])`,
		pq.Array(idStrings(cardIDs)),
	)
	return translate("delete connections", err)
}

func sideColumn(side connmodels.Side, card1, card2 string) (string, error) {
	switch side {
	case connmodels.SideCard1:
		return card1, nil
	case connmodels.SideCard2:
		return card2, nil
	}
	return "", fmt.Errorf("unknown connection side %d", side)
}

func scanConnection(row rowScanner) (*connmodels.Connection, error) {
	var c connmodels.Connection
	err := row.Scan(
		&c.ID, &c.Card1ID, &c.Card2ID, &c.Card1Notes, &c.Card2Notes, &c.Card1FavoritedCard2,
		&c.Card2FavoritedCard1, &c.ConnectionDate, &c.LastInteractionDate, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
