package offer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const offerColumns = `id, title, redeem_code, merchant_token, category, reward_percent, active, valid_from, valid_to`

// PostgresCatalog stores offers in PostgreSQL.
type PostgresCatalog struct {
	db *pgxpool.Pool
}

// NewPostgresCatalog builds a catalog backed by PostgreSQL.
func NewPostgresCatalog(db *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

// FindActiveByCode looks up an offer by exact redeem code.
func (c *PostgresCatalog) FindActiveByCode(ctx context.Context, code string, at time.Time) (Offer, error) {
	row := c.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers
        WHERE redeem_code = $1 AND active AND valid_from <= $2 AND valid_to >= $2`, code, at)
	o, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, err
	}
	return o, nil
}

// ListActive returns active offers that have not expired.
func (c *PostgresCatalog) ListActive(ctx context.Context, at time.Time) ([]Offer, error) {
	rows, err := c.db.Query(ctx, `SELECT `+offerColumns+` FROM offers
        WHERE active AND valid_to >= $1
        ORDER BY redeem_code`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Rotate swaps the active offer set in one transaction.
func (c *PostgresCatalog) Rotate(ctx context.Context, offers []Offer) (int, error) {
	tx, err := c.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `UPDATE offers SET active = FALSE WHERE active`); err != nil {
		return 0, err
	}
	for _, o := range offers {
		id := uuid.New()
		if o.ID != "" {
			if parsed, err := uuid.Parse(o.ID); err == nil {
				id = parsed
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO offers (`+offerColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8)
            ON CONFLICT (redeem_code) DO UPDATE
            SET active = TRUE, valid_from = EXCLUDED.valid_from, valid_to = EXCLUDED.valid_to`,
			id, o.Title, o.RedeemCode, o.MerchantToken, o.Category, o.RewardPercent, o.ValidFrom, o.ValidTo); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(offers), nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var (
		o  Offer
		id uuid.UUID
	)
	if err := row.Scan(&id, &o.Title, &o.RedeemCode, &o.MerchantToken, &o.Category, &o.RewardPercent,
		&o.Active, &o.ValidFrom, &o.ValidTo); err != nil {
		return Offer{}, err
	}
	o.ID = id.String()
	o.ValidFrom = o.ValidFrom.UTC()
	o.ValidTo = o.ValidTo.UTC()
	return o, nil
}
