package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	uniqueViolation          = "23505"
	referenceConstraint      = "transactions_reference_key"
	idempotencyKeyConstraint = "transactions_payer_id_idempotency_key_key"
	transactionSelectColumns = `t.id, t.reference, COALESCE(t.idempotency_key, ''), t.payer_id, COALESCE(t.recipient_id, ''), t.merchant, t.original_amount, t.discount_amount, t.amount, t.coupon_code, t.rail, t.status, t.failure_reason, t.reward_amount, t.note, t.created_at, t.updated_at`
	rewardSelectColumns      = `r.id, r.transaction_id, r.user_id, r.cashback, r.points, r.created_at`
	outcomeSelect            = `SELECT ` + transactionSelectColumns + `, ` + rewardSelectColumns + ` FROM transactions t LEFT JOIN reward_entries r ON r.transaction_id = t.id`
)

// DB is the part of *pgxpool.Pool the ledger uses.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// PostgresLedger persists accounts, PIN credentials and the transaction journal in PostgreSQL.
type PostgresLedger struct {
	db DB
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// CreateAccount inserts the account and its empty PIN credential row.
func (l *PostgresLedger) CreateAccount(ctx context.Context, userID string) (Account, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Account{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var acc Account
	err = tx.QueryRow(ctx, `INSERT INTO accounts (user_id) VALUES ($1)
        ON CONFLICT (user_id) DO NOTHING
        RETURNING user_id, balance, created_at, updated_at`, userID).
		Scan(&acc.UserID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountExists
		}
		return Account{}, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO pin_credentials (user_id) VALUES ($1)`, userID); err != nil {
		return Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Account{}, err
	}
	return acc, nil
}

// GetAccount returns the account with its PIN state.
func (l *PostgresLedger) GetAccount(ctx context.Context, userID string) (Account, error) {
	const query = `
        SELECT a.user_id, a.balance, a.created_at, a.updated_at,
               p.pin_hash, COALESCE(p.failed_attempts, 0), p.locked_until
        FROM accounts a
        LEFT JOIN pin_credentials p ON p.user_id = a.user_id
        WHERE a.user_id = $1`
	var acc Account
	err := l.db.QueryRow(ctx, query, userID).Scan(
		&acc.UserID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt,
		&acc.PIN.Hash, &acc.PIN.FailedAttempts, &acc.PIN.LockedUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return acc, nil
}

// AdjustBalance applies delta as a single conditional update so the floor
// check and the write cannot interleave with another writer.
func (l *PostgresLedger) AdjustBalance(ctx context.Context, userID string, delta, expectedMin decimal.Decimal) (decimal.Decimal, error) {
	const query = `
        UPDATE accounts
        SET balance = balance + $2, updated_at = NOW()
        WHERE user_id = $1 AND balance + $2 >= GREATEST($3::numeric, 0)
        RETURNING balance`
	var balance decimal.Decimal
	if err := l.db.QueryRow(ctx, query, userID, delta, expectedMin).Scan(&balance); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, err
		}
		var exists bool
		if err := l.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return decimal.Zero, err
		}
		if !exists {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, ErrInsufficientFunds
	}
	return balance, nil
}

// UpdatePINState locks the PIN credential row, applies fn and commits the
// change independently of any payment transaction.
func (l *PostgresLedger) UpdatePINState(ctx context.Context, userID string, fn func(*PINState) error) (PINState, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PINState{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var state PINState
	err = tx.QueryRow(ctx, `SELECT pin_hash, failed_attempts, locked_until
        FROM pin_credentials WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&state.Hash, &state.FailedAttempts, &state.LockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PINState{}, ErrAccountNotFound
		}
		return PINState{}, err
	}

	original := clonePIN(state)
	if err := fn(&state); err != nil {
		return original, err
	}

	if _, err := tx.Exec(ctx, `UPDATE pin_credentials
        SET pin_hash = $2, failed_attempts = $3, locked_until = $4, updated_at = NOW()
        WHERE user_id = $1`, userID, state.Hash, state.FailedAttempts, state.LockedUntil); err != nil {
		return PINState{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return PINState{}, err
	}
	return state, nil
}

// Reserve inserts a pending transaction. Uniqueness of the reference and of
// (payer, idempotency key) is enforced by the schema.
func (l *PostgresLedger) Reserve(ctx context.Context, txn Transaction) (Transaction, error) {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	txn.UpdatedAt = txn.CreatedAt
	txn.Status = StatusPending

	txID, err := uuid.Parse(txn.ID)
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction id: %w", err)
	}

	_, err = l.db.Exec(ctx, `INSERT INTO transactions
        (id, reference, idempotency_key, payer_id, recipient_id, merchant, original_amount, discount_amount,
         amount, coupon_code, rail, status, note, created_at, updated_at)
        VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
		txID, txn.Reference, txn.IdempotencyKey, txn.PayerID, txn.RecipientID, txn.Merchant,
		txn.OriginalAmount, txn.DiscountAmount, txn.Amount, txn.CouponCode, txn.Rail, string(StatusPending),
		txn.Note, txn.CreatedAt)
	if err == nil {
		return txn, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == uniqueViolation && pgErr.ConstraintName == idempotencyKeyConstraint:
			existing, findErr := l.FindByIdempotencyKey(ctx, txn.PayerID, txn.IdempotencyKey)
			if findErr != nil {
				return Transaction{}, findErr
			}
			return existing.Transaction, ErrDuplicateTransaction
		case pgErr.Code == uniqueViolation && pgErr.ConstraintName == referenceConstraint:
			return Transaction{}, ErrDuplicateReference
		case pgErr.Code == "23503":
			return Transaction{}, ErrAccountNotFound
		}
	}
	return Transaction{}, err
}

// Finalize settles a pending transaction in one database transaction. Account
// rows are locked in ascending id order and sufficiency is re-checked under the lock.
func (l *PostgresLedger) Finalize(ctx context.Context, s Settlement) (Outcome, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	txn, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionSelectColumns+`
        FROM transactions t WHERE t.reference = $1 FOR UPDATE`, s.Reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Outcome{}, ErrTransactionNotFound
		}
		return Outcome{}, err
	}
	if txn.Terminal() {
		if err := tx.Commit(ctx); err != nil {
			return Outcome{}, err
		}
		existing, err := l.FindByReference(ctx, s.Reference)
		if err != nil {
			return Outcome{}, err
		}
		return existing, ErrAlreadyFinalized
	}

	at := s.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	outcome := Outcome{}
	switch {
	case !s.Approved:
		reason := s.FailureReason
		if reason == "" {
			reason = ReasonRailDeclined
		}
		txn, err = markFailed(ctx, tx, txn, reason, at)
		if err != nil {
			return Outcome{}, err
		}
	default:
		balances, err := lockBalances(ctx, tx, lockOrder(txn.PayerID, txn.RecipientID))
		if err != nil {
			return Outcome{}, err
		}
		if balances[txn.PayerID].LessThan(txn.Amount) {
			txn, err = markFailed(ctx, tx, txn, ReasonInsufficientBalance, at)
			if err != nil {
				return Outcome{}, err
			}
			break
		}

		if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $2, updated_at = $3 WHERE user_id = $1`,
			txn.PayerID, txn.Amount, at); err != nil {
			return Outcome{}, err
		}
		if txn.RecipientID != "" && txn.RecipientID != txn.PayerID {
			if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2, updated_at = $3 WHERE user_id = $1`,
				txn.RecipientID, txn.Amount, at); err != nil {
				return Outcome{}, err
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE transactions SET status = $2, reward_amount = $3, updated_at = $4 WHERE reference = $1`,
			txn.Reference, string(StatusSuccess), s.Cashback, at); err != nil {
			return Outcome{}, err
		}

		reward := RewardEntry{
			ID:            uuid.NewString(),
			TransactionID: txn.ID,
			UserID:        txn.PayerID,
			Cashback:      s.Cashback,
			Points:        s.Points,
			CreatedAt:     at,
		}
		if _, err := tx.Exec(ctx, `INSERT INTO reward_entries (id, transaction_id, user_id, cashback, points, created_at)
            VALUES ($1, $2, $3, $4, $5, $6)`, reward.ID, txn.ID, reward.UserID, reward.Cashback, reward.Points, at); err != nil {
			return Outcome{}, err
		}
		txn.Status = StatusSuccess
		txn.RewardAmount = s.Cashback
		txn.UpdatedAt = at
		outcome.Reward = &reward
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, err
	}
	outcome.Transaction = txn
	return outcome, nil
}

// FindByReference loads a transaction and its reward entry.
func (l *PostgresLedger) FindByReference(ctx context.Context, reference string) (Outcome, error) {
	return l.findOutcome(ctx, outcomeSelect+` WHERE t.reference = $1`, reference)
}

// FindByIdempotencyKey loads the transaction a payer created with the key.
func (l *PostgresLedger) FindByIdempotencyKey(ctx context.Context, payerID, key string) (Outcome, error) {
	return l.findOutcome(ctx, outcomeSelect+` WHERE t.payer_id = $1 AND t.idempotency_key = $2`, payerID, key)
}

// ListByAccount returns the newest transactions where the user is payer or recipient.
func (l *PostgresLedger) ListByAccount(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(ctx, `SELECT `+transactionSelectColumns+`
        FROM transactions t
        WHERE t.payer_id = $1 OR t.recipient_id = $1
        ORDER BY t.created_at DESC
        LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// RewardTotals sums cashback and points for a user.
func (l *PostgresLedger) RewardTotals(ctx context.Context, userID string) (RewardTotals, error) {
	totals := RewardTotals{UserID: userID}
	err := l.db.QueryRow(ctx, `SELECT COALESCE(SUM(cashback), 0), COALESCE(SUM(points), 0)::bigint, COUNT(*)
        FROM reward_entries WHERE user_id = $1`, userID).Scan(&totals.Cashback, &totals.Points, &totals.Entries)
	return totals, err
}

// ExpirePending fails stale pending rows. Rows already locked by a running
// Finalize are skipped and picked up on the next sweep if still pending.
func (l *PostgresLedger) ExpirePending(ctx context.Context, before time.Time) (int, error) {
	tag, err := l.db.Exec(ctx, `
        UPDATE transactions SET status = $1, failure_reason = $2, updated_at = NOW()
        WHERE id IN (
            SELECT id FROM transactions
            WHERE status = $3 AND created_at < $4
            FOR UPDATE SKIP LOCKED
        )`, string(StatusFailed), ReasonExpired, string(StatusPending), before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (l *PostgresLedger) findOutcome(ctx context.Context, query string, args ...any) (Outcome, error) {
	var (
		out        Outcome
		rewardID   *uuid.UUID
		rewardTxID *uuid.UUID
		rewardUser *string
		cashback   decimal.NullDecimal
		points     *int64
		rewardAt   *time.Time
	)
	txn, err := scanTransaction(l.db.QueryRow(ctx, query, args...), &rewardID, &rewardTxID, &rewardUser, &cashback, &points, &rewardAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Outcome{}, ErrTransactionNotFound
		}
		return Outcome{}, err
	}
	out.Transaction = txn
	if rewardID != nil {
		out.Reward = &RewardEntry{
			ID:            rewardID.String(),
			TransactionID: rewardTxID.String(),
			UserID:        *rewardUser,
			Cashback:      cashback.Decimal,
			Points:        *points,
			CreatedAt:     rewardAt.UTC(),
		}
	}
	return out, nil
}

func scanTransaction(row pgx.Row, extra ...any) (Transaction, error) {
	var (
		txn    Transaction
		id     uuid.UUID
		status string
	)
	dest := []any{
		&id, &txn.Reference, &txn.IdempotencyKey, &txn.PayerID, &txn.RecipientID, &txn.Merchant,
		&txn.OriginalAmount, &txn.DiscountAmount, &txn.Amount, &txn.CouponCode, &txn.Rail, &status,
		&txn.FailureReason, &txn.RewardAmount, &txn.Note, &txn.CreatedAt, &txn.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Transaction{}, err
	}
	txn.ID = id.String()
	txn.Status = Status(status)
	txn.CreatedAt = txn.CreatedAt.UTC()
	txn.UpdatedAt = txn.UpdatedAt.UTC()
	return txn, nil
}

func lockBalances(ctx context.Context, tx pgx.Tx, ids []string) (map[string]decimal.Decimal, error) {
	rows, err := tx.Query(ctx, `SELECT user_id, balance FROM accounts
        WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := make(map[string]decimal.Decimal, len(ids))
	for rows.Next() {
		var (
			id      string
			balance decimal.Decimal
		)
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, err
		}
		balances[id] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(balances) != len(ids) {
		return nil, ErrAccountNotFound
	}
	return balances, nil
}

func markFailed(ctx context.Context, tx pgx.Tx, txn Transaction, reason string, at time.Time) (Transaction, error) {
	if _, err := tx.Exec(ctx, `UPDATE transactions SET status = $2, failure_reason = $3, updated_at = $4 WHERE reference = $1`,
		txn.Reference, string(StatusFailed), reason, at); err != nil {
		return Transaction{}, err
	}
	txn.Status = StatusFailed
	txn.FailureReason = reason
	txn.UpdatedAt = at
	return txn, nil
}
