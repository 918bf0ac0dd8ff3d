package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"payment-switch/internal/models"
)

// Postgres wraps pgxpool for durable transaction, user, plugin log and token records.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const txnColumns = `id, txn_id, user_id, amount, currency, converted_amount, converted_currency, type, status,
	payment_method, merchant_id, merchant_name, description, metadata, created_at, updated_at`

// CreateTransaction inserts a pending transaction and its first history row.
func (s *Postgres) CreateTransaction(ctx context.Context, p models.NewTransaction) (models.Transaction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Transaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	id, err := insertTransaction(ctx, tx, p)
	if err != nil {
		return models.Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Transaction{}, fmt.Errorf("commit: %w", err)
	}
	return s.GetTransaction(ctx, id)
}

// CreateRefund locks the original row so concurrent refunds of it serialize, then inserts
// the refund only if it and every refund of the original that has not failed stay within
// the original amount.
func (s *Postgres) CreateRefund(ctx context.Context, originalID string, p models.NewTransaction) (models.Transaction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Transaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var txnID string
	var amount float64
	err = tx.QueryRow(ctx, `SELECT txn_id, amount::float8 FROM transactions WHERE id = $1 FOR UPDATE`, originalID).Scan(&txnID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", originalID, models.ErrNotFound)
	}
	if err != nil {
		return models.Transaction{}, fmt.Errorf("lock original transaction: %w", err)
	}
	var refunded float64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::float8 FROM transactions
		WHERE type = $1 AND status <> $2 AND metadata->>'originalTransactionId' = $3
	`, models.TxnRefund, models.TxnFailed, originalID).Scan(&refunded); err != nil {
		return models.Transaction{}, fmt.Errorf("sum prior refunds: %w", err)
	}
	if models.RoundAmount(refunded+p.Amount) > amount {
		return models.Transaction{}, fmt.Errorf("transaction %s has %.2f of %.2f refunded: %w", txnID, refunded, amount, models.ErrRefundExceedsOriginal)
	}

	p.Metadata = models.MergeMetadata(p.Metadata, map[string]any{"originalTransactionId": originalID})
	id, err := insertTransaction(ctx, tx, p)
	if err != nil {
		return models.Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Transaction{}, fmt.Errorf("commit: %w", err)
	}
	return s.GetTransaction(ctx, id)
}

func insertTransaction(ctx context.Context, tx pgx.Tx, p models.NewTransaction) (string, error) {
	metaJSON, err := json.Marshal(models.MergeMetadata(nil, p.Metadata))
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (id, txn_id, user_id, amount, currency, type, status, payment_method,
			merchant_id, merchant_name, description, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, id, models.NewTxnID(now), p.UserID, p.Amount, p.Currency, p.Type, models.TxnPending, p.PaymentMethod,
		p.MerchantID, p.MerchantName, p.Description, metaJSON, now)
	if err != nil {
		return "", fmt.Errorf("insert transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transaction_events (transaction_id, status, details, recorded_at) VALUES ($1, $2, '{}'::jsonb, $3)
	`, id, models.TxnPending, now); err != nil {
		return "", fmt.Errorf("insert transaction event: %w", err)
	}
	return id, nil
}

func (s *Postgres) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id), id)
}

func (s *Postgres) GetTransactionByTxnID(ctx context.Context, txnID string) (models.Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE txn_id = $1`, txnID), txnID)
}

// UpdateTransactionStatus locks the row, rejects changes to terminal transactions, merges
// details into metadata and appends a history row.
func (s *Postgres) UpdateTransactionStatus(ctx context.Context, id string, status models.TransactionStatus, details map[string]any) (models.Transaction, error) {
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("marshal details: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Transaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current models.TransactionStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Transaction{}, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
		}
		return models.Transaction{}, fmt.Errorf("lock transaction: %w", err)
	}
	if !current.CanTransition(status) {
		return models.Transaction{}, fmt.Errorf("transaction %s %s -> %s: %w", id, current, status, models.ErrTerminalStatus)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE transactions SET status = $2, metadata = metadata || $3::jsonb, updated_at = NOW() WHERE id = $1
	`, id, status, detailsJSON); err != nil {
		return models.Transaction{}, fmt.Errorf("update transaction status: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transaction_events (transaction_id, status, details, recorded_at) VALUES ($1, $2, $3, NOW())
	`, id, status, detailsJSON); err != nil {
		return models.Transaction{}, fmt.Errorf("insert transaction event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Transaction{}, fmt.Errorf("commit: %w", err)
	}
	return s.GetTransaction(ctx, id)
}

func (s *Postgres) UpdateConversion(ctx context.Context, id string, amount float64, currency string) (models.Transaction, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions SET converted_amount = $2, converted_currency = $3, updated_at = NOW() WHERE id = $1
	`, id, amount, currency)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("update conversion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
	}
	return s.GetTransaction(ctx, id)
}

func (s *Postgres) StatusHistory(ctx context.Context, id string) ([]models.StatusEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_id, status, details, recorded_at FROM transaction_events
		WHERE transaction_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query transaction events: %w", err)
	}
	defer rows.Close()

	var out []models.StatusEvent
	for rows.Next() {
		var evt models.StatusEvent
		var detailsJSON []byte
		if err := rows.Scan(&evt.TransactionID, &evt.Status, &detailsJSON, &evt.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan transaction event: %w", err)
		}
		if err := json.Unmarshal(detailsJSON, &evt.Details); err != nil {
			return nil, fmt.Errorf("unmarshal event details: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// RecentActivity counts the user's non-failed transactions created at or after since.
func (s *Postgres) RecentActivity(ctx context.Context, userID string, since time.Time) (int, float64, error) {
	var count int
	var total float64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(COALESCE(converted_amount, amount)), 0)::float8
		FROM transactions WHERE user_id = $1 AND created_at >= $2 AND status <> $3
	`, userID, since, models.TxnFailed).Scan(&count, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("query recent activity: %w", err)
	}
	return count, total, nil
}

func scanTransaction(row pgx.Row, key string) (models.Transaction, error) {
	var txn models.Transaction
	var converted *float64
	var convertedCurrency pgtype.Text
	var metaJSON []byte
	err := row.Scan(&txn.ID, &txn.TxnID, &txn.UserID, &txn.Amount, &txn.Currency, &converted, &convertedCurrency,
		&txn.Type, &txn.Status, &txn.PaymentMethod, &txn.MerchantID, &txn.MerchantName, &txn.Description,
		&metaJSON, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Transaction{}, fmt.Errorf("transaction %s: %w", key, models.ErrNotFound)
		}
		return models.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &txn.Metadata); err != nil {
		return models.Transaction{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	txn.ConvertedAmount = converted
	if convertedCurrency.Valid {
		txn.ConvertedCurrency = convertedCurrency.String
	}
	return txn, nil
}

const userColumns = `id, COALESCE(email, ''), COALESCE(phone, ''), name, status, wallet_balance, daily_limit, created_at, updated_at`

// CreateUser upserts a user record.
func (s *Postgres) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = models.UserActive
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, phone, name, status, wallet_balance, daily_limit)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, phone = EXCLUDED.phone, name = EXCLUDED.name,
			status = EXCLUDED.status, wallet_balance = EXCLUDED.wallet_balance, daily_limit = EXCLUDED.daily_limit,
			updated_at = NOW()
		RETURNING `+userColumns, u.ID, u.Email, u.Phone, u.Name, u.Status, u.WalletBalance, u.DailyLimit)
	return scanUser(row, u.ID)
}

func (s *Postgres) FindUserByID(ctx context.Context, id string) (models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id), "id "+id)
}

func (s *Postgres) FindUserByEmail(ctx context.Context, email string) (models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email), "email "+email)
}

func (s *Postgres) FindUserByPhone(ctx context.Context, phone string) (models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone), "phone "+phone)
}

// UpdateBalance adjusts the wallet in a single statement; subtraction never goes negative.
func (s *Postgres) UpdateBalance(ctx context.Context, id string, amount float64, op models.BalanceOp) (models.User, error) {
	var row pgx.Row
	switch op {
	case models.BalanceAdd:
		row = s.pool.QueryRow(ctx, `
			UPDATE users SET wallet_balance = wallet_balance + $2, updated_at = NOW() WHERE id = $1
			RETURNING `+userColumns, id, amount)
	case models.BalanceSubtract:
		row = s.pool.QueryRow(ctx, `
			UPDATE users SET wallet_balance = wallet_balance - $2, updated_at = NOW()
			WHERE id = $1 AND wallet_balance >= $2
			RETURNING `+userColumns, id, amount)
	default:
		return models.User{}, fmt.Errorf("unknown balance op %q", op)
	}
	u, err := scanUser(row, "id "+id)
	if errors.Is(err, models.ErrNotFound) && op == models.BalanceSubtract {
		if existing, findErr := s.FindUserByID(ctx, id); findErr == nil {
			return existing, fmt.Errorf("user %s: %w", id, models.ErrInsufficientFunds)
		}
	}
	return u, err
}

// CreditRefund adds a processing refund's amount to its user's wallet and sets the
// balanceCredited marker in one database transaction. A refund already marked is
// returned unchanged.
func (s *Postgres) CreditRefund(ctx context.Context, transactionID string) (models.Transaction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Transaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status   models.TransactionStatus
		userID   string
		amount   float64
		credited bool
	)
	err = tx.QueryRow(ctx, `
		SELECT status, user_id, amount::float8, COALESCE((metadata->>'balanceCredited')::boolean, false)
		FROM transactions WHERE id = $1 FOR UPDATE
	`, transactionID).Scan(&status, &userID, &amount, &credited)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", transactionID, models.ErrNotFound)
	}
	if err != nil {
		return models.Transaction{}, fmt.Errorf("lock transaction: %w", err)
	}
	if credited {
		return s.GetTransaction(ctx, transactionID)
	}
	if status != models.TxnProcessing {
		return models.Transaction{}, fmt.Errorf("refund %s is %s, not processing", transactionID, status)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE users SET wallet_balance = wallet_balance + $2, updated_at = NOW() WHERE id = $1
	`, userID, amount)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("credit user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Transaction{}, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
	}
	details := []byte(`{"balanceCredited":true}`)
	if _, err := tx.Exec(ctx, `
		UPDATE transactions SET metadata = metadata || $2::jsonb, updated_at = NOW() WHERE id = $1
	`, transactionID, details); err != nil {
		return models.Transaction{}, fmt.Errorf("mark balance credited: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transaction_events (transaction_id, status, details, recorded_at) VALUES ($1, $2, $3, NOW())
	`, transactionID, status, details); err != nil {
		return models.Transaction{}, fmt.Errorf("insert transaction event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Transaction{}, fmt.Errorf("commit: %w", err)
	}
	return s.GetTransaction(ctx, transactionID)
}

func scanUser(row pgx.Row, label string) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Phone, &u.Name, &u.Status, &u.WalletBalance, &u.DailyLimit, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, fmt.Errorf("user with %s: %w", label, models.ErrNotFound)
		}
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (s *Postgres) CreatePluginLog(ctx context.Context, entry models.PluginLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	input, err := json.Marshal(nonNil(entry.Input))
	if err != nil {
		return fmt.Errorf("marshal plugin input: %w", err)
	}
	output, err := json.Marshal(nonNil(entry.Output))
	if err != nil {
		return fmt.Errorf("marshal plugin output: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO plugin_logs (id, transaction_id, plugin_name, status, input, output, error_message, execution_time_us, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.TransactionID, entry.PluginName, entry.Status, input, output, entry.ErrorMessage,
		entry.ExecutionTime.Microseconds(), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert plugin log: %w", err)
	}
	return nil
}

func (s *Postgres) ListPluginLogs(ctx context.Context, transactionID string) ([]models.PluginLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, transaction_id, plugin_name, status, input, output, error_message, execution_time_us, created_at
		FROM plugin_logs WHERE transaction_id = $1 ORDER BY created_at, id
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query plugin logs: %w", err)
	}
	defer rows.Close()

	var out []models.PluginLog
	for rows.Next() {
		var entry models.PluginLog
		var input, output []byte
		var micros int64
		if err := rows.Scan(&entry.ID, &entry.TransactionID, &entry.PluginName, &entry.Status, &input, &output,
			&entry.ErrorMessage, &micros, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan plugin log: %w", err)
		}
		if err := json.Unmarshal(input, &entry.Input); err != nil {
			return nil, fmt.Errorf("unmarshal plugin input: %w", err)
		}
		if err := json.Unmarshal(output, &entry.Output); err != nil {
			return nil, fmt.Errorf("unmarshal plugin output: %w", err)
		}
		entry.ExecutionTime = time.Duration(micros) * time.Microsecond
		out = append(out, entry)
	}
	return out, rows.Err()
}

const tokenColumns = `id, token, user_id, amount, currency, status, allowed_merchants, blocked_merchants,
	expires_at, used_at, used_by_merchant, issued_for, redeemed_by, created_at`

func (s *Postgres) CreateToken(ctx context.Context, tok models.OfflineToken) (models.OfflineToken, error) {
	if tok.ID == "" {
		tok.ID = uuid.NewString()
	}
	if tok.Status == "" {
		tok.Status = models.TokenActive
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offline_tokens (id, token, user_id, amount, currency, status, allowed_merchants, blocked_merchants,
			expires_at, issued_for, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, tok.ID, tok.Token, tok.UserID, tok.Amount, tok.Currency, tok.Status,
		nonNilStrings(tok.Restrictions.Allowed), nonNilStrings(tok.Restrictions.Blocked), tok.ExpiresAt, tok.IssuedFor, tok.CreatedAt)
	if err != nil {
		return models.OfflineToken{}, fmt.Errorf("insert offline token: %w", err)
	}
	return tok, nil
}

func (s *Postgres) GetToken(ctx context.Context, code string) (models.OfflineToken, error) {
	return scanToken(s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM offline_tokens WHERE token = $1`, code), code)
}

// FindTokenIssuedFor returns the token generated by transactionID.
func (s *Postgres) FindTokenIssuedFor(ctx context.Context, transactionID string) (models.OfflineToken, error) {
	if transactionID == "" {
		return models.OfflineToken{}, fmt.Errorf("token for empty transaction: %w", models.ErrNotFound)
	}
	return scanToken(s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM offline_tokens WHERE issued_for = $1`, transactionID),
		"for transaction "+transactionID)
}

// RedeemToken locks the token row and marks it used by transactionID if it is still
// redeemable at now. A token this transaction already redeemed is returned as is.
func (s *Postgres) RedeemToken(ctx context.Context, code, merchantID, transactionID string, now time.Time) (models.OfflineToken, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.OfflineToken{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tok, err := scanToken(tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM offline_tokens WHERE token = $1 FOR UPDATE`, code), code)
	if err != nil {
		return models.OfflineToken{}, err
	}
	if tok.RedeemedByTxn(transactionID) {
		return tok, nil
	}
	if ok, reason := tok.CanRedeem(merchantID, now); !ok {
		return tok, fmt.Errorf("%s: %w", reason, models.ErrTokenNotRedeemable)
	}
	usedAt := now.UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE offline_tokens SET status = $2, used_at = $3, used_by_merchant = $4, redeemed_by = $5 WHERE id = $1
	`, tok.ID, models.TokenUsed, usedAt, merchantID, transactionID); err != nil {
		return models.OfflineToken{}, fmt.Errorf("redeem token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.OfflineToken{}, fmt.Errorf("commit: %w", err)
	}
	tok.Status = models.TokenUsed
	tok.UsedAt = &usedAt
	tok.UsedByMerchant = merchantID
	tok.RedeemedBy = transactionID
	return tok, nil
}

// ExpireTokens flips active tokens past their expiry to expired and returns how many changed.
func (s *Postgres) ExpireTokens(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE offline_tokens SET status = $1 WHERE status = $2 AND expires_at <= $3
	`, models.TokenExpired, models.TokenActive, now)
	if err != nil {
		return 0, fmt.Errorf("expire tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanToken(row pgx.Row, code string) (models.OfflineToken, error) {
	var tok models.OfflineToken
	var usedAt pgtype.Timestamptz
	var usedBy, redeemedBy pgtype.Text
	err := row.Scan(&tok.ID, &tok.Token, &tok.UserID, &tok.Amount, &tok.Currency, &tok.Status,
		&tok.Restrictions.Allowed, &tok.Restrictions.Blocked, &tok.ExpiresAt, &usedAt, &usedBy,
		&tok.IssuedFor, &redeemedBy, &tok.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.OfflineToken{}, fmt.Errorf("token %s: %w", code, models.ErrNotFound)
		}
		return models.OfflineToken{}, fmt.Errorf("scan offline token: %w", err)
	}
	if usedAt.Valid {
		t := usedAt.Time
		tok.UsedAt = &t
	}
	if usedBy.Valid {
		tok.UsedByMerchant = usedBy.String
	}
	if redeemedBy.Valid {
		tok.RedeemedBy = redeemedBy.String
	}
	return tok, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
