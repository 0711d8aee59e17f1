package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/insurepro/apiserver/types"
	"github.com/shopspring/decimal"
)

// AccountRepository handles persistence for accounts.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, email, name, role, password_hash, reset_otp_hash, reset_otp_expires, created_at, updated_at`

func scanAccount(row rowScanner) (types.Account, error) {
	var account types.Account
	var otpExpires sql.NullTime
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.Name,
		&account.Role,
		&account.PasswordHash,
		&account.ResetOTPHash,
		&otpExpires,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Account{}, ErrNotFound
		}
		return types.Account{}, err
	}
	if otpExpires.Valid {
		t := otpExpires.Time
		account.ResetOTPExpires = &t
	}
	return account, nil
}

func getAccount(ctx context.Context, q queryer, id int) (types.Account, error) {
	return scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *AccountRepository) GetByID(ctx context.Context, id int) (types.Account, error) {
	return getAccount(ctx, r.db, id)
}

// GetByEmail looks an account up case-insensitively.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (types.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE LOWER(email) = LOWER($1)`
	return scanAccount(r.db.QueryRowContext(ctx, query, strings.TrimSpace(email)))
}

// Create inserts a new account. A duplicate email yields ErrConflict.
func (r *AccountRepository) Create(ctx context.Context, account types.Account) (types.Account, error) {
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now
	account.Email = strings.ToLower(strings.TrimSpace(account.Email))

	const query = `
		INSERT INTO accounts (email, name, role, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		account.Email,
		account.Name,
		account.Role,
		account.PasswordHash,
		account.CreatedAt,
		account.UpdatedAt,
	).Scan(&account.ID); err != nil {
		if isUniqueViolation(err) {
			return types.Account{}, ErrConflict
		}
		return types.Account{}, err
	}
	return account, nil
}

// UpdatePassword replaces the password hash and clears any reset code.
func (r *AccountRepository) UpdatePassword(ctx context.Context, id int, passwordHash string) error {
	const query = `
		UPDATE accounts
		SET password_hash = $1,
			reset_otp_hash = '',
			reset_otp_expires = NULL,
			updated_at = NOW()
		WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, passwordHash, id)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrNotFound)
}

// UpdateRole changes the role of an existing account.
func (r *AccountRepository) UpdateRole(ctx context.Context, id int, role string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE accounts SET role = $1, updated_at = NOW() WHERE id = $2`, role, id)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrNotFound)
}

// SetResetOTP stores a hashed one-time reset code with its expiry.
func (r *AccountRepository) SetResetOTP(ctx context.Context, id int, otpHash string, expires time.Time) error {
	const query = `
		UPDATE accounts
		SET reset_otp_hash = $1,
			reset_otp_expires = $2,
			updated_at = NOW()
		WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, otpHash, expires, id)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrNotFound)
}

// ListSummaries returns customer accounts with their policy and claim totals.
func (r *AccountRepository) ListSummaries(ctx context.Context, offset, limit int) ([]types.AccountSummary, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 20
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts WHERE role = 'customer'`).Scan(&total); err != nil {
		return nil, 0, err
	}

	const query = `
		SELECT a.id, a.email, a.name, a.created_at,
		       (SELECT COUNT(1) FROM purchases p WHERE p.account_id = a.id),
		       (SELECT COUNT(1) FROM claims c WHERE c.account_id = a.id),
		       (SELECT COALESCE(SUM(p.premium), 0) FROM purchases p WHERE p.account_id = a.id)
		FROM accounts a
		WHERE a.role = 'customer'
		ORDER BY a.created_at DESC, a.id DESC
		OFFSET $1 LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	summaries := make([]types.AccountSummary, 0, limit)
	for rows.Next() {
		var s types.AccountSummary
		var premium decimal.Decimal
		if err := rows.Scan(&s.ID, &s.Email, &s.Name, &s.CreatedAt, &s.TotalPolicies, &s.TotalClaims, &premium); err != nil {
			return nil, 0, err
		}
		s.TotalPremium = premium
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}
