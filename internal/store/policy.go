package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/insurepro/apiserver/types"
)

// PolicyRepository handles persistence for purchased policies.
type PolicyRepository struct {
	db *sql.DB
}

func NewPolicyRepository(db *sql.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

const policyColumns = `p.id, p.account_id, p.product_id, p.product_name, p.product_type, p.premium,
	p.coverage_amount, p.term_years, p.purchased_at, p.expires_at, p.status, p.claim_status,
	p.installment_no, p.is_renewal, p.original_purchase_id, p.created_at, p.updated_at`

func scanPolicy(row rowScanner, extra ...any) (types.Policy, error) {
	var policy types.Policy
	var original sql.NullInt64
	dest := []any{
		&policy.ID,
		&policy.AccountID,
		&policy.ProductID,
		&policy.ProductName,
		&policy.ProductType,
		&policy.Premium,
		&policy.CoverageAmount,
		&policy.TermYears,
		&policy.PurchasedAt,
		&policy.ExpiresAt,
		&policy.Status,
		&policy.ClaimStatus,
		&policy.InstallmentNo,
		&policy.IsRenewal,
		&original,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Policy{}, ErrNotFound
		}
		return types.Policy{}, err
	}
	if original.Valid {
		id := int(original.Int64)
		policy.OriginalPurchaseID = &id
	}
	return policy, nil
}

func insertPolicy(ctx context.Context, q queryer, policy types.Policy) (types.Policy, error) {
	now := time.Now()
	policy.CreatedAt = now
	policy.UpdatedAt = now
	if policy.PurchasedAt.IsZero() {
		policy.PurchasedAt = now
	}

	const query = `
		INSERT INTO purchases (
			account_id, product_id, product_name, product_type, premium, coverage_amount,
			term_years, purchased_at, expires_at, status, claim_status, installment_no,
			is_renewal, original_purchase_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`
	if err := q.QueryRowContext(
		ctx,
		query,
		policy.AccountID,
		policy.ProductID,
		policy.ProductName,
		policy.ProductType,
		policy.Premium,
		policy.CoverageAmount,
		policy.TermYears,
		policy.PurchasedAt,
		policy.ExpiresAt,
		policy.Status,
		policy.ClaimStatus,
		policy.InstallmentNo,
		policy.IsRenewal,
		policy.OriginalPurchaseID,
		policy.CreatedAt,
		policy.UpdatedAt,
	).Scan(&policy.ID); err != nil {
		return types.Policy{}, err
	}
	return policy, nil
}

func (r *PolicyRepository) Create(ctx context.Context, policy types.Policy) (types.Policy, error) {
	return insertPolicy(ctx, r.db, policy)
}

func (r *PolicyRepository) Get(ctx context.Context, id int) (types.Policy, error) {
	return scanPolicy(r.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM purchases p WHERE p.id = $1`, id))
}

// ListByAccount returns an account's policies, newest first.
func (r *PolicyRepository) ListByAccount(ctx context.Context, accountID int) ([]types.Policy, error) {
	const query = `SELECT ` + policyColumns + `
		FROM purchases p
		WHERE p.account_id = $1
		ORDER BY p.purchased_at DESC, p.id DESC`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	policies := make([]types.Policy, 0)
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

// ListSummaries returns every policy with its owner and claim count.
func (r *PolicyRepository) ListSummaries(ctx context.Context, offset, limit int) ([]types.PolicySummary, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 20
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM purchases`).Scan(&total); err != nil {
		return nil, 0, err
	}

	const query = `SELECT ` + policyColumns + `, a.email,
		       (SELECT COUNT(1) FROM claims c WHERE c.policy_id = p.id)
		FROM purchases p
		JOIN accounts a ON a.id = p.account_id
		ORDER BY p.purchased_at DESC, p.id DESC
		OFFSET $1 LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	summaries := make([]types.PolicySummary, 0, limit)
	for rows.Next() {
		var summary types.PolicySummary
		policy, err := scanPolicy(rows, &summary.CustomerEmail, &summary.TotalClaims)
		if err != nil {
			return nil, 0, err
		}
		summary.Policy = policy
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

// Delete removes a policy the account owns, provided it is no longer in
// force and has no open claim. A policy that fails those conditions yields
// ErrConflict; terminal claims on it are removed with it.
func (r *PolicyRepository) Delete(ctx context.Context, id, accountID int, now time.Time) error {
	const query = `
		DELETE FROM purchases p
		WHERE p.id = $1
		  AND p.account_id = $2
		  AND NOT (p.status = 'Active' AND p.expires_at > $3)
		  AND NOT EXISTS (
		      SELECT 1 FROM claims c
		      WHERE c.policy_id = p.id AND c.status IN ('Submitted', 'Under Review')
		  )`
	result, err := r.db.ExecContext(ctx, query, id, accountID, now)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrConflict)
}

// Stats computes the admin dashboard totals.
func (r *PolicyRepository) Stats(ctx context.Context, now time.Time) (types.DashboardStats, error) {
	const query = `
		SELECT
			(SELECT COUNT(1) FROM accounts WHERE role = 'customer'),
			(SELECT COUNT(1) FROM purchases),
			(SELECT COUNT(1) FROM purchases WHERE status = 'Active' AND expires_at > $1),
			(SELECT COUNT(1) FROM claims),
			(SELECT COUNT(1) FROM claims WHERE status IN ('Submitted', 'Under Review')),
			(SELECT COALESCE(SUM(premium), 0) FROM purchases)`
	var stats types.DashboardStats
	err := r.db.QueryRowContext(ctx, query, now).Scan(
		&stats.TotalCustomers,
		&stats.TotalPolicies,
		&stats.ActivePolicies,
		&stats.TotalClaims,
		&stats.PendingClaims,
		&stats.TotalPremium,
	)
	if err != nil {
		return types.DashboardStats{}, err
	}
	return stats, nil
}
