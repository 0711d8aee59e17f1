package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/insurepro/apiserver/types"
	"github.com/lib/pq"
)

// ClaimRepository handles read access and notification bookkeeping for
// claims. State changes go through a Tx.
type ClaimRepository struct {
	db *sql.DB
}

func NewClaimRepository(db *sql.DB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

// ClaimFilter narrows admin claim listings. An empty Statuses matches all.
type ClaimFilter struct {
	Statuses []types.ClaimStatus
	Offset   int
	Limit    int
}

const claimColumns = `c.id, c.claim_number, c.account_id, c.policy_id, c.claim_amount, c.claim_reason,
	c.claim_type, c.status, c.submitted_at, c.processed_at, c.settlement_amount, c.rejection_reason,
	c.adjuster_notes, c.documents, c.notified_at`

const claimDetailColumns = claimColumns + `, p.product_name, p.product_type, p.coverage_amount, a.email, a.name`

const claimDetailFrom = `
	FROM claims c
	JOIN purchases p ON p.id = c.policy_id
	JOIN accounts a ON a.id = c.account_id`

func scanClaim(row rowScanner, extra ...any) (types.Claim, error) {
	var claim types.Claim
	var processedAt, notifiedAt sql.NullTime
	var documentsJSON []byte
	dest := []any{
		&claim.ID,
		&claim.Number,
		&claim.AccountID,
		&claim.PolicyID,
		&claim.Amount,
		&claim.Reason,
		&claim.Category,
		&claim.Status,
		&claim.SubmittedAt,
		&processedAt,
		&claim.SettlementAmount,
		&claim.RejectionReason,
		&claim.AdjusterNotes,
		&documentsJSON,
		&notifiedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Claim{}, ErrNotFound
		}
		return types.Claim{}, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		claim.ProcessedAt = &t
	}
	if notifiedAt.Valid {
		t := notifiedAt.Time
		claim.NotifiedAt = &t
	}
	claim.Documents = []types.ClaimDocument{}
	if len(documentsJSON) > 0 {
		if err := json.Unmarshal(documentsJSON, &claim.Documents); err != nil {
			return types.Claim{}, fmt.Errorf("decode claim documents: %w", err)
		}
	}
	return claim, nil
}

func scanClaimDetail(row rowScanner) (types.ClaimDetail, error) {
	var detail types.ClaimDetail
	claim, err := scanClaim(
		row,
		&detail.PolicyName,
		&detail.PolicyType,
		&detail.CoverageAmount,
		&detail.CustomerEmail,
		&detail.CustomerName,
	)
	if err != nil {
		return types.ClaimDetail{}, err
	}
	detail.Claim = claim
	return detail, nil
}

// claimByIDQuery takes no row lock. Claim transitions are guarded by
// conditional updates on status instead.
const claimByIDQuery = `SELECT ` + claimColumns + ` FROM claims c WHERE c.id = $1`

func getClaim(ctx context.Context, q queryer, id int) (types.Claim, error) {
	return scanClaim(q.QueryRowContext(ctx, claimByIDQuery, id))
}

func countOpenClaims(ctx context.Context, q queryer, policyID int) (int, error) {
	const query = `SELECT COUNT(1) FROM claims WHERE policy_id = $1 AND status IN ('Submitted', 'Under Review')`
	var n int
	if err := q.QueryRowContext(ctx, query, policyID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *ClaimRepository) Get(ctx context.Context, id int) (types.Claim, error) {
	return getClaim(ctx, r.db, id)
}

func (r *ClaimRepository) GetByNumber(ctx context.Context, number string) (types.Claim, error) {
	return scanClaim(r.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims c WHERE c.claim_number = $1`, number))
}

// GetDetail returns a claim joined with its policy and customer.
func (r *ClaimRepository) GetDetail(ctx context.Context, id int) (types.ClaimDetail, error) {
	return scanClaimDetail(r.db.QueryRowContext(ctx, `SELECT `+claimDetailColumns+claimDetailFrom+` WHERE c.id = $1`, id))
}

// CountOpen returns the number of in-flight claims on a policy.
func (r *ClaimRepository) CountOpen(ctx context.Context, policyID int) (int, error) {
	return countOpenClaims(ctx, r.db, policyID)
}

// ListByAccount returns an account's claims, newest first.
func (r *ClaimRepository) ListByAccount(ctx context.Context, accountID int) ([]types.ClaimDetail, error) {
	query := `SELECT ` + claimDetailColumns + claimDetailFrom + `
		WHERE c.account_id = $1
		ORDER BY c.submitted_at DESC, c.id DESC`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claims := make([]types.ClaimDetail, 0)
	for rows.Next() {
		detail, err := scanClaimDetail(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, detail)
	}
	return claims, rows.Err()
}

// List returns claims matching filter, newest first, with the total count.
func (r *ClaimRepository) List(ctx context.Context, filter ClaimFilter) ([]types.ClaimDetail, int, error) {
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Limit < 1 {
		filter.Limit = 20
	}
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}

	const where = ` WHERE (cardinality($1::text[]) = 0 OR c.status = ANY($1::text[]))`

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM claims c`+where, pq.Array(statuses)).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + claimDetailColumns + claimDetailFrom + where + `
		ORDER BY c.submitted_at DESC, c.id DESC
		OFFSET $2 LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(statuses), filter.Offset, filter.Limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	claims := make([]types.ClaimDetail, 0, filter.Limit)
	for rows.Next() {
		detail, err := scanClaimDetail(rows)
		if err != nil {
			return nil, 0, err
		}
		claims = append(claims, detail)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return claims, total, nil
}

// MarkNotified claims the decision message for delivery. Already-notified
// claims are left untouched and report ErrConflict.
func (r *ClaimRepository) MarkNotified(ctx context.Context, id int, at time.Time) error {
	const query = `UPDATE claims SET notified_at = $1 WHERE id = $2 AND notified_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrConflict)
}

// ClearNotified undoes MarkNotified after a failed delivery.
func (r *ClaimRepository) ClearNotified(ctx context.Context, id int) error {
	result, err := r.db.ExecContext(ctx, `UPDATE claims SET notified_at = NULL WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrNotFound)
}
