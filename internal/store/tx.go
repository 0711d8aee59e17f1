package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/insurepro/apiserver/types"
	"github.com/shopspring/decimal"
)

// Tx is the set of writes that change claim or policy state. Every method
// runs inside the transaction opened by Transactor.InTx.
type Tx interface {
	// GetAccount reads an account row.
	GetAccount(ctx context.Context, id int) (types.Account, error)

	// LockPolicy reads a policy and holds a row lock until the transaction ends.
	LockPolicy(ctx context.Context, id int) (types.Policy, error)

	CountOpenClaims(ctx context.Context, policyID int) (int, error)
	InsertPolicy(ctx context.Context, policy types.Policy) (types.Policy, error)
	UpdatePolicyStatus(ctx context.Context, policyID int, status types.PolicyStatus, claimStatus types.PolicyClaimStatus) error

	// InsertClaim stores a new claim. A second open claim on the same policy
	// or a duplicate claim number yields ErrConflict.
	InsertClaim(ctx context.Context, claim types.Claim) (types.Claim, error)

	// MarkClaimUnderReview moves a Submitted claim to Under Review. A claim in
	// any other state yields ErrConflict.
	MarkClaimUnderReview(ctx context.Context, id int) (types.Claim, error)

	// DecideClaim records a terminal decision on a non-terminal claim. A claim
	// that is already terminal yields ErrConflict.
	DecideClaim(ctx context.Context, d ClaimDecision) (types.Claim, error)
}

// ClaimDecision carries the columns written when a claim is decided.
type ClaimDecision struct {
	ClaimID          int
	Status           types.ClaimStatus
	SettlementAmount decimal.NullDecimal
	RejectionReason  string
	AdjusterNotes    string
	ProcessedAt      time.Time
}

// Transactor opens database transactions for Tx work.
type Transactor struct {
	db *sql.DB
}

func NewTransactor(db *sql.DB) *Transactor {
	return &Transactor{db: db}
}

// InTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (t *Transactor) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// lockPolicyQuery serializes submissions against one policy.
const lockPolicyQuery = `SELECT ` + policyColumns + ` FROM purchases p WHERE p.id = $1 FOR UPDATE`

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) GetAccount(ctx context.Context, id int) (types.Account, error) {
	return getAccount(ctx, t.tx, id)
}

func (t *sqlTx) LockPolicy(ctx context.Context, id int) (types.Policy, error) {
	return scanPolicy(t.tx.QueryRowContext(ctx, lockPolicyQuery, id))
}

func (t *sqlTx) CountOpenClaims(ctx context.Context, policyID int) (int, error) {
	return countOpenClaims(ctx, t.tx, policyID)
}

func (t *sqlTx) InsertPolicy(ctx context.Context, policy types.Policy) (types.Policy, error) {
	return insertPolicy(ctx, t.tx, policy)
}

func (t *sqlTx) UpdatePolicyStatus(ctx context.Context, policyID int, status types.PolicyStatus, claimStatus types.PolicyClaimStatus) error {
	const query = `
		UPDATE purchases
		SET status = $1,
			claim_status = $2,
			updated_at = NOW()
		WHERE id = $3`
	result, err := t.tx.ExecContext(ctx, query, status, claimStatus, policyID)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrNotFound)
}

func (t *sqlTx) InsertClaim(ctx context.Context, claim types.Claim) (types.Claim, error) {
	if claim.Documents == nil {
		claim.Documents = []types.ClaimDocument{}
	}
	documentsJSON, err := json.Marshal(claim.Documents)
	if err != nil {
		return types.Claim{}, err
	}

	const query = `
		INSERT INTO claims (
			claim_number, account_id, policy_id, claim_amount, claim_reason,
			claim_type, status, submitted_at, documents
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	if err := t.tx.QueryRowContext(
		ctx,
		query,
		claim.Number,
		claim.AccountID,
		claim.PolicyID,
		claim.Amount,
		claim.Reason,
		claim.Category,
		claim.Status,
		claim.SubmittedAt,
		documentsJSON,
	).Scan(&claim.ID); err != nil {
		if isUniqueViolation(err) {
			return types.Claim{}, ErrConflict
		}
		return types.Claim{}, err
	}
	return claim, nil
}

func (t *sqlTx) MarkClaimUnderReview(ctx context.Context, id int) (types.Claim, error) {
	const query = `UPDATE claims SET status = 'Under Review' WHERE id = $1 AND status = 'Submitted'`
	result, err := t.tx.ExecContext(ctx, query, id)
	if err != nil {
		return types.Claim{}, err
	}
	if err := expectAffected(result, ErrConflict); err != nil {
		return types.Claim{}, err
	}
	return getClaim(ctx, t.tx, id)
}

func (t *sqlTx) DecideClaim(ctx context.Context, d ClaimDecision) (types.Claim, error) {
	const query = `
		UPDATE claims
		SET status = $1,
			settlement_amount = $2,
			rejection_reason = $3,
			adjuster_notes = $4,
			processed_at = $5
		WHERE id = $6 AND status IN ('Submitted', 'Under Review')`
	result, err := t.tx.ExecContext(
		ctx,
		query,
		d.Status,
		d.SettlementAmount,
		d.RejectionReason,
		d.AdjusterNotes,
		d.ProcessedAt,
		d.ClaimID,
	)
	if err != nil {
		return types.Claim{}, err
	}
	if err := expectAffected(result, ErrConflict); err != nil {
		return types.Claim{}, err
	}
	return getClaim(ctx, t.tx, d.ClaimID)
}
