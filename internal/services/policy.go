package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/insurepro/apiserver/internal/store"
	"github.com/insurepro/apiserver/types"
	"github.com/shopspring/decimal"
)

const (
	// renewalWindow is how close to expiry a policy becomes renewable.
	renewalWindow = 30 * 24 * time.Hour
	maxTermYears  = 50
)

// PolicyRepository defines persistence operations for policies.
type PolicyRepository interface {
	Get(ctx context.Context, id int) (types.Policy, error)
	Create(ctx context.Context, policy types.Policy) (types.Policy, error)
	ListByAccount(ctx context.Context, accountID int) ([]types.Policy, error)
	ListSummaries(ctx context.Context, offset, limit int) ([]types.PolicySummary, int, error)
	Delete(ctx context.Context, id, accountID int, now time.Time) error
	Stats(ctx context.Context, now time.Time) (types.DashboardStats, error)
}

// PurchaseInput describes a new policy purchase.
type PurchaseInput struct {
	AccountID      int
	ProductID      string
	ProductName    string
	ProductType    string
	Premium        decimal.Decimal
	CoverageAmount decimal.Decimal
	TermYears      int
}

// PolicyService encapsulates policy purchase, renewal and listing.
type PolicyService struct {
	repo PolicyRepository
	tx   Transactor
	now  func() time.Time
}

func NewPolicyService(repo PolicyRepository, tx Transactor) *PolicyService {
	return &PolicyService{repo: repo, tx: tx, now: time.Now}
}

// Purchase records a new Active policy. Payment is settled elsewhere.
func (s *PolicyService) Purchase(ctx context.Context, in PurchaseInput) (types.Policy, error) {
	in.ProductID = strings.TrimSpace(in.ProductID)
	in.ProductName = strings.TrimSpace(in.ProductName)
	in.ProductType = strings.TrimSpace(in.ProductType)
	switch {
	case in.AccountID < 1:
		return types.Policy{}, invalid("account_id", "account id is required")
	case in.ProductID == "":
		return types.Policy{}, invalid("product_id", "product id is required")
	case in.ProductName == "":
		return types.Policy{}, invalid("product_name", "product name is required")
	case in.ProductType == "":
		return types.Policy{}, invalid("product_type", "product type is required")
	case !in.Premium.IsPositive():
		return types.Policy{}, invalid("premium", "premium must be greater than zero")
	case !in.CoverageAmount.IsPositive():
		return types.Policy{}, invalid("coverage_amount", "coverage amount must be greater than zero")
	case in.TermYears < 1 || in.TermYears > maxTermYears:
		return types.Policy{}, invalid("term_years", "term must be between 1 and 50 years")
	}

	now := s.now()
	policy, err := s.repo.Create(ctx, types.Policy{
		AccountID:      in.AccountID,
		ProductID:      in.ProductID,
		ProductName:    in.ProductName,
		ProductType:    in.ProductType,
		Premium:        in.Premium,
		CoverageAmount: in.CoverageAmount,
		TermYears:      in.TermYears,
		PurchasedAt:    now,
		ExpiresAt:      now.AddDate(in.TermYears, 0, 0),
		Status:         types.PolicyActive,
		ClaimStatus:    types.PolicyClaimNone,
		InstallmentNo:  1,
	})
	if err != nil {
		return types.Policy{}, translate(err, "create policy", "policy", in.ProductID)
	}
	return policy, nil
}

// Get returns a policy owned by accountID.
func (s *PolicyService) Get(ctx context.Context, accountID, id int) (types.Policy, error) {
	policy, err := s.repo.Get(ctx, id)
	if err != nil {
		return types.Policy{}, translate(err, "load policy", "policy", id)
	}
	if policy.AccountID != accountID {
		return types.Policy{}, notFound("policy", id)
	}
	return policy, nil
}

// ListForAccount returns the account's policies with expiry folded into
// their status.
func (s *PolicyService) ListForAccount(ctx context.Context, accountID int) ([]types.Policy, error) {
	policies, err := s.repo.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, &DependencyError{Op: "list policies", Err: err}
	}
	now := s.now()
	for i := range policies {
		policies[i].Status = policies[i].EffectiveStatus(now)
	}
	return policies, nil
}

// ListAll returns every policy for administrators.
func (s *PolicyService) ListAll(ctx context.Context, offset, limit int) ([]types.PolicySummary, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	policies, total, err := s.repo.ListSummaries(ctx, offset, limit)
	if err != nil {
		return nil, 0, &DependencyError{Op: "list policies", Err: err}
	}
	now := s.now()
	for i := range policies {
		policies[i].Status = policies[i].EffectiveStatus(now)
	}
	return policies, total, nil
}

// Stats returns the admin dashboard totals.
func (s *PolicyService) Stats(ctx context.Context) (types.DashboardStats, error) {
	stats, err := s.repo.Stats(ctx, s.now())
	if err != nil {
		return types.DashboardStats{}, &DependencyError{Op: "load stats", Err: err}
	}
	return stats, nil
}

// checkRenewable reports why a policy cannot be renewed at now, if it cannot.
func checkRenewable(policy types.Policy, accountID int, now time.Time) error {
	if policy.AccountID != accountID {
		return notFound("policy", policy.ID)
	}
	switch policy.Status {
	case types.PolicyExpired:
		return conflict("policy %d has already been renewed or closed", policy.ID)
	case types.PolicyUnderClaimReview:
		return conflict("policy %d has a claim under review", policy.ID)
	}
	if policy.ExpiresAt.Sub(now) > renewalWindow {
		return conflict("policy %d can be renewed from %s", policy.ID, policy.ExpiresAt.Add(-renewalWindow).Format(time.DateOnly))
	}
	return nil
}

// Renew starts a new term for a policy that is expired or within 30 days of
// expiry. The new purchase continues from the later of now and the old
// expiry; the old purchase is closed as Expired in the same transaction.
func (s *PolicyService) Renew(ctx context.Context, accountID, id int) (types.Policy, error) {
	current, err := s.Get(ctx, accountID, id)
	if err != nil {
		return types.Policy{}, err
	}
	now := s.now()
	if err := checkRenewable(current, accountID, now); err != nil {
		return types.Policy{}, err
	}

	var renewed types.Policy
	err = s.tx.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockPolicy(ctx, id)
		if err != nil {
			return err
		}
		if err := checkRenewable(locked, accountID, now); err != nil {
			return err
		}
		open, err := tx.CountOpenClaims(ctx, id)
		if err != nil {
			return err
		}
		if open > 0 {
			return conflict("policy %d has a claim under review", id)
		}

		start := now
		if locked.ExpiresAt.After(start) {
			start = locked.ExpiresAt
		}
		original := locked.ID
		renewed, err = tx.InsertPolicy(ctx, types.Policy{
			AccountID:          locked.AccountID,
			ProductID:          locked.ProductID,
			ProductName:        locked.ProductName,
			ProductType:        locked.ProductType,
			Premium:            locked.Premium,
			CoverageAmount:     locked.CoverageAmount,
			TermYears:          locked.TermYears,
			PurchasedAt:        now,
			ExpiresAt:          start.AddDate(locked.TermYears, 0, 0),
			Status:             types.PolicyActive,
			ClaimStatus:        types.PolicyClaimNone,
			InstallmentNo:      locked.InstallmentNo + 1,
			IsRenewal:          true,
			OriginalPurchaseID: &original,
		})
		if err != nil {
			return err
		}
		return tx.UpdatePolicyStatus(ctx, locked.ID, types.PolicyExpired, locked.ClaimStatus)
	})
	if err != nil {
		return types.Policy{}, translate(err, "renew policy", "policy", id)
	}
	return renewed, nil
}

// Delete removes a policy that is no longer in force and has no open claim.
func (s *PolicyService) Delete(ctx context.Context, accountID, id int) error {
	policy, err := s.Get(ctx, accountID, id)
	if err != nil {
		return err
	}
	now := s.now()
	switch policy.EffectiveStatus(now) {
	case types.PolicyActive:
		return conflict("policy %d is still active", id)
	case types.PolicyUnderClaimReview:
		return conflict("policy %d has a claim under review", id)
	}

	if err := s.repo.Delete(ctx, id, accountID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return conflict("policy %d cannot be deleted in its current state", id)
		}
		return translate(err, "delete policy", "policy", id)
	}
	return nil
}
