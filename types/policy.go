package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PolicyStatus is the primary status of a purchased policy.
type PolicyStatus string

// Supported policy status values.
const (
	PolicyActive              PolicyStatus = "Active"
	PolicyExpired             PolicyStatus = "Expired"
	PolicyUnderClaimReview    PolicyStatus = "Under Claim Review"
	PolicyStatusClaimApproved PolicyStatus = "Claim Approved"
)

// PolicyClaimStatus tracks claim activity against a policy.
type PolicyClaimStatus string

// Supported policy claim status values.
const (
	PolicyClaimNone      PolicyClaimStatus = "None"
	PolicyClaimSubmitted PolicyClaimStatus = "Submitted"
	PolicyClaimApproved  PolicyClaimStatus = "Approved"
	PolicyClaimRejected  PolicyClaimStatus = "Rejected"
)

// Policy is one customer's purchase of one insurance product for one term.
// The backing table is "purchases".
type Policy struct {
	// ID is the unique identifier of the purchase.
	ID int `json:"id" db:"id"`

	// AccountID identifies the owning account.
	AccountID int `json:"account_id" db:"account_id"`

	// ProductID is the catalogue identifier of the insurance product.
	ProductID string `json:"product_id" db:"product_id"`

	// ProductName is the human-readable product name.
	ProductName string `json:"product_name" db:"product_name"`

	// ProductType is the product line, e.g. "Health" or "Auto".
	ProductType string `json:"product_type" db:"product_type"`

	// Premium is the amount paid for the term.
	Premium decimal.Decimal `json:"premium" db:"premium"`

	// CoverageAmount is the upper bound for any single claim.
	CoverageAmount decimal.Decimal `json:"coverage_amount" db:"coverage_amount"`

	// TermYears is the length of the term in years.
	TermYears int `json:"term_years" db:"term_years"`

	// PurchasedAt is when the policy was bought.
	PurchasedAt time.Time `json:"purchased_at" db:"purchased_at"`

	// ExpiresAt is the end of cover.
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`

	Status      PolicyStatus      `json:"status" db:"status"`
	ClaimStatus PolicyClaimStatus `json:"claim_status" db:"claim_status"`

	// InstallmentNo counts renewals, starting at 1 for the original purchase.
	InstallmentNo int `json:"installment_no" db:"installment_no"`

	// IsRenewal is set on purchases created by renewing an earlier one.
	IsRenewal bool `json:"is_renewal" db:"is_renewal"`

	// OriginalPurchaseID points at the purchase this one renewed.
	OriginalPurchaseID *int `json:"original_purchase_id,omitempty" db:"original_purchase_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsExpired reports whether cover has ended at now.
func (p Policy) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

// EffectiveStatus folds expiry into the stored status: an Active policy
// past its expiry date reads as Expired.
func (p Policy) EffectiveStatus(now time.Time) PolicyStatus {
	if p.Status == PolicyActive && p.IsExpired(now) {
		return PolicyExpired
	}
	return p.Status
}

// PolicySummary is a policy row with aggregate claim data for admin listings.
type PolicySummary struct {
	Policy
	CustomerEmail string `json:"customer_email"`
	TotalClaims   int    `json:"total_claims"`
}
