package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ClaimStatus is the state of a claim in its review lifecycle.
type ClaimStatus string

// Supported claim status values.
const (
	// ClaimSubmitted is the initial state of every claim.
	ClaimSubmitted ClaimStatus = "Submitted"

	// ClaimUnderReview marks a claim an administrator has picked up.
	ClaimUnderReview ClaimStatus = "Under Review"

	// ClaimApproved is terminal; a settlement amount is recorded.
	ClaimApproved ClaimStatus = "Approved"

	// ClaimRejected is terminal; a rejection reason is recorded.
	ClaimRejected ClaimStatus = "Rejected"
)

// IsTerminal reports whether no further transition is allowed.
func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimApproved || s == ClaimRejected
}

// OpenClaimStatuses lists the statuses that count as an in-flight claim.
var OpenClaimStatuses = []ClaimStatus{ClaimSubmitted, ClaimUnderReview}

// DefaultClaimCategory is used when a submission omits a category.
const DefaultClaimCategory = "General"

// Claim is a customer's request for compensation against a policy.
type Claim struct {
	ID int `json:"id" db:"id"`

	// Number is the unique human-readable identifier, e.g. CLM-01J...
	Number string `json:"claim_number" db:"claim_number"`

	AccountID int `json:"account_id" db:"account_id"`
	PolicyID  int `json:"policy_id" db:"policy_id"`

	// Amount is the requested compensation.
	Amount decimal.Decimal `json:"claim_amount" db:"claim_amount"`

	Reason   string      `json:"claim_reason" db:"claim_reason"`
	Category string      `json:"claim_type" db:"claim_type"`
	Status   ClaimStatus `json:"status" db:"status"`

	SubmittedAt time.Time  `json:"submitted_at" db:"submitted_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`

	// SettlementAmount is set on approval and may differ from Amount.
	SettlementAmount decimal.NullDecimal `json:"settlement_amount" db:"settlement_amount"`

	RejectionReason string `json:"rejection_reason,omitempty" db:"rejection_reason"`
	AdjusterNotes   string `json:"adjuster_notes,omitempty" db:"adjuster_notes"`

	// Documents describes the supporting files in upload order.
	Documents []ClaimDocument `json:"documents" db:"documents"`

	// NotifiedAt records delivery of the decision message to the customer.
	NotifiedAt *time.Time `json:"notified_at,omitempty" db:"notified_at"`
}

// ClaimDocument describes one uploaded supporting file. The claim stores it
// as opaque metadata; file contents live in object storage.
type ClaimDocument struct {
	Name        string `json:"name"`
	StoredName  string `json:"stored_name"`
	ObjectKey   string `json:"object_key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// ClaimDetail joins a claim with the policy and customer fields admins review.
type ClaimDetail struct {
	Claim
	PolicyName     string          `json:"policy_name"`
	PolicyType     string          `json:"policy_type"`
	CoverageAmount decimal.Decimal `json:"coverage_amount"`
	CustomerEmail  string          `json:"customer_email"`
	CustomerName   string          `json:"customer_name"`
}

// Decision is an administrator's verdict on a claim.
type Decision string

// Supported decisions.
const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ClaimDecidedEvent is published after a decision commits. It carries
// everything needed to notify the customer without reading the database.
type ClaimDecidedEvent struct {
	ClaimID         int             `json:"claim_id"`
	ClaimNumber     string          `json:"claim_number"`
	Decision        Decision        `json:"decision"`
	Status          ClaimStatus     `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	CustomerEmail   string          `json:"customer_email"`
	CustomerName    string          `json:"customer_name"`
	DecidedAt       time.Time       `json:"decided_at"`
}

// Marshal encodes the event for the message broker.
func (e ClaimDecidedEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// PasswordResetEvent carries a one-time code to the account holder.
type PasswordResetEvent struct {
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}
