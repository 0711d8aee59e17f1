package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account roles.
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// Account represents a customer or administrator login.
type Account struct {
	// ID is the unique identifier of the account.
	ID int `json:"id" db:"id"`

	// Email is the login address. It is stored lower-cased and is unique
	// regardless of case.
	Email string `json:"email" db:"email"`

	// Name is the account holder's display name.
	Name string `json:"name" db:"name"`

	// Role is either "customer" or "admin".
	Role string `json:"role" db:"role"`

	// PasswordHash stores the bcrypt hash of the password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// ResetOTPHash is the bcrypt hash of an outstanding password reset code.
	ResetOTPHash string `json:"-" db:"reset_otp_hash"`

	// ResetOTPExpires is when the outstanding reset code stops being accepted.
	ResetOTPExpires *time.Time `json:"-" db:"reset_otp_expires"`

	// CreatedAt is the timestamp when the account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsAdmin reports whether the account may review claims.
func (a Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// AccountSummary is a customer row with aggregate totals for admin listings.
type AccountSummary struct {
	ID            int             `json:"id"`
	Email         string          `json:"email"`
	Name          string          `json:"name"`
	CreatedAt     time.Time       `json:"created_at"`
	TotalPolicies int             `json:"total_policies"`
	TotalClaims   int             `json:"total_claims"`
	TotalPremium  decimal.Decimal `json:"total_premium"`
}

// DashboardStats are the headline numbers shown to administrators.
type DashboardStats struct {
	TotalCustomers int             `json:"total_customers"`
	TotalPolicies  int             `json:"total_policies"`
	ActivePolicies int             `json:"active_policies"`
	TotalClaims    int             `json:"total_claims"`
	PendingClaims  int             `json:"pending_claims"`
	TotalPremium   decimal.Decimal `json:"total_premium"`
}
