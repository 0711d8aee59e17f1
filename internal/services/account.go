package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/insurepro/apiserver/internal/store"
	"github.com/insurepro/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	otpDigits         = 6
	otpTTL            = 10 * time.Minute
)

// ErrInvalidCredentials is returned when an email/password pair does not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInvalidResetCode is returned for a wrong, expired or missing reset code.
var ErrInvalidResetCode = errors.New("invalid or expired reset code")

// AccountRepository defines persistence operations for accounts.
type AccountRepository interface {
	GetByID(ctx context.Context, id int) (types.Account, error)
	GetByEmail(ctx context.Context, email string) (types.Account, error)
	Create(ctx context.Context, account types.Account) (types.Account, error)
	UpdatePassword(ctx context.Context, id int, passwordHash string) error
	UpdateRole(ctx context.Context, id int, role string) error
	SetResetOTP(ctx context.Context, id int, otpHash string, expires time.Time) error
	ListSummaries(ctx context.Context, offset, limit int) ([]types.AccountSummary, int, error)
}

// ResetCodeSender delivers password reset codes to account holders.
type ResetCodeSender interface {
	SendResetCode(ctx context.Context, event types.PasswordResetEvent) error
}

// AccountService encapsulates account use-cases.
type AccountService struct {
	repo   AccountRepository
	sender ResetCodeSender
	cost   int
	now    func() time.Time
}

func NewAccountService(repo AccountRepository, sender ResetCodeSender) *AccountService {
	return &AccountService{repo: repo, sender: sender, cost: bcrypt.DefaultCost, now: time.Now}
}

// RegisterInput describes a new customer account.
type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Address != strings.TrimSpace(raw) {
		return "", invalid("email", "a valid email address is required")
	}
	return strings.ToLower(addr.Address), nil
}

func (s *AccountService) hash(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hashed), nil
}

// Register creates a customer account.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (types.Account, error) {
	return s.create(ctx, in, types.RoleCustomer)
}

func (s *AccountService) create(ctx context.Context, in RegisterInput, role string) (types.Account, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return types.Account{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return types.Account{}, invalid("name", "name is required")
	}
	if len(in.Password) < minPasswordLength {
		return types.Account{}, invalid("password", fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	hashed, err := s.hash(in.Password)
	if err != nil {
		return types.Account{}, err
	}
	account, err := s.repo.Create(ctx, types.Account{
		Email:        email,
		Name:         name,
		Role:         role,
		PasswordHash: hashed,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return types.Account{}, conflict("an account with this email already exists")
		}
		return types.Account{}, translate(err, "create account", "account", email)
	}
	return account, nil
}

// CreateAdmin creates an administrator, or promotes an existing account and
// resets its password.
func (s *AccountService) CreateAdmin(ctx context.Context, in RegisterInput) (types.Account, error) {
	account, err := s.create(ctx, in, types.RoleAdmin)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		return account, err
	}

	existing, err := s.repo.GetByEmail(ctx, in.Email)
	if err != nil {
		return types.Account{}, translate(err, "load account", "account", in.Email)
	}
	hashed, err := s.hash(in.Password)
	if err != nil {
		return types.Account{}, err
	}
	if err := s.repo.UpdatePassword(ctx, existing.ID, hashed); err != nil {
		return types.Account{}, translate(err, "update password", "account", existing.ID)
	}
	if err := s.repo.UpdateRole(ctx, existing.ID, types.RoleAdmin); err != nil {
		return types.Account{}, translate(err, "update role", "account", existing.ID)
	}
	existing.Role = types.RoleAdmin
	existing.PasswordHash = hashed
	return existing, nil
}

// Authenticate checks an email/password pair.
func (s *AccountService) Authenticate(ctx context.Context, email, password string) (types.Account, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return types.Account{}, invalid("", "email and password are required")
	}
	account, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Account{}, ErrInvalidCredentials
		}
		return types.Account{}, &DependencyError{Op: "load account", Err: err}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return types.Account{}, ErrInvalidCredentials
	}
	return account, nil
}

func (s *AccountService) GetByID(ctx context.Context, id int) (types.Account, error) {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return types.Account{}, translate(err, "load account", "account", id)
	}
	return account, nil
}

// ListSummaries returns customer accounts for administrators.
func (s *AccountService) ListSummaries(ctx context.Context, offset, limit int) ([]types.AccountSummary, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	accounts, total, err := s.repo.ListSummaries(ctx, offset, limit)
	if err != nil {
		return nil, 0, &DependencyError{Op: "list accounts", Err: err}
	}
	return accounts, total, nil
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

// RequestPasswordReset issues a six digit code valid for ten minutes. An
// unknown email is not reported, so the endpoint cannot be used to probe
// for accounts.
func (s *AccountService) RequestPasswordReset(ctx context.Context, email string) error {
	account, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return &DependencyError{Op: "load account", Err: err}
	}

	code, err := generateOTP()
	if err != nil {
		return &DependencyError{Op: "generate reset code", Err: err}
	}
	hashed, err := s.hash(code)
	if err != nil {
		return err
	}
	expires := s.now().Add(otpTTL)
	if err := s.repo.SetResetOTP(ctx, account.ID, hashed, expires); err != nil {
		return translate(err, "store reset code", "account", account.ID)
	}
	if err := s.sender.SendResetCode(ctx, types.PasswordResetEvent{
		Email:     account.Email,
		Code:      code,
		ExpiresAt: expires,
	}); err != nil {
		return &DependencyError{Op: "send reset code", Err: err}
	}
	return nil
}

func (s *AccountService) checkResetCode(ctx context.Context, email, code string) (types.Account, error) {
	account, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Account{}, ErrInvalidResetCode
		}
		return types.Account{}, &DependencyError{Op: "load account", Err: err}
	}
	if account.ResetOTPHash == "" || account.ResetOTPExpires == nil || !s.now().Before(*account.ResetOTPExpires) {
		return types.Account{}, ErrInvalidResetCode
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.ResetOTPHash), []byte(strings.TrimSpace(code))); err != nil {
		return types.Account{}, ErrInvalidResetCode
	}
	return account, nil
}

// VerifyResetCode reports whether code is the outstanding reset code.
func (s *AccountService) VerifyResetCode(ctx context.Context, email, code string) error {
	_, err := s.checkResetCode(ctx, email, code)
	return err
}

// ResetPassword sets a new password using a valid reset code, which is
// consumed.
func (s *AccountService) ResetPassword(ctx context.Context, email, code, password string) error {
	if len(password) < minPasswordLength {
		return invalid("password", fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	account, err := s.checkResetCode(ctx, email, code)
	if err != nil {
		return err
	}
	hashed, err := s.hash(password)
	if err != nil {
		return err
	}
	if err := s.repo.UpdatePassword(ctx, account.ID, hashed); err != nil {
		return translate(err, "update password", "account", account.ID)
	}
	return nil
}
