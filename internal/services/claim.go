package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/insurepro/apiserver/internal/documents"
	"github.com/insurepro/apiserver/internal/store"
	"github.com/insurepro/apiserver/types"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const (
	claimNumberPrefix   = "CLM-"
	maxCategoryLength   = 50
	maxReasonLength     = 2000
	defaultClaimPerPage = 20

	// defaultNotifyTimeout bounds each post-commit listener call.
	defaultNotifyTimeout = 5 * time.Second
)

// ClaimRepository defines read access to claims.
type ClaimRepository interface {
	Get(ctx context.Context, id int) (types.Claim, error)
	GetByNumber(ctx context.Context, number string) (types.Claim, error)
	GetDetail(ctx context.Context, id int) (types.ClaimDetail, error)
	CountOpen(ctx context.Context, policyID int) (int, error)
	ListByAccount(ctx context.Context, accountID int) ([]types.ClaimDetail, error)
	List(ctx context.Context, filter store.ClaimFilter) ([]types.ClaimDetail, int, error)
}

// PolicyReader loads a single policy.
type PolicyReader interface {
	Get(ctx context.Context, id int) (types.Policy, error)
}

// Transactor runs fn in one database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(store.Tx) error) error
}

// DecisionListener is told about every committed claim decision.
type DecisionListener interface {
	OnClaimDecided(ctx context.Context, event types.ClaimDecidedEvent) error
}

// SubmitClaimInput carries a customer's claim. Documents must already be
// stored; they are kept as opaque descriptors.
type SubmitClaimInput struct {
	PolicyID  int
	AccountID int
	Amount    decimal.Decimal
	Reason    string
	Category  string
	Documents []types.ClaimDocument
}

// DecideClaimInput carries an administrator's decision. Decision is matched
// case-insensitively against "approve" and "reject".
type DecideClaimInput struct {
	ClaimID          int
	Decision         string
	RejectionReason  string
	SettlementAmount *decimal.Decimal
	AdjusterNotes    string
}

// ClaimService owns the claim state machine and keeps the parent policy in
// step with it.
type ClaimService struct {
	claims    ClaimRepository
	policies  PolicyReader
	tx        Transactor
	limits    documents.Limits
	listeners []DecisionListener
	logger    *slog.Logger
	now       func() time.Time
	newNumber func() string

	notifyTimeout time.Duration
}

// ClaimOption customizes a ClaimService.
type ClaimOption func(*ClaimService)

// WithDecisionListeners registers post-commit listeners.
func WithDecisionListeners(listeners ...DecisionListener) ClaimOption {
	return func(s *ClaimService) {
		s.listeners = append(s.listeners, listeners...)
	}
}

// WithDocumentLimits overrides the attachment limits.
func WithDocumentLimits(limits documents.Limits) ClaimOption {
	return func(s *ClaimService) {
		s.limits = limits
	}
}

// WithLogger sets the logger used for notification failures.
func WithLogger(logger *slog.Logger) ClaimOption {
	return func(s *ClaimService) {
		s.logger = logger
	}
}

// WithNotifyTimeout bounds how long a decision waits on each listener.
func WithNotifyTimeout(d time.Duration) ClaimOption {
	return func(s *ClaimService) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ClaimOption {
	return func(s *ClaimService) {
		s.now = now
	}
}

func NewClaimService(claims ClaimRepository, policies PolicyReader, tx Transactor, opts ...ClaimOption) *ClaimService {
	s := &ClaimService{
		claims:    claims,
		policies:  policies,
		tx:        tx,
		limits:    documents.DefaultLimits(),
		logger:    slog.Default(),
		now:       time.Now,
		newNumber: newClaimNumber,

		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newClaimNumber() string {
	return claimNumberPrefix + ulid.Make().String()
}

// SubmitClaim files a claim against an active policy the caller owns and
// moves the policy under review. Every check runs before the transaction
// and the state checks run again under the policy row lock.
func (s *ClaimService) SubmitClaim(ctx context.Context, in SubmitClaimInput) (types.Claim, error) {
	in = normalizeSubmission(in)
	now := s.now()
	policy, err := s.checkSubmission(ctx, in, now)
	if err != nil {
		return types.Claim{}, err
	}

	claim := types.Claim{
		Number:      s.newNumber(),
		AccountID:   in.AccountID,
		PolicyID:    policy.ID,
		Amount:      in.Amount,
		Reason:      in.Reason,
		Category:    in.Category,
		Status:      types.ClaimSubmitted,
		SubmittedAt: now,
		Documents:   in.Documents,
	}
	if claim.Documents == nil {
		claim.Documents = []types.ClaimDocument{}
	}

	err = s.tx.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockPolicy(ctx, policy.ID)
		if err != nil {
			return err
		}
		if err := checkClaimable(locked, in.AccountID, now); err != nil {
			return err
		}
		open, err := tx.CountOpenClaims(ctx, locked.ID)
		if err != nil {
			return err
		}
		if open > 0 {
			return conflict("policy %d already has a claim under review", locked.ID)
		}

		claim, err = tx.InsertClaim(ctx, claim)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return conflict("policy %d already has a claim under review", locked.ID)
			}
			return err
		}
		return tx.UpdatePolicyStatus(ctx, locked.ID, types.PolicyUnderClaimReview, types.PolicyClaimSubmitted)
	})
	if err != nil {
		return types.Claim{}, translate(err, "submit claim", "policy", in.PolicyID)
	}
	return claim, nil
}

// CheckSubmission runs the SubmitClaim checks that do not depend on the
// attached documents, so a refused claim can be turned away before any file
// is uploaded. SubmitClaim repeats them.
func (s *ClaimService) CheckSubmission(ctx context.Context, in SubmitClaimInput) error {
	in = normalizeSubmission(in)
	in.Documents = nil
	_, err := s.checkSubmission(ctx, in, s.now())
	return err
}

func normalizeSubmission(in SubmitClaimInput) SubmitClaimInput {
	in.Reason = strings.TrimSpace(in.Reason)
	in.Category = strings.TrimSpace(in.Category)
	if in.Category == "" {
		in.Category = types.DefaultClaimCategory
	}
	return in
}

// checkSubmission validates in and returns the target policy if it can take
// the claim at now.
func (s *ClaimService) checkSubmission(ctx context.Context, in SubmitClaimInput, now time.Time) (types.Policy, error) {
	if err := s.validateSubmission(in); err != nil {
		return types.Policy{}, err
	}

	policy, err := s.policies.Get(ctx, in.PolicyID)
	if err != nil {
		return types.Policy{}, translate(err, "load policy", "policy", in.PolicyID)
	}
	if err := checkClaimable(policy, in.AccountID, now); err != nil {
		return types.Policy{}, err
	}
	open, err := s.claims.CountOpen(ctx, policy.ID)
	if err != nil {
		return types.Policy{}, translate(err, "count open claims", "policy", policy.ID)
	}
	if open > 0 {
		return types.Policy{}, conflict("policy %d already has a claim under review", policy.ID)
	}
	if in.Amount.GreaterThan(policy.CoverageAmount) {
		return types.Policy{}, invalid("claim_amount", "claim amount exceeds policy coverage of "+policy.CoverageAmount.StringFixed(2))
	}
	return policy, nil
}

func (s *ClaimService) validateSubmission(in SubmitClaimInput) error {
	if in.PolicyID < 1 {
		return invalid("policy_id", "policy id is required")
	}
	if in.AccountID < 1 {
		return invalid("account_id", "account id is required")
	}
	if !in.Amount.IsPositive() {
		return invalid("claim_amount", "claim amount must be greater than zero")
	}
	if in.Amount.Exponent() < -2 {
		return invalid("claim_amount", "claim amount has more than two decimal places")
	}
	if in.Reason == "" {
		return invalid("claim_reason", "claim reason is required")
	}
	if len(in.Reason) > maxReasonLength {
		return invalid("claim_reason", "claim reason is too long")
	}
	if len(in.Category) > maxCategoryLength {
		return invalid("claim_type", "claim type is too long")
	}
	if err := documents.Validate(in.Documents, s.limits); err != nil {
		return invalid("documents", err.Error())
	}
	return nil
}

// checkClaimable reports why a policy cannot take a new claim, if it cannot.
func checkClaimable(policy types.Policy, accountID int, now time.Time) error {
	if policy.AccountID != accountID {
		return notFound("policy", policy.ID)
	}
	if policy.IsExpired(now) {
		return conflict("policy %d expired on %s", policy.ID, policy.ExpiresAt.Format(time.DateOnly))
	}
	if policy.Status != types.PolicyActive {
		return conflict("policy %d is %s, not Active", policy.ID, policy.Status)
	}
	return nil
}

// MarkUnderReview moves a Submitted claim to Under Review. The policy is
// already under claim review and is left untouched.
func (s *ClaimService) MarkUnderReview(ctx context.Context, claimID int) (types.Claim, error) {
	if claimID < 1 {
		return types.Claim{}, invalid("claim_id", "claim id is required")
	}
	current, err := s.claims.Get(ctx, claimID)
	if err != nil {
		return types.Claim{}, translate(err, "load claim", "claim", claimID)
	}
	if current.Status != types.ClaimSubmitted {
		return types.Claim{}, conflict("claim %s is %s and cannot be moved to review", current.Number, current.Status)
	}

	var claim types.Claim
	err = s.tx.InTx(ctx, func(tx store.Tx) error {
		var txErr error
		claim, txErr = tx.MarkClaimUnderReview(ctx, claimID)
		return txErr
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return types.Claim{}, conflict("claim %s was changed concurrently", current.Number)
		}
		return types.Claim{}, translate(err, "mark claim under review", "claim", claimID)
	}
	return claim, nil
}

// DecideClaim approves or rejects an open claim and updates the parent
// policy in the same transaction. Listeners run after commit; their
// failures are logged and do not affect the result.
func (s *ClaimService) DecideClaim(ctx context.Context, in DecideClaimInput) (types.Claim, error) {
	decision, err := parseDecision(in.Decision)
	if err != nil {
		return types.Claim{}, err
	}
	if in.ClaimID < 1 {
		return types.Claim{}, invalid("claim_id", "claim id is required")
	}
	in.RejectionReason = strings.TrimSpace(in.RejectionReason)
	in.AdjusterNotes = strings.TrimSpace(in.AdjusterNotes)
	if decision == types.DecisionReject && in.RejectionReason == "" {
		return types.Claim{}, invalid("rejection_reason", "rejection reason is required")
	}

	current, err := s.claims.Get(ctx, in.ClaimID)
	if err != nil {
		return types.Claim{}, translate(err, "load claim", "claim", in.ClaimID)
	}
	if current.Status.IsTerminal() {
		return types.Claim{}, conflict("claim %s has already been %s", current.Number, strings.ToLower(string(current.Status)))
	}

	update := store.ClaimDecision{
		ClaimID:       current.ID,
		AdjusterNotes: in.AdjusterNotes,
		ProcessedAt:   s.now(),
	}
	policyStatus, policyClaimStatus := types.PolicyActive, types.PolicyClaimRejected
	switch decision {
	case types.DecisionApprove:
		settlement := current.Amount
		if in.SettlementAmount != nil {
			if !in.SettlementAmount.IsPositive() {
				return types.Claim{}, invalid("settlement_amount", "settlement amount must be greater than zero")
			}
			if in.SettlementAmount.Exponent() < -2 {
				return types.Claim{}, invalid("settlement_amount", "settlement amount has more than two decimal places")
			}
			if in.SettlementAmount.GreaterThan(current.Amount) {
				return types.Claim{}, invalid("settlement_amount", "settlement amount exceeds the claimed amount")
			}
			settlement = *in.SettlementAmount
		}
		update.Status = types.ClaimApproved
		update.SettlementAmount = decimal.NewNullDecimal(settlement)
		policyStatus, policyClaimStatus = types.PolicyStatusClaimApproved, types.PolicyClaimApproved
	case types.DecisionReject:
		update.Status = types.ClaimRejected
		update.RejectionReason = in.RejectionReason
	}

	var (
		claim   types.Claim
		account types.Account
	)
	err = s.tx.InTx(ctx, func(tx store.Tx) error {
		var err error
		claim, err = tx.DecideClaim(ctx, update)
		if err != nil {
			return err
		}
		if err := tx.UpdatePolicyStatus(ctx, claim.PolicyID, policyStatus, policyClaimStatus); err != nil {
			return err
		}
		account, err = tx.GetAccount(ctx, claim.AccountID)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return types.Claim{}, conflict("claim %s was decided concurrently", current.Number)
		}
		return types.Claim{}, translate(err, "decide claim", "claim", in.ClaimID)
	}

	s.notify(ctx, decidedEvent(claim, decision, account))
	return claim, nil
}

func parseDecision(raw string) (types.Decision, error) {
	switch types.Decision(strings.ToLower(strings.TrimSpace(raw))) {
	case types.DecisionApprove:
		return types.DecisionApprove, nil
	case types.DecisionReject:
		return types.DecisionReject, nil
	default:
		return "", invalid("decision", "decision must be approve or reject")
	}
}

func decidedEvent(claim types.Claim, decision types.Decision, account types.Account) types.ClaimDecidedEvent {
	amount := claim.Amount
	if claim.SettlementAmount.Valid {
		amount = claim.SettlementAmount.Decimal
	}
	decidedAt := time.Now()
	if claim.ProcessedAt != nil {
		decidedAt = *claim.ProcessedAt
	}
	return types.ClaimDecidedEvent{
		ClaimID:         claim.ID,
		ClaimNumber:     claim.Number,
		Decision:        decision,
		Status:          claim.Status,
		Amount:          amount,
		RejectionReason: claim.RejectionReason,
		CustomerEmail:   account.Email,
		CustomerName:    account.Name,
		DecidedAt:       decidedAt,
	}
}

// notify runs every listener, each under its own deadline. The decision is
// already durable, so a failing or stalled listener is logged and the rest
// still run.
func (s *ClaimService) notify(ctx context.Context, event types.ClaimDecidedEvent) {
	base := context.WithoutCancel(ctx)
	for _, listener := range s.listeners {
		listenerCtx, cancel := context.WithTimeout(base, s.notifyTimeout)
		err := listener.OnClaimDecided(listenerCtx, event)
		cancel()
		if err != nil {
			nerr := &NotificationError{
				Listener:    listenerName(listener),
				ClaimNumber: event.ClaimNumber,
				Err:         err,
			}
			s.logger.Error("claim decision notification failed",
				"claim_number", event.ClaimNumber,
				"decision", event.Decision,
				"error", nerr,
			)
		}
	}
}

func listenerName(l DecisionListener) string {
	if named, ok := l.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "listener"
}

// GetClaim returns a claim with its policy and customer details.
func (s *ClaimService) GetClaim(ctx context.Context, id int) (types.ClaimDetail, error) {
	detail, err := s.claims.GetDetail(ctx, id)
	if err != nil {
		return types.ClaimDetail{}, translate(err, "load claim", "claim", id)
	}
	return detail, nil
}

// GetAccountClaim returns a claim only if accountID owns it.
func (s *ClaimService) GetAccountClaim(ctx context.Context, accountID, id int) (types.ClaimDetail, error) {
	detail, err := s.GetClaim(ctx, id)
	if err != nil {
		return types.ClaimDetail{}, err
	}
	if detail.AccountID != accountID {
		return types.ClaimDetail{}, notFound("claim", id)
	}
	return detail, nil
}

// GetClaimByNumber returns a claim by its claim number. A non-zero
// accountID restricts the lookup to that account's claims.
func (s *ClaimService) GetClaimByNumber(ctx context.Context, accountID int, number string) (types.Claim, error) {
	number = strings.ToUpper(strings.TrimSpace(number))
	if number == "" {
		return types.Claim{}, invalid("claim_number", "claim number is required")
	}
	claim, err := s.claims.GetByNumber(ctx, number)
	if err != nil {
		return types.Claim{}, translate(err, "load claim", "claim", number)
	}
	if accountID != 0 && claim.AccountID != accountID {
		return types.Claim{}, notFound("claim", number)
	}
	return claim, nil
}

// ListAccountClaims returns the caller's claims, newest first.
func (s *ClaimService) ListAccountClaims(ctx context.Context, accountID int) ([]types.ClaimDetail, error) {
	claims, err := s.claims.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, &DependencyError{Op: "list claims", Err: err}
	}
	return claims, nil
}

// ListClaims returns claims for administrators. Unknown statuses are a
// validation error.
func (s *ClaimService) ListClaims(ctx context.Context, filter store.ClaimFilter) ([]types.ClaimDetail, int, error) {
	for _, st := range filter.Statuses {
		switch st {
		case types.ClaimSubmitted, types.ClaimUnderReview, types.ClaimApproved, types.ClaimRejected:
		default:
			return nil, 0, invalid("status", "unknown claim status "+string(st))
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultClaimPerPage
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	claims, total, err := s.claims.List(ctx, filter)
	if err != nil {
		return nil, 0, &DependencyError{Op: "list claims", Err: err}
	}
	return claims, total, nil
}

// ListPendingClaims returns open claims awaiting a decision.
func (s *ClaimService) ListPendingClaims(ctx context.Context, offset, limit int) ([]types.ClaimDetail, int, error) {
	return s.ListClaims(ctx, store.ClaimFilter{
		Statuses: types.OpenClaimStatuses,
		Offset:   offset,
		Limit:    limit,
	})
}

// OpenDocument returns a claim document's metadata for a caller allowed to
// see the claim. accountID 0 means an administrator.
func (s *ClaimService) OpenDocument(ctx context.Context, accountID, claimID, index int) (types.ClaimDocument, error) {
	detail, err := s.GetClaim(ctx, claimID)
	if err != nil {
		return types.ClaimDocument{}, err
	}
	if accountID != 0 && detail.AccountID != accountID {
		return types.ClaimDocument{}, notFound("claim", claimID)
	}
	if index < 0 || index >= len(detail.Documents) {
		return types.ClaimDocument{}, notFound("document", index)
	}
	return detail.Documents[index], nil
}
