package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/insurepro/apiserver/types"
)

func newPolicyFixture(t *testing.T) (*fakeDB, *PolicyService, types.Account) {
	t.Helper()
	db := newFakeDB()
	customer := db.addAccount(types.Account{Email: "ana@example.com", Name: "Ana"})
	svc := NewPolicyService(fakePolicies{db: db}, db)
	svc.now = func() time.Time { return testNow }
	return db, svc, customer
}

func TestPurchase(t *testing.T) {
	_, svc, customer := newPolicyFixture(t)

	policy, err := svc.Purchase(context.Background(), PurchaseInput{
		AccountID:      customer.ID,
		ProductID:      " AUTO-3 ",
		ProductName:    "Comprehensive Auto",
		ProductType:    "Auto",
		Premium:        dec("899.99"),
		CoverageAmount: dec("250000"),
		TermYears:      2,
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if policy.ProductID != "AUTO-3" || policy.Status != types.PolicyActive || policy.ClaimStatus != types.PolicyClaimNone {
		t.Fatalf("unexpected policy %+v", policy)
	}
	if !policy.ExpiresAt.Equal(testNow.AddDate(2, 0, 0)) || policy.InstallmentNo != 1 {
		t.Fatalf("unexpected term bookkeeping: expires %s installment %d", policy.ExpiresAt, policy.InstallmentNo)
	}

	_, err = svc.Purchase(context.Background(), PurchaseInput{AccountID: customer.ID, ProductID: "X", ProductName: "X", ProductType: "X", Premium: dec("1"), CoverageAmount: dec("1"), TermYears: 0})
	expectKind[*ValidationError](t, err)
	_, err = svc.Purchase(context.Background(), PurchaseInput{AccountID: customer.ID, ProductID: "X", ProductName: "X", ProductType: "X", Premium: dec("0"), CoverageAmount: dec("1"), TermYears: 1})
	expectKind[*ValidationError](t, err)
}

func TestRenewWithinWindow(t *testing.T) {
	db, svc, customer := newPolicyFixture(t)
	old := db.addPolicy(types.Policy{
		AccountID:      customer.ID,
		ProductID:      "HLT-1",
		ProductName:    "Family Health",
		ProductType:    "Health",
		Premium:        dec("1200"),
		CoverageAmount: dec("500000"),
		TermYears:      1,
		ExpiresAt:      testNow.AddDate(0, 0, 10),
		Status:         types.PolicyActive,
		ClaimStatus:    types.PolicyClaimRejected,
		InstallmentNo:  2,
	})

	renewed, err := svc.Renew(context.Background(), customer.ID, old.ID)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.IsRenewal || renewed.OriginalPurchaseID == nil || *renewed.OriginalPurchaseID != old.ID {
		t.Fatalf("renewal linkage missing: %+v", renewed)
	}
	if renewed.InstallmentNo != 3 || renewed.ClaimStatus != types.PolicyClaimNone || renewed.Status != types.PolicyActive {
		t.Fatalf("unexpected renewal state %+v", renewed)
	}
	if want := old.ExpiresAt.AddDate(1, 0, 0); !renewed.ExpiresAt.Equal(want) {
		t.Fatalf("renewal must extend from the old expiry: got %s want %s", renewed.ExpiresAt, want)
	}
	if db.policy(old.ID).Status != types.PolicyExpired {
		t.Fatalf("old purchase must be closed")
	}

	_, err = svc.Renew(context.Background(), customer.ID, old.ID)
	expectKind[*ConflictError](t, err)
}

func TestRenewExpiredPolicyStartsNow(t *testing.T) {
	db, svc, customer := newPolicyFixture(t)
	old := db.addPolicy(types.Policy{AccountID: customer.ID, TermYears: 1, ExpiresAt: testNow.AddDate(0, -2, 0), Status: types.PolicyActive, InstallmentNo: 1})

	renewed, err := svc.Renew(context.Background(), customer.ID, old.ID)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.ExpiresAt.Equal(testNow.AddDate(1, 0, 0)) {
		t.Fatalf("expired policy renews from now, got %s", renewed.ExpiresAt)
	}
}

func TestRenewRejections(t *testing.T) {
	db, svc, customer := newPolicyFixture(t)
	early := db.addPolicy(types.Policy{AccountID: customer.ID, TermYears: 1, ExpiresAt: testNow.AddDate(0, 6, 0), Status: types.PolicyActive})
	_, err := svc.Renew(context.Background(), customer.ID, early.ID)
	expectKind[*ConflictError](t, err)

	review := db.addPolicy(types.Policy{AccountID: customer.ID, TermYears: 1, ExpiresAt: testNow.AddDate(0, 0, 5), Status: types.PolicyUnderClaimReview})
	_, err = svc.Renew(context.Background(), customer.ID, review.ID)
	expectKind[*ConflictError](t, err)

	other := db.addAccount(types.Account{Email: "eve@example.com"})
	_, err = svc.Renew(context.Background(), other.ID, early.ID)
	expectKind[*NotFoundError](t, err)

	if got := len(db.state.policies); got != 2 {
		t.Fatalf("no renewal rows expected, have %d policies", got)
	}
}

func TestRenewRollsBackOnFailure(t *testing.T) {
	db, svc, customer := newPolicyFixture(t)
	old := db.addPolicy(types.Policy{AccountID: customer.ID, TermYears: 1, ExpiresAt: testNow.AddDate(0, 0, 3), Status: types.PolicyActive})
	db.updatePolicyErr = errors.New("disk full")

	_, err := svc.Renew(context.Background(), customer.ID, old.ID)
	expectKind[*DependencyError](t, err)
	if got := len(db.state.policies); got != 1 {
		t.Fatalf("renewal insert must be rolled back, have %d policies", got)
	}
}

func TestDeletePolicy(t *testing.T) {
	db, svc, customer := newPolicyFixture(t)
	active := db.addPolicy(types.Policy{AccountID: customer.ID, ExpiresAt: testNow.AddDate(1, 0, 0), Status: types.PolicyActive})
	lapsed := db.addPolicy(types.Policy{AccountID: customer.ID, ExpiresAt: testNow.AddDate(0, -1, 0), Status: types.PolicyActive})

	err := svc.Delete(context.Background(), customer.ID, active.ID)
	expectKind[*ConflictError](t, err)

	if err := svc.Delete(context.Background(), customer.ID, lapsed.ID); err != nil {
		t.Fatalf("delete lapsed policy: %v", err)
	}
	err = svc.Delete(context.Background(), customer.ID, lapsed.ID)
	expectKind[*NotFoundError](t, err)
}

func TestListForAccountFoldsExpiry(t *testing.T) {
	db, svc, customer := newPolicyFixture(t)
	db.addPolicy(types.Policy{AccountID: customer.ID, ExpiresAt: testNow.AddDate(0, -1, 0), Status: types.PolicyActive})
	db.addPolicy(types.Policy{AccountID: customer.ID, ExpiresAt: testNow.AddDate(0, 1, 0), Status: types.PolicyActive})

	policies, err := svc.ListForAccount(context.Background(), customer.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(policies) != 2 || policies[0].Status != types.PolicyActive || policies[1].Status != types.PolicyExpired {
		t.Fatalf("unexpected statuses: %+v", policies)
	}
}
