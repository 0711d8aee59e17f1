package services

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/insurepro/apiserver/internal/store"
	"github.com/insurepro/apiserver/types"
)

// fakeState is the durable content of fakeDB.
type fakeState struct {
	accounts     map[int]types.Account
	policies     map[int]types.Policy
	claims       map[int]types.Claim
	nextPolicyID int
	nextClaimID  int
}

func (s fakeState) clone() fakeState {
	return fakeState{
		accounts:     maps.Clone(s.accounts),
		policies:     maps.Clone(s.policies),
		claims:       maps.Clone(s.claims),
		nextPolicyID: s.nextPolicyID,
		nextClaimID:  s.nextClaimID,
	}
}

// fakeDB is an in-memory store with transactional semantics: a transaction
// works on a copy that replaces the state only on commit. Transactions are
// serialized, which mirrors the row locks the real store takes.
type fakeDB struct {
	mu    sync.Mutex
	state fakeState

	// failure injection
	beginErr          error
	updatePolicyErr   error
	insertClaimErr    error
	commits           int
	rollbacks         int
	updatePolicyCalls int
}

func newFakeDB() *fakeDB {
	return &fakeDB{state: fakeState{
		accounts:     map[int]types.Account{},
		policies:     map[int]types.Policy{},
		claims:       map[int]types.Claim{},
		nextPolicyID: 1,
		nextClaimID:  1,
	}}
}

func (f *fakeDB) addAccount(a types.Account) types.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == 0 {
		a.ID = len(f.state.accounts) + 1
	}
	f.state.accounts[a.ID] = a
	return a
}

func (f *fakeDB) addPolicy(p types.Policy) types.Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = f.state.nextPolicyID
	f.state.nextPolicyID++
	f.state.policies[p.ID] = p
	return p
}

func (f *fakeDB) addClaim(c types.Claim) types.Claim {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = f.state.nextClaimID
	f.state.nextClaimID++
	f.state.claims[c.ID] = c
	return c
}

func (f *fakeDB) policy(id int) types.Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.policies[id]
}

func (f *fakeDB) claim(id int) types.Claim {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.claims[id]
}

func (f *fakeDB) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.state.claims)
}

// Transactor

func (f *fakeDB) InTx(ctx context.Context, fn func(store.Tx) error) error {
	if f.beginErr != nil {
		return f.beginErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	work := f.state.clone()
	if err := fn(&fakeTx{db: f, state: &work}); err != nil {
		f.rollbacks++
		return err
	}
	f.state = work
	f.commits++
	return nil
}

type fakeTx struct {
	db    *fakeDB
	state *fakeState
}

func (t *fakeTx) GetAccount(_ context.Context, id int) (types.Account, error) {
	a, ok := t.state.accounts[id]
	if !ok {
		return types.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (t *fakeTx) LockPolicy(_ context.Context, id int) (types.Policy, error) {
	p, ok := t.state.policies[id]
	if !ok {
		return types.Policy{}, store.ErrNotFound
	}
	return p, nil
}

func (t *fakeTx) CountOpenClaims(_ context.Context, policyID int) (int, error) {
	return countOpen(t.state.claims, policyID), nil
}

func (t *fakeTx) InsertPolicy(_ context.Context, p types.Policy) (types.Policy, error) {
	p.ID = t.state.nextPolicyID
	t.state.nextPolicyID++
	t.state.policies[p.ID] = p
	return p, nil
}

func (t *fakeTx) UpdatePolicyStatus(_ context.Context, policyID int, status types.PolicyStatus, claimStatus types.PolicyClaimStatus) error {
	t.db.updatePolicyCalls++
	if t.db.updatePolicyErr != nil {
		return t.db.updatePolicyErr
	}
	p, ok := t.state.policies[policyID]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = status
	p.ClaimStatus = claimStatus
	t.state.policies[policyID] = p
	return nil
}

func (t *fakeTx) InsertClaim(_ context.Context, c types.Claim) (types.Claim, error) {
	if t.db.insertClaimErr != nil {
		return types.Claim{}, t.db.insertClaimErr
	}
	for _, existing := range t.state.claims {
		if existing.Number == c.Number {
			return types.Claim{}, store.ErrConflict
		}
	}
	if countOpen(t.state.claims, c.PolicyID) > 0 {
		return types.Claim{}, store.ErrConflict
	}
	c.ID = t.state.nextClaimID
	t.state.nextClaimID++
	t.state.claims[c.ID] = c
	return c, nil
}

func (t *fakeTx) MarkClaimUnderReview(_ context.Context, id int) (types.Claim, error) {
	c, ok := t.state.claims[id]
	if !ok || c.Status != types.ClaimSubmitted {
		return types.Claim{}, store.ErrConflict
	}
	c.Status = types.ClaimUnderReview
	t.state.claims[id] = c
	return c, nil
}

func (t *fakeTx) DecideClaim(_ context.Context, d store.ClaimDecision) (types.Claim, error) {
	c, ok := t.state.claims[d.ClaimID]
	if !ok || c.Status.IsTerminal() {
		return types.Claim{}, store.ErrConflict
	}
	processed := d.ProcessedAt
	c.Status = d.Status
	c.SettlementAmount = d.SettlementAmount
	c.RejectionReason = d.RejectionReason
	c.AdjusterNotes = d.AdjusterNotes
	c.ProcessedAt = &processed
	t.state.claims[c.ID] = c
	return c, nil
}

func countOpen(claims map[int]types.Claim, policyID int) int {
	n := 0
	for _, c := range claims {
		if c.PolicyID == policyID && !c.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// ClaimRepository and PolicyRepository reads

func (f *fakeDB) Get(_ context.Context, id int) (types.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.state.claims[id]
	if !ok {
		return types.Claim{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeDB) GetByNumber(_ context.Context, number string) (types.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.state.claims {
		if c.Number == number {
			return c, nil
		}
	}
	return types.Claim{}, store.ErrNotFound
}

func (f *fakeDB) detail(c types.Claim) types.ClaimDetail {
	p := f.state.policies[c.PolicyID]
	a := f.state.accounts[c.AccountID]
	return types.ClaimDetail{
		Claim:          c,
		PolicyName:     p.ProductName,
		PolicyType:     p.ProductType,
		CoverageAmount: p.CoverageAmount,
		CustomerEmail:  a.Email,
		CustomerName:   a.Name,
	}
}

func (f *fakeDB) GetDetail(_ context.Context, id int) (types.ClaimDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.state.claims[id]
	if !ok {
		return types.ClaimDetail{}, store.ErrNotFound
	}
	return f.detail(c), nil
}

func (f *fakeDB) CountOpen(_ context.Context, policyID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return countOpen(f.state.claims, policyID), nil
}

func (f *fakeDB) sortedClaims(keep func(types.Claim) bool) []types.ClaimDetail {
	out := make([]types.ClaimDetail, 0)
	for _, c := range f.state.claims {
		if keep(c) {
			out = append(out, f.detail(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (f *fakeDB) ListByAccount(_ context.Context, accountID int) ([]types.ClaimDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedClaims(func(c types.Claim) bool { return c.AccountID == accountID }), nil
}

func (f *fakeDB) List(_ context.Context, filter store.ClaimFilter) ([]types.ClaimDetail, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.sortedClaims(func(c types.Claim) bool {
		if len(filter.Statuses) == 0 {
			return true
		}
		for _, s := range filter.Statuses {
			if c.Status == s {
				return true
			}
		}
		return false
	})
	total := len(all)
	start := min(filter.Offset, total)
	end := min(start+filter.Limit, total)
	return all[start:end], total, nil
}

// fakePolicies adapts fakeDB to PolicyRepository and PolicyReader, whose
// Get collides with the claim reader's.
type fakePolicies struct {
	db        *fakeDB
	deleteErr error
}

func (p fakePolicies) Get(_ context.Context, id int) (types.Policy, error) {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	policy, ok := p.db.state.policies[id]
	if !ok {
		return types.Policy{}, store.ErrNotFound
	}
	return policy, nil
}

func (p fakePolicies) Create(_ context.Context, policy types.Policy) (types.Policy, error) {
	return p.db.addPolicy(policy), nil
}

func (p fakePolicies) ListByAccount(_ context.Context, accountID int) ([]types.Policy, error) {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	out := make([]types.Policy, 0)
	for _, policy := range p.db.state.policies {
		if policy.AccountID == accountID {
			out = append(out, policy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (p fakePolicies) ListSummaries(_ context.Context, offset, limit int) ([]types.PolicySummary, int, error) {
	return nil, 0, errors.New("not used")
}

func (p fakePolicies) Delete(_ context.Context, id, accountID int, now time.Time) error {
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	policy, ok := p.db.state.policies[id]
	if !ok || policy.AccountID != accountID {
		return store.ErrConflict
	}
	if policy.Status == types.PolicyActive && policy.ExpiresAt.After(now) {
		return store.ErrConflict
	}
	if countOpen(p.db.state.claims, id) > 0 {
		return store.ErrConflict
	}
	delete(p.db.state.policies, id)
	return nil
}

func (p fakePolicies) Stats(_ context.Context, now time.Time) (types.DashboardStats, error) {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	var stats types.DashboardStats
	stats.TotalPolicies = len(p.db.state.policies)
	for _, policy := range p.db.state.policies {
		if policy.EffectiveStatus(now) == types.PolicyActive {
			stats.ActivePolicies++
		}
		stats.TotalPremium = stats.TotalPremium.Add(policy.Premium)
	}
	stats.TotalClaims = len(p.db.state.claims)
	for _, c := range p.db.state.claims {
		if !c.Status.IsTerminal() {
			stats.PendingClaims++
		}
	}
	return stats, nil
}

// recordingListener captures decision events.
// stalledListener blocks until its context ends, like a broker that stopped
// answering.
type stalledListener struct {
	calls atomic.Int32
}

func (l *stalledListener) OnClaimDecided(ctx context.Context, _ types.ClaimDecidedEvent) error {
	l.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

type recordingListener struct {
	mu     sync.Mutex
	events []types.ClaimDecidedEvent
	err    error
}

func (l *recordingListener) OnClaimDecided(_ context.Context, e types.ClaimDecidedEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return l.err
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
